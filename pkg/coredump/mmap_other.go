//go:build !linux && !darwin && !freebsd
// +build !linux,!darwin,!freebsd

package coredump

import "io/ioutil"

// mapFile reads the whole named file, memory mapping is only used on unix.
func mapFile(path string) ([]byte, func() error, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
