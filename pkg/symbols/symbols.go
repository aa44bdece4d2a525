// Package symbols reads the MODULE record of Breakpad symbol files.
//
// The MODULE record is the first line of a symbol file:
//
//	MODULE <os> <arch> <id> <name>
//
// where id is the hexadecimal GUID of the module optionally followed by its
// age.
package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/youtube/h5vcc-sub002/pkg/logflags"
)

// ErrInvalidID is returned when the module id is not a hexadecimal GUID.
var ErrInvalidID = errors.New("invalid module id")

// GUID is a module identifier, laid out like a Windows GUID.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// Info is the MODULE record of a symbol file.
type Info struct {
	path string
	log  logflags.Logger

	module string
	os     string
	arch   string
	rawID  string
	name   string
	id     GUID
}

// New returns an Info for the symbol file at path. Nothing is read until
// Init is called.
func New(path string) *Info {
	return &Info{path: path, log: logflags.SymbolsLogger()}
}

// Init reads the first line of the symbol file and decodes it. On failure
// Name and ID are left empty.
func (s *Info) Init() error {
	fh, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("could not open symbol file: %w", err)
	}
	defer fh.Close()

	line, err := bufio.NewReader(fh).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return fmt.Errorf("could not read MODULE record from %s: %v", s.path, err)
	}
	if err := s.parse(line); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	return nil
}

// Parse decodes a MODULE record.
func Parse(line string) (*Info, error) {
	s := &Info{log: logflags.SymbolsLogger()}
	if err := s.parse(line); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Info) parse(line string) error {
	parts := strings.Fields(line)
	if len(parts) != 5 {
		return fmt.Errorf("MODULE record has %d field(s) instead of 5", len(parts))
	}
	if parts[0] != "MODULE" {
		s.log.Warnf("symbol file record starts with %q instead of MODULE", parts[0])
	}
	id, err := parseID(parts[3])
	if err != nil {
		return err
	}
	s.module, s.os, s.arch, s.rawID, s.name = parts[0], parts[1], parts[2], parts[3], parts[4]
	s.id = id
	s.log.Debugf("module %s id %s", s.name, s.id)
	return nil
}

// parseID decodes the GUID at the start of id. Every character of id must
// be a hexadecimal digit.
func parseID(id string) (GUID, error) {
	var g GUID
	for i := 0; i < len(id); i++ {
		if !isHexDigit(id[i]) {
			return g, fmt.Errorf("%w: %q has non hexadecimal character %q", ErrInvalidID, id, id[i])
		}
	}
	if len(id) < 32 {
		return g, fmt.Errorf("%w: %q is shorter than 32 characters", ErrInvalidID, id)
	}
	hex := func(s string, bits int) uint64 {
		v, _ := strconv.ParseUint(s, 16, bits)
		return v
	}
	g.Data1 = uint32(hex(id[0:8], 32))
	g.Data2 = uint16(hex(id[8:12], 16))
	g.Data3 = uint16(hex(id[12:16], 16))
	for i := range g.Data4 {
		g.Data4[i] = uint8(hex(id[16+2*i:18+2*i], 8))
	}
	return g, nil
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// Module returns the record type, normally "MODULE".
func (s *Info) Module() string { return s.module }

// OS returns the operating system the module was built for.
func (s *Info) OS() string { return s.os }

// Arch returns the architecture the module was built for.
func (s *Info) Arch() string { return s.arch }

// Name returns the name of the module.
func (s *Info) Name() string { return s.name }

// ID returns the GUID of the module.
func (s *Info) ID() GUID { return s.id }

// RawID returns the id field exactly as it appears in the symbol file.
func (s *Info) RawID() string { return s.rawID }

// DebugID returns the identifier a minidump processor derives from the
// module's CodeView record, which always has age zero.
func (s *Info) DebugID() string {
	g := s.id
	return fmt.Sprintf("%08X%04X%04X%X0", g.Data1, g.Data2, g.Data3, g.Data4[:])
}
