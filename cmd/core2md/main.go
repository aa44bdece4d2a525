package main

import (
	"os"

	"github.com/youtube/h5vcc-sub002/cmd/core2md/cmds"
	"github.com/youtube/h5vcc-sub002/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.Core2mdVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
