// Package version reports the version of core2md and of the modules it was
// built from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version represents the current version of core2md.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// Core2mdVersion is the current version of core2md.
var Core2mdVersion = Version{
	Major: "1", Minor: "2", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	if strings.HasPrefix(v.Build, "$Id$") {
		v.Build = vcsRevision()
	}
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// vcsRevision returns the revision stamped by the go command, or "$Id$"
// when the binary was built without VCS information.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "$Id$"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return "$Id$"
}

// BuildInfo returns the Go toolchain version on the first line, followed
// by a table of the main module and its dependencies.
func BuildInfo() string {
	var sb strings.Builder
	sb.WriteString(runtime.Version())
	sb.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		sb.WriteString("not built in module mode\n")
		return sb.String()
	}
	w := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, "dep\t%s\t%s\t=> %s %s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(w, "dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	w.Flush()
	return sb.String()
}
