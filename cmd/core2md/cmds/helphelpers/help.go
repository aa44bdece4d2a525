package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The logging and configuration flags are persistent on the root command so
// that
//
//	core2md --log version
//
// parses successfully, but they mean nothing to the help topics.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "help", "log", "version":
		hideAllFlags(cmd)
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}
