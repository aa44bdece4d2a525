package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/youtube/h5vcc-sub002/cmd/core2md/cmds/helphelpers"
	"github.com/youtube/h5vcc-sub002/pkg/config"
	"github.com/youtube/h5vcc-sub002/pkg/coredump"
	"github.com/youtube/h5vcc-sub002/pkg/crashreport"
	"github.com/youtube/h5vcc-sub002/pkg/logflags"
	"github.com/youtube/h5vcc-sub002/pkg/minidump"
	"github.com/youtube/h5vcc-sub002/pkg/symbols"
	"github.com/youtube/h5vcc-sub002/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string
	// initConfig makes 'config' write the default configuration file.
	initConfig bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const core2mdCommandLongDesc = `core2md converts a console core dump into a Breakpad minidump.

The core dump is an ELF64 core file carrying the console's process notes. The
symbol file is the Breakpad symbol file of the main executable, only its
MODULE line is read. The minidump written to output-file can be processed by
minidump_stackwalk together with the symbol file.`

var errArity = errors.New("you must provide a core file, a symbol file and an output file")

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main core2md root command.
	rootCommand = &cobra.Command{
		Use:   "core2md <core-file> <symbol-file> <output-file>",
		Short: "core2md converts console core dumps into Breakpad minidumps.",
		Long:  core2mdCommandLongDesc,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return errArity
			}
			return nil
		},
		RunE: convertCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'core2md help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'core2md help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Configuration file, defaults to $HOME/.core2md/config.yml.")

	// 'inspect' subcommand.
	inspectCommand := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a summary of a core dump or a minidump.",
		Long: `Print a summary of a core dump or a minidump.

For a core dump the summary lists the dump causes, the PPU and SPU threads,
the loaded PRX modules, the page attributes and a disassembly of the code
around the crashing PC. For a minidump it lists the streams written by
core2md.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a core dump or a minidump")
			}
			return nil
		},
		RunE: inspectCmd,
	}
	rootCommand.AddCommand(inspectCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration file path and the effective configuration.",
		Long: `Print the configuration file path and the effective configuration.

The configuration file is only read, core2md never creates it on its own. Use
--init to write a commented default file, an existing file is left as is.`,
		Args: cobra.NoArgs,
		RunE: configCmd,
	}
	configCommand.Flags().BoolVarP(&initConfig, "init", "", false, "Write the default configuration file if it does not exist.")
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "core2md\n%s\n", version.Core2mdVersion)
			if log {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	coredump	Log core dump parsing
	symbols		Log symbol file parsing
	minidump	Log minidump writing and reading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// setup configures logging and loads the configuration file. The returned
// function must be called when the command is done.
func setup() (func(), error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, err
	}
	if configPath != "" {
		c, err := config.LoadConfigFrom(configPath)
		if err != nil {
			logflags.Close()
			return nil, err
		}
		conf = c
	} else {
		c, err := config.LoadConfig()
		if err != nil {
			logflags.Close()
			return nil, err
		}
		conf = c
	}
	return logflags.Close, nil
}

func configCmd(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetConfigFilePath("config.yml")
		if err != nil {
			return err
		}
	}
	if initConfig {
		created, err := config.InitConfig(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
		}
	}

	done, err := setup()
	if err != nil {
		return err
	}
	defer done()
	out, err := conf.YAML()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, out)
	return nil
}

func convertCmd(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	done, err := setup()
	if err != nil {
		return err
	}
	defer done()
	return convert(args[0], args[1], args[2], conf)
}

// convert writes the minidump for coreFile and symFile to outFile. If the
// conversion fails after outFile has been created it is removed.
func convert(coreFile, symFile, outFile string, conf *config.Config) error {
	d := coredump.New(coreFile, coredump.WithMissingMemoryFill(conf.FillByte()))
	defer d.Close()

	opts := []crashreport.Option{crashreport.WithMaxStackSize(conf.MaxStackSize)}
	if conf.Timestamp != 0 {
		opts = append(opts, crashreport.WithTimestamp(conf.Timestamp))
	}
	w := crashreport.NewWriter(outFile, d, symbols.New(symFile), opts...)
	if err := w.Init(); err != nil {
		w.Close()
		return err
	}
	err := w.Dump()
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outFile)
		return err
	}
	return nil
}

func inspectCmd(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	out, color := outputWriter(cmd.OutOrStdout(), conf.ColorMode())
	return inspect(out, args[0], conf.FillByte(), crashreport.DescribeOptions{
		Disassemble: conf.DisasmWindow(),
		Color:       color,
	})
}

// outputWriter returns the writer inspect should print to and whether it
// should use escape sequences.
func outputWriter(out io.Writer, mode string) (io.Writer, bool) {
	switch mode {
	case config.ColorNever:
		return out, false
	case config.ColorAlways:
	default:
		f, ok := out.(*os.File)
		if !ok || !isatty.IsTerminal(f.Fd()) {
			return out, false
		}
	}
	if out == os.Stdout {
		return colorable.NewColorableStdout(), true
	}
	return out, true
}

func inspect(out io.Writer, path string, fill byte, opts crashreport.DescribeOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	isMinidump, err := minidump.IsMinidump(f)
	f.Close()
	if err != nil {
		return err
	}

	if isMinidump {
		var logfn func(string, ...interface{})
		if logflags.Minidump() {
			logfn = logflags.MinidumpLogger().Debugf
		}
		mdmp, err := minidump.Open(path, logfn)
		if err != nil {
			return err
		}
		return crashreport.DescribeMinidump(out, mdmp, opts)
	}

	d, err := coredump.Open(path, coredump.WithMissingMemoryFill(fill))
	if err != nil {
		return err
	}
	defer d.Close()
	return crashreport.Describe(out, d, opts)
}
