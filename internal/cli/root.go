package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cruciblehq/berth/internal"
	"github.com/cruciblehq/berth/internal/runtime"
)

// Represents the root command.
var RootCmd struct {
	Quiet             bool   `short:"q" help:"Suppress informational output."`
	Verbose           bool   `short:"v" help:"Enable verbose output."`
	Debug             bool   `short:"d" help:"Enable debug output."`
	Socket            string `short:"s" env:"BERTH_SOCKET" help:"Override the default daemon socket path." placeholder:"PATH"`
	ContainerdAddress string `env:"BERTH_CONTAINERD_ADDRESS" default:"${containerd_address}" help:"Containerd socket address." placeholder:"PATH"`
	Namespace         string `env:"BERTH_NAMESPACE" default:"${namespace}" help:"Containerd namespace for images, layers and containers."`

	Build   BuildCmd   `cmd:"" help:"Build an image from a recipe."`
	Launch  LaunchCmd  `cmd:"" help:"Run a server process in the foreground and supervise it."`
	Daemon  DaemonCmd  `cmd:"" help:"Run the build daemon."`
	Status  StatusCmd  `cmd:"" help:"Show the daemon's status."`
	Stop    StopCmd    `cmd:"" help:"Ask the daemon to shut down."`
	Cache   CacheCmd   `cmd:"" help:"Manage cached stage layers."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds runtime images for HTTP services from a declarative recipe, and boots them as a supervised foreground process."),
		kong.UsageOnError(),
		kong.Vars{
			"version":            internal.VersionString(),
			"containerd_address": runtime.DefaultAddress,
			"namespace":          runtime.DefaultNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Returns the containerd connection selected by the global flags.
func runtimeConfig() runtime.Config {
	return runtime.Config{
		Address:   RootCmd.ContainerdAddress,
		Namespace: RootCmd.Namespace,
	}
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	logger, ok := slog.Default().Handler().(*log.Logger)
	if !ok {
		return // Not a charm logger, nothing to configure
	}

	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	verbose := internal.IsVerbose() || internal.IsDebug()

	if isatty(os.Stderr) {
		logger.SetFormatter(log.TextFormatter)
	} else {
		logger.SetFormatter(log.LogfmtFormatter)
	}

	logger.SetLevel(log.Level(internal.Level()))
	logger.SetReportTimestamp(verbose)
	logger.SetReportCaller(internal.IsDebug())
}

// Whether the given file is an interactive terminal.
func isatty(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
