// Parses flags and dispatches the berth commands.
//
// Global flags:
//
//	-q, --quiet                 Suppress informational output.
//	-v, --verbose               Enable verbose output.
//	-d, --debug                 Enable debug output.
//	-s, --socket                Daemon Unix socket path.
//	    --containerd-address    Containerd socket address.
//	    --namespace             Containerd namespace.
//
// Commands:
//
//	build     Build an image from a recipe, locally or through the daemon.
//	launch    Run a server process in the foreground and supervise it.
//	daemon    Run the build daemon.
//	status    Show the daemon's status.
//	stop      Ask the daemon to shut down.
//	cache     List or prune cached stage layers.
//	version   Show version information.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level and
// verbosity before the command runs.
package cli
