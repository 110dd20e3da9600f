package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Subdirectory name under each base directory.
	appName = "berth"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Directory for runtime files (daemon socket, PID file).
//
//	Linux:   $XDG_RUNTIME_DIR/berth, falling back to ~/.cache/berth/run
//	macOS:   ~/Library/Caches/berth/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path of the daemon's Unix domain socket.
func Socket() string {
	return filepath.Join(Runtime(), "berth.sock")
}

// Default path of the daemon's PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "berth.pid")
}
