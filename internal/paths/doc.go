// Package paths resolves where berth keeps its runtime and state files.
//
// Locations follow the XDG base directory conventions on Linux and the
// platform-native equivalents elsewhere, always under a "berth"
// subdirectory.
package paths
