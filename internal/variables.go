package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for logging prefixes, label keys and directory naming.
	Name = "berth"

	// Placeholder for linker variables that were not set.
	defaultUndefined = "(undefined)"

	// Version string reported by builds made outside the release pipeline.
	defaultLocalBuild = "(local)"

	// Branch whose builds carry no stage suffix.
	mainBranch = "main"
)

// Set via -ldflags "-X github.com/cruciblehq/berth/internal.<name>=<value>".
var (
	version   = "" // Release version, e.g. "1.2.3".
	stage     = "" // Branch the release was cut from.
	gitCommit = "" // Commit hash of the release.

	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
)

// Describes the running binary.
type BuildInfo struct {
	Version string `json:"version"`
	Stage   string `json:"stage"`
	Commit  string `json:"commit"`
	Arch    string `json:"arch"`
	Local   bool   `json:"local"`
}

// Returns the release version without any "v" prefix, or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the release stage, or "(undefined)".
func Stage() string {
	s := strings.TrimSpace(stage)
	if s == "" {
		return defaultUndefined
	}
	return strings.ToLower(s)
}

// Returns the commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns true unless version, commit and stage were all set at link time.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Collects the linker variables into a [BuildInfo].
func Info() BuildInfo {
	return BuildInfo{
		Version: Version(),
		Stage:   Stage(),
		Commit:  GitCommit(),
		Arch:    runtime.GOARCH,
		Local:   IsLocal(),
	}
}

// Returns "<version>[+<stage>] <commit> [<arch>]", or "(local)".
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	suffix := ""
	if s := Stage(); s != mainBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), runtime.GOARCH)
}

// Returns the label key used to annotate images and containers, e.g.
// "io.berth.build-id".
func Label(key string) string {
	return "io." + Name + "." + key
}
