package build

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Shell used for every stage command.
const defaultShell = "/bin/sh"

// Names accepted by the system package stage: a package name optionally
// pinned with "=version".
var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._-]*(=[A-Za-z0-9+.:~_-]+)?$`)

// Probes the stage container for a supported package manager and prints its
// name.
const detectScript = `if command -v apt-get >/dev/null 2>&1; then echo apt; elif command -v apk >/dev/null 2>&1; then echo apk; fi`

// An OS package manager, described by the scripts the system package stage
// runs.
type packageManager struct {
	name string

	// Builds the install script. The script must refresh the index,
	// install, and remove the index and download cache before exiting.
	install func(args string, noRecommends bool) string

	// Prints one path per line for any index or cache file still present.
	residue string

	// Prints one "name=version" per installed package.
	query string

	// Parses the query output into name to version.
	parse func(out string) map[string]string

	// Extract the failing package name from install output.
	failures []*regexp.Regexp
}

var apt = &packageManager{
	name: "apt",
	install: func(args string, noRecommends bool) string {
		flags := "-y"
		if noRecommends {
			flags += " --no-install-recommends"
		}
		return strings.Join([]string{
			"set -e",
			"export DEBIAN_FRONTEND=noninteractive",
			"apt-get update",
			"apt-get install " + flags + " " + args,
			"apt-get clean",
			"rm -rf /var/lib/apt/lists/*",
		}, "\n")
	},
	residue: strings.Join([]string{
		"find /var/lib/apt/lists -mindepth 1 2>/dev/null",
		"find /var/cache/apt/archives -name '*.deb' 2>/dev/null",
		"true",
	}, "\n"),
	query: `dpkg-query -W -f='${Package}=${Version}\n'`,
	parse: parsePairs("="),
	failures: []*regexp.Regexp{
		regexp.MustCompile(`Unable to locate package (\S+)`),
		regexp.MustCompile(`Package '([^']+)' has no installation candidate`),
		regexp.MustCompile(`Version '[^']+' for '([^']+)' was not found`),
	},
}

var apk = &packageManager{
	name: "apk",

	// apk has no recommends; --no-cache skips the index on disk entirely.
	install: func(args string, _ bool) string {
		return strings.Join([]string{
			"set -e",
			"apk add --no-cache " + args,
			"rm -rf /var/cache/apk/*",
		}, "\n")
	},
	residue: strings.Join([]string{
		"find /var/cache/apk -mindepth 1 2>/dev/null",
		"true",
	}, "\n"),
	query: `apk info -v 2>/dev/null | sed -E 's/^(.+)-([^-]+-r[0-9]+)$/\1=\2/'`,
	parse: parsePairs("="),
	failures: []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*(\S+) \(no such package\)`),
		regexp.MustCompile(`unable to select packages:\s+(\S+)`),
	},
}

// Returns the package manager with the given name.
func lookupPackageManager(name string) (*packageManager, error) {
	switch name {
	case apt.name:
		return apt, nil
	case apk.name:
		return apk, nil
	default:
		return nil, fmt.Errorf("unsupported package manager %q", name)
	}
}

// Builds the install script for names.
func (pm *packageManager) script(names []string, noRecommends bool) (string, error) {
	args, err := quoteArgs(names)
	if err != nil {
		return "", err
	}
	return pm.install(args, noRecommends), nil
}

// Returns the package named in the install output, or "" when none of the
// known failure messages match.
func (pm *packageManager) failedPackage(output string) string {
	for _, re := range pm.failures {
		if m := re.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	return ""
}

// Returns a parser for "name<sep>version" lines. Lines without the separator
// are ignored.
func parsePairs(sep string) func(string) map[string]string {
	return func(out string) map[string]string {
		pairs := make(map[string]string)
		scanner := bufio.NewScanner(strings.NewReader(out))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if name, version, ok := strings.Cut(line, sep); ok && name != "" {
				pairs[name] = version
			}
		}
		return pairs
	}
}

// Quotes each argument for the shell and joins them with spaces.
func quoteArgs(args []string) (string, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

// Splits command output into trimmed, non-empty, sorted lines.
func outputLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)
	return lines
}

// Returns at most the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
