package build

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/cruciblehq/berth/internal/manifest"
)

// A language-level dependency installer.
type installer struct {
	name string

	// Upgrades the installer itself. Must be idempotent.
	upgrade string

	// Builds the install script for a manifest path inside the container.
	// The script must not read or populate any download cache.
	install func(manifest string) string

	// Prints the installed set.
	freeze string

	// Parses the freeze output into normalized name to version.
	parse func(out string) map[string]string

	// Extract the unresolvable requirement from install output.
	unresolved []*regexp.Regexp

	// Environment applied to every installer invocation.
	env []string
}

var pip = &installer{
	name:    "pip",
	upgrade: "python -m pip install --no-cache-dir --upgrade pip",
	install: func(path string) string {
		return "python -m pip install --no-cache-dir -r " + path
	},
	freeze: "python -m pip freeze",
	parse:  parseFreeze,
	unresolved: []*regexp.Regexp{
		regexp.MustCompile(`No matching distribution found for (\S+)`),
		regexp.MustCompile(`Could not find a version that satisfies the requirement (\S+)`),
		regexp.MustCompile(`Cannot install (\S+) because`),
		regexp.MustCompile(`Could not open requirements file: .*?'([^']+)'`),
	},
	env: []string{
		"PIP_NO_CACHE_DIR=1",
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
		"PIP_NO_INPUT=1",
	},
}

// Returns the installer with the given name.
func lookupInstaller(name string) (*installer, error) {
	switch name {
	case "", pip.name:
		return pip, nil
	default:
		return nil, fmt.Errorf("unsupported dependency installer %q", name)
	}
}

// Returns the unresolvable entry named in the install output, mapped back to
// the manifest line when possible.
func (in *installer) unresolvedEntry(output string, m *manifest.Manifest) string {
	for _, re := range in.unresolved {
		match := re.FindStringSubmatch(output)
		if match == nil {
			continue
		}
		spec := strings.Trim(match[1], `"'`)
		if req, ok := m.Lookup(requirementName(spec)); ok {
			return req.Raw
		}
		return spec
	}
	return ""
}

// Checks the installed set against the manifest.
//
// Every requirement without an environment marker must be installed, and at
// a version its constraint allows when that can be decided locally. Returns
// the first offending entry.
func verifyInstalled(m *manifest.Manifest, installed map[string]string) (string, error) {
	for _, req := range m.Requirements {
		if req.Marker != "" {
			continue
		}

		version, ok := installed[req.Key()]
		if !ok {
			return req.Raw, fmt.Errorf("not installed")
		}

		if allowed, decided := req.Allows(version); decided && !allowed {
			return req.Raw, fmt.Errorf("installed version %s does not satisfy %s", version, req.Constraint)
		}
	}
	return "", nil
}

// Parses "name==version" lines. Direct references ("name @ url") are
// recorded with the reference as version.
func parseFreeze(out string) map[string]string {
	installed := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if name, version, ok := strings.Cut(line, "=="); ok {
			installed[manifest.Normalize(name)] = strings.TrimSpace(version)
			continue
		}
		if name, ref, ok := strings.Cut(line, " @ "); ok {
			installed[manifest.Normalize(name)] = "@" + strings.TrimSpace(ref)
		}
	}
	return installed
}

// Returns the package name at the start of a specifier such as
// "foo[bar]>=1.0".
func requirementName(spec string) string {
	end := strings.IndexAny(spec, "[<>=!~;@ (")
	if end < 0 {
		return spec
	}
	return spec[:end]
}
