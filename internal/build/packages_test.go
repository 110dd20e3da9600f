package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAptScript(t *testing.T) {
	script, err := apt.script([]string{"build-essential", "libpq-dev"}, true)
	require.NoError(t, err)

	assert.Contains(t, script, "apt-get update\n")
	assert.Contains(t, script, "apt-get install -y --no-install-recommends build-essential libpq-dev\n")
	assert.Contains(t, script, "rm -rf /var/lib/apt/lists/*")

	script, err = apt.script([]string{"curl"}, false)
	require.NoError(t, err)
	assert.NotContains(t, script, "--no-install-recommends")

	script, err = apt.script([]string{"$(id)"}, false)
	require.NoError(t, err)
	assert.Contains(t, script, `'$(id)'`)
}

func TestApkScript(t *testing.T) {
	script, err := apk.script([]string{"libpq"}, true)
	require.NoError(t, err)
	assert.Contains(t, script, "apk add --no-cache libpq")
	assert.Contains(t, script, "rm -rf /var/cache/apk/*")
}

func TestFailedPackage(t *testing.T) {
	tests := []struct {
		pm     *packageManager
		output string
		want   string
	}{
		{apt, "Reading package lists...\nE: Unable to locate package nosuch\n", "nosuch"},
		{apt, "E: Package 'python2' has no installation candidate\n", "python2"},
		{apt, "E: Version '9.9' for 'curl' was not found\n", "curl"},
		{apt, "E: Sub-process /usr/bin/dpkg returned an error code (1)\n", ""},
		{apk, "ERROR: unable to select packages:\n  nosuch (no such package):\n", "nosuch"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.pm.failedPackage(tt.output), tt.output)
	}
}

func TestLookupPackageManager(t *testing.T) {
	pm, err := lookupPackageManager("apk")
	require.NoError(t, err)
	assert.Same(t, apk, pm)

	_, err = lookupPackageManager("yum")
	assert.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	got := parsePairs("=")("curl=7.88.1\n\nlibc6=2.36-9\nnoise\n")
	assert.Equal(t, map[string]string{"curl": "7.88.1", "libc6": "2.36-9"}, got)
}

func TestOutputLines(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, outputLines("\n /b \n/a\n"))
	assert.Empty(t, outputLines("\n\n"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", tail("a", 5))
}

func TestPackageNameRe(t *testing.T) {
	for _, ok := range []string{"curl", "libpq-dev", "g++", "python3.11", "curl=7.88.1-10+deb12u5"} {
		assert.True(t, packageNameRe.MatchString(ok), ok)
	}
	for _, bad := range []string{"", "-rf", "a b", "curl;id", "$(id)"} {
		assert.False(t, packageNameRe.MatchString(bad), bad)
	}
}
