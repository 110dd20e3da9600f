package build

import (
	"strings"
	"testing"

	"github.com/cruciblehq/berth/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseManifest(t *testing.T, text string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(strings.NewReader(text))
	require.NoError(t, err)
	return m
}

func TestParseFreeze(t *testing.T) {
	got := parseFreeze("FastAPI==0.110.0\n# comment\n-e git+https://x\nmypkg @ file:///src/mypkg\nuvicorn==0.29.0\n")
	assert.Equal(t, map[string]string{
		"fastapi": "0.110.0",
		"uvicorn": "0.29.0",
		"mypkg":   "@file:///src/mypkg",
	}, got)
}

func TestVerifyInstalled(t *testing.T) {
	m := parseManifest(t, "fastapi>=0.100,<0.120\nuvicorn\npywin32; sys_platform == 'win32'\n")

	entry, err := verifyInstalled(m, map[string]string{"fastapi": "0.110.0", "uvicorn": "0.29.0"})
	assert.NoError(t, err)
	assert.Empty(t, entry)

	entry, err = verifyInstalled(m, map[string]string{"fastapi": "0.110.0"})
	assert.Error(t, err)
	assert.Equal(t, "uvicorn", entry)

	entry, err = verifyInstalled(m, map[string]string{"fastapi": "0.130.0", "uvicorn": "0.29.0"})
	assert.Error(t, err)
	assert.Equal(t, "fastapi>=0.100,<0.120", entry)
}

func TestVerifyInstalledPostAndPreReleases(t *testing.T) {
	m := parseManifest(t, "python-dateutil>=2.8\nfoo~=1.0\nbar>=1.0\n")

	installed := parseFreeze("python-dateutil==2.9.0.post0\nfoo==1.0.post1\nbar==2.0rc1\n")
	entry, err := verifyInstalled(m, installed)
	assert.NoError(t, err, "installer's choice stands for post- and pre-releases")
	assert.Empty(t, entry)

	entry, err = verifyInstalled(m, parseFreeze("python-dateutil==2.7.5.post0\nfoo==1.0\nbar==1.0\n"))
	assert.NoError(t, err, "undecidable post-release is left to the installer")
	assert.Empty(t, entry)
}

func TestUnresolvedEntry(t *testing.T) {
	m := parseManifest(t, "fastapi==0.110.0\nAiogram >= 3.0\n")

	tests := []struct {
		output string
		want   string
	}{
		{"ERROR: No matching distribution found for aiogram>=3.0\n", "Aiogram >= 3.0"},
		{"ERROR: Could not find a version that satisfies the requirement fastapi==0.110.0 (from versions: none)\n", "fastapi==0.110.0"},
		{"ERROR: No matching distribution found for unlisted-dep\n", "unlisted-dep"},
		{"ERROR: Could not open requirements file: [Errno 2] No such file or directory: '/app/req.txt'\n", "/app/req.txt"},
		{"Successfully installed\n", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pip.unresolvedEntry(tt.output, m), tt.output)
	}
}

func TestRequirementName(t *testing.T) {
	assert.Equal(t, "uvicorn", requirementName("uvicorn[standard]>=0.20"))
	assert.Equal(t, "fastapi", requirementName("fastapi"))
	assert.Equal(t, "pkg", requirementName("pkg @ https://x"))
}

func TestLookupInstaller(t *testing.T) {
	in, err := lookupInstaller("")
	require.NoError(t, err)
	assert.Same(t, pip, in)

	_, err = lookupInstaller("poetry")
	assert.Error(t, err)
}
