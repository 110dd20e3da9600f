package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullRecipe = `
name: my-service
base: python:3.11-slim
platform: linux/amd64
workdir: /app
env:
  PYTHONUNBUFFERED: "1"
system_packages:
  manager: apt
  names: [build-essential, libpq-dev]
  no_recommends: true
dependencies:
  manifest: requirements.txt
  upgrade_tooling: true
  no_cache: true
source:
  src: .
  dst: .
start:
  command: "uvicorn main:app --host 0.0.0.0 --port 10000"
  port: 10000
output: dist
`

func TestParseFull(t *testing.T) {
	r, err := Parse([]byte(fullRecipe))
	require.NoError(t, err)

	assert.Equal(t, "my-service", r.Name)
	assert.Equal(t, "python:3.11-slim", r.Base)
	assert.Equal(t, "/app", r.Workdir)
	assert.Equal(t, map[string]string{"PYTHONUNBUFFERED": "1"}, r.Env)
	assert.Equal(t, []string{"build-essential", "libpq-dev"}, r.SystemPackages.Names)
	assert.True(t, r.SystemPackages.SkipRecommends())
	require.NotNil(t, r.Dependencies)
	assert.Equal(t, "requirements.txt", r.Dependencies.Manifest)
	assert.Equal(t, DefaultInstaller, r.Dependencies.Installer)
	assert.True(t, r.Dependencies.UpgradeTooling)
	assert.Equal(t, "uvicorn main:app --host 0.0.0.0 --port 10000", r.Start.CommandLine())
	assert.Equal(t, 10000, r.Start.Port)
	assert.Equal(t, "dist", r.Output)
}

func TestParseDefaults(t *testing.T) {
	r, err := Parse([]byte(`
base: python:3.11-slim
workdir: /app
start:
  port: 10000
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultManager, r.SystemPackages.Manager)
	assert.True(t, r.SystemPackages.SkipRecommends())
	assert.Nil(t, r.Dependencies)
	assert.Equal(t, Source{Src: ".", Dst: "."}, r.Source)
	assert.Equal(t, "uvicorn main:app --host 0.0.0.0 --port 10000", r.Start.CommandLine())
}

func TestParseJSON(t *testing.T) {
	r, err := Parse([]byte(`{"base": "alpine:3.20", "workdir": "/srv", "start": {"app": "api:server", "port": 8080}}`))
	require.NoError(t, err)
	assert.Equal(t, "uvicorn api:server --host 0.0.0.0 --port 8080", r.Start.CommandLine())
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing base", "workdir: /app\nstart: {port: 1}"},
		{"relative workdir", "base: x\nworkdir: app\nstart: {port: 1}"},
		{"unclean workdir", "base: x\nworkdir: /app/../etc\nstart: {port: 1}"},
		{"unknown field", "base: x\nworkdir: /app\nstart: {port: 1}\nbogus: 1"},
		{"port out of range", "base: x\nworkdir: /app\nstart: {port: 70000}"},
		{"bad env name", "base: x\nworkdir: /app\nenv: {1BAD: v}\nstart: {port: 1}"},
		{"cache enabled", "base: x\nworkdir: /app\ndependencies: {manifest: r.txt, no_cache: false}\nstart: {port: 1}"},
		{"bad manager", "base: x\nworkdir: /app\nsystem_packages: {manager: yum}\nstart: {port: 1}"},
		{"command with app", "base: x\nworkdir: /app\nstart: {command: serve, app: 'main:app', port: 1}"},
		{"absolute manifest", "base: x\nworkdir: /app\ndependencies: {manifest: /r.txt}\nstart: {port: 1}"},
		{"not yaml", "base: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRecipe)
		})
	}
}

func TestLoadAndFind(t *testing.T) {
	dir := t.TempDir()

	_, err := Find(dir)
	require.Error(t, err)

	file := filepath.Join(dir, "berth.yaml")
	require.NoError(t, os.WriteFile(file, []byte(fullRecipe), 0o644))

	found, err := Find(dir)
	require.NoError(t, err)
	assert.Equal(t, file, found)

	r, err := Load(found)
	require.NoError(t, err)
	assert.Equal(t, "my-service", r.Name)
}

func TestLoadInvalidNamesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "berth.yaml")
	require.NoError(t, os.WriteFile(file, []byte("workdir: /app"), 0o644))

	_, err := Load(file)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, file, verr.Path)
	assert.NotEmpty(t, verr.Problems)
}
