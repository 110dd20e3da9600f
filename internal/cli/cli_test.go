package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/berth/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *kong.Context {
	t.Helper()

	parser, err := kong.New(&RootCmd,
		kong.Name("berth"),
		kong.Vars{
			"version":            "test",
			"containerd_address": runtime.DefaultAddress,
			"namespace":          runtime.DefaultNamespace,
		},
		kong.Exit(func(int) { t.Fatal("unexpected exit") }),
	)
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return ctx
}

func TestParseBuild(t *testing.T) {
	dir := t.TempDir()
	ctx := parse(t, "build", "--no-cache", "--daemon", "-n", "svc", dir)

	assert.Equal(t, "build", ctx.Command())
	assert.Equal(t, dir, RootCmd.Build.Recipe)
	assert.True(t, RootCmd.Build.NoCache)
	assert.True(t, RootCmd.Build.Remote)
	assert.Equal(t, "svc", RootCmd.Build.Name)
	assert.Equal(t, runtime.DefaultAddress, RootCmd.ContainerdAddress)
	assert.Equal(t, runtime.DefaultNamespace, RootCmd.Namespace)
}

func TestParseGlobalEnv(t *testing.T) {
	t.Setenv("BERTH_NAMESPACE", "ci")
	t.Setenv("BERTH_CONTAINERD_ADDRESS", "/tmp/containerd.sock")

	parse(t, "version")

	assert.Equal(t, "ci", RootCmd.Namespace)
	assert.Equal(t, "/tmp/containerd.sock", runtimeConfig().Address)
}

func TestParseLaunch(t *testing.T) {
	for _, key := range []string{"PORT", "HOST"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	parse(t, "launch", "--port", "8000", "--reap", "--", "uvicorn", "main:app", "--workers", "2")

	c := RootCmd.Launch
	assert.Equal(t, 8000, c.Port)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.True(t, c.Reap)
	assert.Equal(t, []string{"uvicorn", "main:app", "--workers", "2"}, trimDashes(c.Command))
	assert.NoError(t, c.Validate())
}

func TestLaunchValidate(t *testing.T) {
	assert.ErrorIs(t, (&LaunchCmd{Port: 70000, Command: []string{"x"}}).Validate(), ErrInvalidArgs)
	assert.ErrorIs(t, (&LaunchCmd{Port: 80}).Validate(), ErrInvalidArgs)
	assert.NoError(t, (&LaunchCmd{Command: []string{"x"}}).Validate())
}

func TestRecipeFile(t *testing.T) {
	dir := t.TempDir()

	_, err := recipeFile(dir)
	assert.Error(t, err, "empty directory")

	path := filepath.Join(dir, "berth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base: x\n"), 0o644))

	got, err := recipeFile(dir)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = recipeFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = recipeFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExitError(t *testing.T) {
	cause := errors.New("not found")
	err := error(&ExitError{Code: 127, Err: cause})

	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 127, exit.ExitCode())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "not found", err.Error())

	assert.Equal(t, "exit status 3", (&ExitError{Code: 3}).Error())
}

func trimDashes(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}
