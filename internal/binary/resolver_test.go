package binary

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, mode os.FileMode) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	// WriteFile's mode is filtered by umask.
	require.NoError(t, os.Chmod(path, mode))
	return path
}

func fakeEnv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func noShell(context.Context, string) (string, error) {
	return "", errors.New("not found")
}

// newTestResolver returns a resolver that cannot see the host machine.
// The windows rules are used so no absolute POSIX install directories
// are probed.
func newTestResolver(t *testing.T, goos string) *Resolver {
	return &Resolver{
		GOOS:        goos,
		Getenv:      fakeEnv(nil),
		HomeDir:     t.TempDir(),
		ShellLookup: noShell,
	}
}

func TestIsExecutable(t *testing.T) {
	tests := []struct {
		goos string
		path string
		mode os.FileMode
		want bool
	}{
		{"linux", "/x/opencode", 0o755, true},
		{"linux", "/x/opencode", 0o744, true},
		{"linux", "/x/opencode", 0o644, false},
		{"darwin", "/x/opencode", 0o001, true},
		{"windows", `C:\x\opencode.exe`, 0o644, true},
		{"windows", `C:\x\opencode.CMD`, 0o644, true},
		{"windows", `C:\x\opencode.bat`, 0o644, true},
		{"windows", `C:\x\opencode.com`, 0o644, true},
		{"windows", `C:\x\opencode.ps1`, 0o755, false},
		{"windows", `C:\x\opencode`, 0o755, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExecutable(tt.goos, tt.path, tt.mode), "%s %s %v", tt.goos, tt.path, tt.mode)
	}
}

func TestResolveConfigFile(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, filepath.Join(dir, "custom-opencode"), 0o755)

	r := newTestResolver(t, "linux")
	r.ConfigPath = bin

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, Resolution{Path: bin, Source: SourceConfig}, res)
}

func TestResolveConfigDirectoryExpands(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, filepath.Join(dir, "opencode"), 0o755)

	r := newTestResolver(t, "linux")
	r.ConfigPath = dir

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, bin, res.Path)
	assert.Equal(t, SourceConfig, res.Source)
}

func TestResolveConfigDirectoryWindows(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, filepath.Join(dir, "opencode.cmd"), 0o644)

	r := newTestResolver(t, "windows")
	r.ConfigPath = dir

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, bin, res.Path)
}

func TestResolveTildeExpansion(t *testing.T) {
	r := newTestResolver(t, "linux")
	bin := writeFile(t, filepath.Join(r.HomeDir, "tools", "opencode"), 0o755)
	r.ConfigPath = "~/tools/opencode"

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, bin, res.Path)
}

func TestResolveSkipsNonExecutableConfig(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t, "linux")
	r.ConfigPath = writeFile(t, filepath.Join(dir, "opencode"), 0o644)
	envBin := writeFile(t, filepath.Join(dir, "env", "opencode"), 0o755)
	r.Getenv = fakeEnv(map[string]string{"OPENCODE_BIN": envBin})

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, Resolution{Path: envBin, Source: SourceEnv}, res)
}

func TestResolveSettingsFile(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, filepath.Join(dir, "bin", "opencode"), 0o755)
	settings := filepath.Join(dir, "settings.json")
	body := `{
	// shared with the desktop app
	"theme": "dark",
	"opencodeBinary": "` + bin + `",
}`
	require.NoError(t, os.WriteFile(settings, []byte(body), 0o644))

	envBin := writeFile(t, filepath.Join(dir, "env", "opencode"), 0o755)
	r := newTestResolver(t, "linux")
	r.SettingsFile = settings
	r.Getenv = fakeEnv(map[string]string{"OPENCODE_BINARY": envBin})

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, Resolution{Path: bin, Source: SourceSettings}, res)
}

func TestResolveEnvOrder(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, filepath.Join(dir, "a", "opencode"), 0o755)
	second := writeFile(t, filepath.Join(dir, "b", "opencode"), 0o755)

	r := newTestResolver(t, "linux")
	r.Getenv = fakeEnv(map[string]string{
		"OPENCODE_BIN":    second,
		"OPENCODE_BINARY": first,
	})

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, first, res.Path)

	// A missing path in the first variable falls through to the next.
	r.Getenv = fakeEnv(map[string]string{
		"OPENCODE_BINARY": filepath.Join(dir, "missing"),
		"OPENCODE_PATH":   filepath.Dir(second),
	})
	res, ok = r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, second, res.Path)
}

func TestResolveWellKnown(t *testing.T) {
	r := newTestResolver(t, "windows")
	appData := t.TempDir()
	bin := writeFile(t, filepath.Join(appData, "npm", "opencode.cmd"), 0o644)
	r.Getenv = fakeEnv(map[string]string{"APPDATA": appData})

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, Resolution{Path: bin, Source: SourceWellKnown}, res)
}

func TestResolveWellKnownHome(t *testing.T) {
	r := newTestResolver(t, "windows")
	bin := writeFile(t, filepath.Join(r.HomeDir, ".opencode", "bin", "opencode.exe"), 0o644)

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, bin, res.Path)
}

func TestResolveShellLookup(t *testing.T) {
	dir := t.TempDir()
	bin := writeFile(t, filepath.Join(dir, "opencode.exe"), 0o644)

	var asked string
	r := newTestResolver(t, "windows")
	r.ShellLookup = func(_ context.Context, name string) (string, error) {
		asked = name
		return bin, nil
	}

	res, ok := r.Resolve(context.Background())
	require.True(t, ok)
	assert.Equal(t, Resolution{Path: bin, Source: SourceShell}, res)
	assert.Equal(t, Name, asked)
}

func TestResolveNothingFound(t *testing.T) {
	r := newTestResolver(t, "windows")
	r.ConfigPath = filepath.Join(t.TempDir(), "nope")
	r.SettingsFile = filepath.Join(t.TempDir(), "missing.json")

	_, ok := r.Resolve(context.Background())
	assert.False(t, ok)
}

func TestProvidersOrder(t *testing.T) {
	var got []Source
	for _, p := range newTestResolver(t, "linux").Providers() {
		got = append(got, p.Source)
	}
	assert.Equal(t, []Source{SourceConfig, SourceSettings, SourceEnv, SourceWellKnown, SourceShell}, got)
}

func TestPrependPath(t *testing.T) {
	sep := string(os.PathListSeparator)

	assert.Equal(t, "/opt/oc", PrependPath("", "/opt/oc"))
	assert.Equal(t, "/opt/oc"+sep+"/usr/bin", PrependPath("/usr/bin", "/opt/oc"))
	assert.Equal(t, "/usr/bin"+sep+"/opt/oc", PrependPath("/usr/bin"+sep+"/opt/oc", "/opt/oc"))
	assert.Equal(t, "/usr/bin", PrependPath("/usr/bin", ""))
}
