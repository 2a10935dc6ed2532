// Package binary locates the opencode executable.
package binary

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

// Name is the executable's base name without a platform extension.
const Name = "opencode"

// SettingsKey is the key read from the shared settings file.
const SettingsKey = "opencodeBinary"

// EnvVars are consulted in order after the settings file.
var EnvVars = []string{"OPENCODE_BINARY", "OPENCODE_BIN", "OPENCODE_PATH"}

const shellLookupTimeout = 5 * time.Second

// Source names the provider that produced a Resolution.
type Source string

const (
	SourceConfig    Source = "config"
	SourceSettings  Source = "settings"
	SourceEnv       Source = "env"
	SourceWellKnown Source = "well-known"
	SourceShell     Source = "shell"
)

type Resolution struct {
	Path   string `json:"path"`
	Source Source `json:"source"`
}

// Provider yields candidate paths (files or directories) in priority
// order.
type Provider struct {
	Source     Source
	Candidates func(ctx context.Context) []string
}

// Resolver walks its providers in order and accepts the first candidate
// that is an executable regular file. The function fields default to the
// real environment and exist so tests can fake it.
type Resolver struct {
	ConfigPath   string
	SettingsFile string

	GOOS        string
	Getenv      func(string) string
	HomeDir     string
	ShellLookup func(ctx context.Context, name string) (string, error)
}

// New returns a Resolver for the current platform.
func New(configPath, settingsFile string) *Resolver {
	home, _ := os.UserHomeDir()
	return &Resolver{
		ConfigPath:   configPath,
		SettingsFile: settingsFile,
		GOOS:         runtime.GOOS,
		Getenv:       os.Getenv,
		HomeDir:      home,
		ShellLookup:  shellLookup,
	}
}

// DefaultSettingsFile is the shared settings file used when none is
// configured.
func DefaultSettingsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "openchamber", "settings.json")
}

// Resolve returns the first validated candidate.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, bool) {
	for _, p := range r.Providers() {
		for _, cand := range p.Candidates(ctx) {
			if path, ok := r.validate(cand); ok {
				return Resolution{Path: path, Source: p.Source}, true
			}
		}
	}
	return Resolution{}, false
}

// Providers returns the discovery chain in precedence order.
func (r *Resolver) Providers() []Provider {
	return []Provider{
		{Source: SourceConfig, Candidates: r.fromConfig},
		{Source: SourceSettings, Candidates: r.fromSettings},
		{Source: SourceEnv, Candidates: r.fromEnv},
		{Source: SourceWellKnown, Candidates: r.fromWellKnown},
		{Source: SourceShell, Candidates: r.fromShell},
	}
}

func (r *Resolver) fromConfig(context.Context) []string {
	return nonEmpty(r.ConfigPath)
}

func (r *Resolver) fromSettings(context.Context) []string {
	if r.SettingsFile == "" {
		return nil
	}
	data, err := os.ReadFile(r.expand(r.SettingsFile))
	if err != nil {
		return nil
	}
	return nonEmpty(gjson.GetBytes(jsonc.ToJSON(data), SettingsKey).String())
}

func (r *Resolver) fromEnv(context.Context) []string {
	var out []string
	for _, name := range EnvVars {
		out = append(out, nonEmpty(r.getenv(name))...)
	}
	return out
}

func (r *Resolver) fromWellKnown(context.Context) []string {
	var dirs []string
	home := r.HomeDir
	if r.GOOS == "windows" {
		dirs = append(dirs, filepath.Join(home, ".opencode", "bin"))
		if v := r.getenv("LOCALAPPDATA"); v != "" {
			dirs = append(dirs, filepath.Join(v, "Programs", "opencode"))
		}
		if v := r.getenv("APPDATA"); v != "" {
			dirs = append(dirs, filepath.Join(v, "npm"))
		}
		dirs = append(dirs,
			filepath.Join(home, "scoop", "shims"),
			filepath.Join(home, ".bun", "bin"),
		)
	} else {
		if home != "" {
			dirs = append(dirs,
				filepath.Join(home, ".opencode", "bin"),
				filepath.Join(home, ".local", "bin"),
				filepath.Join(home, ".bun", "bin"),
				filepath.Join(home, ".npm-global", "bin"),
			)
		}
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/snap/bin")
	}

	var out []string
	for _, dir := range dirs {
		for _, name := range Names(r.GOOS) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}

func (r *Resolver) fromShell(ctx context.Context) []string {
	if r.ShellLookup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shellLookupTimeout)
	defer cancel()
	path, err := r.ShellLookup(ctx, Name)
	if err != nil {
		return nil
	}
	return nonEmpty(path)
}

// validate expands candidate and checks it is an executable file. A
// directory is replaced by the platform binary inside it.
func (r *Resolver) validate(candidate string) (string, bool) {
	path := r.expand(candidate)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		for _, name := range Names(r.GOOS) {
			if p, ok := r.validate(filepath.Join(path, name)); ok {
				return p, true
			}
		}
		return "", false
	}
	if !info.Mode().IsRegular() || !IsExecutable(r.GOOS, path, info.Mode()) {
		return "", false
	}
	return path, true
}

func (r *Resolver) expand(p string) string {
	if p == "~" {
		return r.HomeDir
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		return filepath.Join(r.HomeDir, p[2:])
	}
	return p
}

func (r *Resolver) getenv(name string) string {
	if r.Getenv == nil {
		return ""
	}
	return strings.TrimSpace(r.Getenv(name))
}

// Names returns the executable file names to look for on goos.
func Names(goos string) []string {
	if goos == "windows" {
		return []string{Name + ".exe", Name + ".cmd"}
	}
	return []string{Name}
}

// IsExecutable applies the platform's executability rule: extension
// based on Windows, any execute bit elsewhere.
func IsExecutable(goos, path string, mode os.FileMode) bool {
	if goos == "windows" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".exe", ".cmd", ".bat", ".com":
			return true
		}
		return false
	}
	return mode.Perm()&0o111 != 0
}

// PrependPath puts dir at the front of the PATH value unless it is
// already listed, and returns the new value.
func PrependPath(current, dir string) string {
	if dir == "" {
		return current
	}
	for _, entry := range filepath.SplitList(current) {
		if entry == dir {
			return current
		}
	}
	if current == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + current
}

func shellLookup(ctx context.Context, name string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "where", name)
	} else {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-lc", "command -v "+name)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", errors.New("empty lookup output")
}

func nonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return []string{s}
}
