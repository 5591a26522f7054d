// Package config loads packset configuration from a Lua file.
//
// Configuration is declarative Lua: the file sets a global "packset"
// table, evaluated in a sandboxed VM with no os, io, or module-loading
// access. A missing config file yields the defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	lua "github.com/yuin/gopher-lua"

	"github.com/packset/packset/internal/platform"
)

const appDirName = "packset"

// Config holds the resolved packset configuration.
type Config struct {
	// ManifestURL is where the content manifest is fetched from.
	ManifestURL string

	// ContentDir is the pack installation root.
	ContentDir string

	// CacheDir holds the cached manifest and scratch state.
	CacheDir string

	// JournalPath is the download journal database file.
	JournalPath string

	// VerifyKeyFile holds the keyed-MAC verification key, if any.
	VerifyKeyFile string

	// KeyringFile holds the publisher PGP keyring, if any.
	KeyringFile string

	// AppVersion is reported against the manifest's compatibility
	// constraint.
	AppVersion string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogFormat is text or json.
	LogFormat string
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		ContentDir:  filepath.Join(xdg.DataHome, appDirName, "content"),
		CacheDir:    filepath.Join(xdg.CacheHome, appDirName),
		JournalPath: filepath.Join(xdg.DataHome, appDirName, "journal.db"),
		AppVersion:  "1.0.0",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appDirName, "packset.lua")
}

// ParseError is a config parsing error with a friendly message.
type ParseError struct {
	Message string
	Detail  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// Loader parses config files with platform detection available to the
// Lua code.
type Loader struct {
	detector platform.Detector
}

// NewLoader creates a config loader. The detector may be nil, in which
// case no platform table is injected.
func NewLoader(detector platform.Detector) *Loader {
	return &Loader{detector: detector}
}

// Load reads and parses the config file at path. A missing file is not
// an error: the defaults are returned.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return l.Parse(ctx, string(content))
}

// Parse evaluates Lua config source and extracts the packset table.
func (l *Loader) Parse(ctx context.Context, luaCode string) (*Config, error) {
	L := newSandboxedVM()
	defer L.Close()

	if l.detector != nil {
		info, err := l.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		injectPlatformTable(L, info)
	}

	if err := L.DoString(luaCode); err != nil {
		return nil, &ParseError{
			Message: "Lua syntax error",
			Detail:  err.Error(),
		}
	}

	return extractConfig(L)
}

// injectPlatformTable exposes the detected platform to config code as a
// read-only-by-convention global table:
//
//	platform.os    -- "linux", "macos", "windows"
//	platform.arch  -- "x64", "arm64"
//	platform.id    -- "linux-x64"
//	platform.label -- distribution label, when known
func injectPlatformTable(L *lua.LState, info *platform.Info) {
	table := L.NewTable()
	table.RawSetString("os", lua.LString(info.OS))
	table.RawSetString("arch", lua.LString(info.Arch))
	table.RawSetString("id", lua.LString(info.ID()))
	table.RawSetString("label", lua.LString(info.Label))
	L.SetGlobal("platform", table)
}

// extractConfig pulls the global "packset" table out of the Lua state
// and overlays it on the defaults.
func extractConfig(L *lua.LState) (*Config, error) {
	packsetTable := L.GetGlobal("packset")
	if packsetTable.Type() != lua.LTTable {
		return nil, &ParseError{
			Message: "missing or invalid 'packset' table",
			Detail:  fmt.Sprintf("expected table, got %s", packsetTable.Type()),
		}
	}

	cfg := Default()
	table := packsetTable.(*lua.LTable)

	fields := map[string]*string{
		"manifest_url":    &cfg.ManifestURL,
		"content_dir":     &cfg.ContentDir,
		"cache_dir":       &cfg.CacheDir,
		"journal_path":    &cfg.JournalPath,
		"verify_key_file": &cfg.VerifyKeyFile,
		"keyring_file":    &cfg.KeyringFile,
		"app_version":     &cfg.AppVersion,
		"log_level":       &cfg.LogLevel,
		"log_format":      &cfg.LogFormat,
	}

	for key, dst := range fields {
		val := table.RawGetString(key)
		switch val.Type() {
		case lua.LTNil:
		case lua.LTString:
			*dst = val.String()
		default:
			return nil, &ParseError{
				Message: "config validation failed",
				Detail:  fmt.Sprintf("field %q must be a string, got %s", key, val.Type()),
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{
			Message: "config validation failed",
			Detail:  err.Error(),
		}
	}

	return cfg, nil
}

// Validate checks field values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}

	return nil
}

// LoadVerifyKey reads the keyed-MAC verification key file named by the
// config. It returns nil with no error when no key file is configured.
func (c *Config) LoadVerifyKey() ([]byte, error) {
	if c.VerifyKeyFile == "" {
		return nil, nil
	}

	content, err := os.ReadFile(c.VerifyKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read verify key file: %w", err)
	}

	key := []byte(strings.TrimSpace(string(content)))
	if len(key) == 0 {
		return nil, fmt.Errorf("verify key file %s is empty", c.VerifyKeyFile)
	}
	return key, nil
}
