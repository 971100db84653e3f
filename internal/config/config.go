// Package config loads host-side flashing defaults from a project-local
// .env file overlaid by environment variables: serial-port, timeout,
// and loader-endpoint defaults. The .env is taken from the working
// directory if one is there, otherwise from the nearest directory above
// it that holds a go.mod.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the host-side defaults: serial-port
// baud rates per protocol family, default command/handshake/upload
// timeouts, and the address of the external LoaderSource collaborator
// (never dialled by this package — only its address is configuration;
// the network call belongs to the caller-supplied collab.LoaderSource).
type Config struct {
	SerialPort string

	// Baud rates: "921 600 for MediaTek, 115 200 for
	// Meta-mode, device-reported for Fastboot".
	BaudMediaTek int
	BaudMetaMode int

	CommandTimeout  time.Duration
	HandshakeBudget time.Duration
	UploadTimeout   time.Duration

	// LoaderEndpoint is the address of the cloud loader-lookup service a
	// collab.LoaderSource implementation would dial; this package never
	// dials it itself ( Non-goals).
	LoaderEndpoint string
}

// Default returns the built-in defaults before any .env/env overlay.
func Default() Config {
	return Config{
		SerialPort:      "",
		BaudMediaTek:    921600,
		BaudMetaMode:    115200,
		CommandTimeout:  5 * time.Second,
		HandshakeBudget: 30 * time.Second,
		UploadTimeout:   10 * time.Second,
		LoaderEndpoint:  "",
	}
}

var (
	loaded     *Config
	loadedOnce bool
)

// Load reads a project-local .env file (walking up from the working
// directory to the nearest go.mod), overlays process environment
// variables, and caches the result for subsequent calls.
func Load() Config {
	if loadedOnce {
		return *loaded
	}
	cfg := Default()

	envPath := filepath.Join(findProjectRoot(), ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), &cfg)
	}
	overlayEnv(&cfg)

	loaded = &cfg
	loadedOnce = true
	return cfg
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		applyKV(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), cfg)
	}
}

func overlayEnv(cfg *Config) {
	for _, key := range []string{
		"FLASHCORE_SERIAL_PORT", "FLASHCORE_BAUD_MEDIATEK", "FLASHCORE_BAUD_METAMODE",
		"FLASHCORE_COMMAND_TIMEOUT_MS", "FLASHCORE_HANDSHAKE_BUDGET_MS",
		"FLASHCORE_UPLOAD_TIMEOUT_MS", "FLASHCORE_LOADER_ENDPOINT",
	} {
		if v := os.Getenv(key); v != "" {
			applyKV(key, v, cfg)
		}
	}
}

func applyKV(key, value string, cfg *Config) {
	switch key {
	case "FLASHCORE_SERIAL_PORT":
		cfg.SerialPort = value
	case "FLASHCORE_BAUD_MEDIATEK":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BaudMediaTek = n
		}
	case "FLASHCORE_BAUD_METAMODE":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BaudMetaMode = n
		}
	case "FLASHCORE_COMMAND_TIMEOUT_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.CommandTimeout = time.Duration(n) * time.Millisecond
		}
	case "FLASHCORE_HANDSHAKE_BUDGET_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.HandshakeBudget = time.Duration(n) * time.Millisecond
		}
	case "FLASHCORE_UPLOAD_TIMEOUT_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.UploadTimeout = time.Duration(n) * time.Millisecond
		}
	case "FLASHCORE_LOADER_ENDPOINT":
		cfg.LoaderEndpoint = value
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
