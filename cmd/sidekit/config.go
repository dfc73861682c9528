package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	sidekit "github.com/prife/gosidekit"
)

type fileConfig struct {
	Usbmux struct {
		Network string `toml:"network"`
		Address string `toml:"address"`
		Timeout string `toml:"timeout"`
	} `toml:"usbmux"`
	Connect struct {
		Service        string `toml:"service"`
		Timeout        string `toml:"timeout"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"connect"`
	Install struct {
		FreeAppLimit     int      `toml:"free_app_limit"`
		MinimumOSVersion string   `toml:"minimum_os_version"`
		ChunkSize        int      `toml:"chunk_size"`
		Profiles         []string `toml:"profiles"`
		Plugins          []string `toml:"required_plugins"`
		Anisette         string   `toml:"anisette_file"`
	} `toml:"install"`
}

// config is what the commands run with once the file and flags are merged.
type config struct {
	Mux            sidekit.MuxConfig
	Service        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Policy         sidekit.Policy
	ChunkSize      int
	Profiles       []string
	Plugins        []string
	AnisetteFile   string
}

func defaultConfig() config {
	return config{
		Service:        sidekit.DefaultServiceName,
		ConnectTimeout: sidekit.ConnectTimeoutDefault,
		RequestTimeout: sidekit.RequestTimeoutDefault,
		ChunkSize:      sidekit.TransferChunkSize,
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("usbmux", "network") {
		cfg.Mux.Network = strings.TrimSpace(raw.Usbmux.Network)
	}
	if meta.IsDefined("usbmux", "address") {
		cfg.Mux.Address = strings.TrimSpace(raw.Usbmux.Address)
	}
	if meta.IsDefined("usbmux", "timeout") {
		if cfg.Mux.Timeout, err = parseDuration("usbmux.timeout", raw.Usbmux.Timeout); err != nil {
			return config{}, err
		}
	}

	if meta.IsDefined("connect", "service") {
		cfg.Service = strings.TrimSpace(raw.Connect.Service)
	}
	if meta.IsDefined("connect", "timeout") {
		if cfg.ConnectTimeout, err = parseDuration("connect.timeout", raw.Connect.Timeout); err != nil {
			return config{}, err
		}
	}
	if meta.IsDefined("connect", "request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("connect.request_timeout", raw.Connect.RequestTimeout); err != nil {
			return config{}, err
		}
	}

	if meta.IsDefined("install", "free_app_limit") {
		cfg.Policy.FreeAppLimit = raw.Install.FreeAppLimit
	}
	if meta.IsDefined("install", "minimum_os_version") {
		cfg.Policy.MinimumOSVersion = strings.TrimSpace(raw.Install.MinimumOSVersion)
	}
	if meta.IsDefined("install", "chunk_size") {
		if raw.Install.ChunkSize <= 0 || raw.Install.ChunkSize > sidekit.TransferChunkSize {
			return config{}, fmt.Errorf("install.chunk_size must be in 1..%d", sidekit.TransferChunkSize)
		}
		cfg.ChunkSize = raw.Install.ChunkSize
	}

	// Relative file names are resolved against the config file.
	dir := filepath.Dir(path)
	for _, p := range raw.Install.Profiles {
		cfg.Profiles = append(cfg.Profiles, resolve(dir, p))
	}
	cfg.Plugins = raw.Install.Plugins
	if raw.Install.Anisette != "" {
		cfg.AnisetteFile = resolve(dir, raw.Install.Anisette)
	}
	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive", key)
	}
	return d, nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// fileAnisette serves anisette data kept in a file by some other tool.
type fileAnisette string

func (f fileAnisette) provider() sidekit.AnisetteProvider {
	if f == "" {
		return nil
	}
	return sidekit.AnisetteFunc(func(ctx context.Context) (*sidekit.AnisetteData, error) {
		st, err := os.Stat(string(f))
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(string(f))
		if err != nil {
			return nil, err
		}
		return &sidekit.AnisetteData{Data: data, Valid: len(data) > 0, Fetched: st.ModTime()}, nil
	})
}
