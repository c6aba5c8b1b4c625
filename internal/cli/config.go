package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/cmo"
	"github.com/ChuLiYu/cytoreport/internal/worker"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tool configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Executables struct {
		BinPath  string `yaml:"bin_path"` // overrides $CYTOSIMBINPATH
		Home     string `yaml:"home"`     // overrides $HOME
		Codename string `yaml:"codename"` // overrides $DISTRIB_CODENAME
	} `yaml:"executables"`

	Jobs struct {
		Timeout     time.Duration `yaml:"timeout"`      // 0 = no deadline
		ArtifactDir string        `yaml:"artifact_dir"` // empty = simulation directory
	} `yaml:"jobs"`

	Render struct {
		ImageFormat string `yaml:"image_format"`
		WindowSize  int    `yaml:"window_size"`
		TempDir     string `yaml:"temp_dir"` // parent of per-channel directories
	} `yaml:"render"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
	} `yaml:"log"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Render.ImageFormat == "" {
		c.Render.ImageFormat = "png"
	}
	if c.Render.WindowSize <= 0 {
		c.Render.WindowSize = cmo.DefaultWindowSize
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Resolver merges the executables section over the environment.
func (c *Config) Resolver() worker.Resolver {
	r := worker.ResolverFromEnv()
	if c.Executables.BinPath != "" {
		r.BinPath = c.Executables.BinPath
	}
	if c.Executables.Home != "" {
		r.Home = c.Executables.Home
	}
	if c.Executables.Codename != "" {
		r.Codename = c.Executables.Codename
	}
	return r
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}
