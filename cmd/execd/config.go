package main

import (
	"fmt"
	"os"
	"time"

	"runbox/internal/exec/limits"
	"runbox/internal/exec/profile"
	"runbox/internal/exec/sandbox"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/yamlutil"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxConcurrent   = 8
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string            `yaml:"addr"`
	ReadTimeout  yamlutil.Duration `yaml:"readTimeout"`
	WriteTimeout yamlutil.Duration `yaml:"writeTimeout"`
	IdleTimeout  yamlutil.Duration `yaml:"idleTimeout"`
}

// LimitsConfig holds operator ceilings and per-language default limits.
type LimitsConfig struct {
	Ceilings limits.Ceilings            `yaml:"ceilings"`
	Defaults map[string]limits.LimitSet `yaml:"defaults"`
}

// ExecConfig holds execution core settings.
type ExecConfig struct {
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// ProfileConfig holds runtime profile sources. Profiles may be listed inline
// or loaded from a separate file produced by the image build pipeline.
type ProfileConfig struct {
	File     string                   `yaml:"file"`
	Profiles []profile.RuntimeProfile `yaml:"profiles"`
}

// AppConfig holds execd config.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   logger.Config  `yaml:"logger"`
	Sandbox  sandbox.Config `yaml:"sandbox"`
	Limits   LimitsConfig   `yaml:"limits"`
	Exec     ExecConfig     `yaml:"exec"`
	Profiles ProfileConfig  `yaml:"profiles"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = yamlutil.Duration(defaultReadTimeout)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = yamlutil.Duration(defaultWriteTimeout)
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = yamlutil.Duration(defaultIdleTimeout)
	}
	if cfg.Exec.MaxConcurrent <= 0 {
		cfg.Exec.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Sandbox.WorkspaceRoot == "" {
		return nil, fmt.Errorf("sandbox workspace root is required")
	}
	if len(cfg.Profiles.Profiles) == 0 && cfg.Profiles.File == "" {
		return nil, fmt.Errorf("at least one runtime profile is required")
	}
	return &cfg, nil
}

func buildRegistry(cfg ProfileConfig) (*profile.Registry, error) {
	if cfg.File != "" {
		return profile.LoadRegistry(cfg.File)
	}
	return profile.NewRegistry(cfg.Profiles)
}
