package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port          int
	DBPath        string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	MaxPayload    uint64
	PageSize      int
	MetricsAddr   string
	ControlSocket string
	LogLevel      string
}

type fileConfig struct {
	Port          int    `toml:"port"`
	DBPath        string `toml:"db_path"`
	ReadTimeout   int    `toml:"read_timeout"`
	WriteTimeout  int    `toml:"write_timeout"`
	MaxPayload    int64  `toml:"max_payload"`
	PageSize      int    `toml:"page_size"`
	MetricsAddr   string `toml:"metrics_addr"`
	ControlSocket string `toml:"control_socket"`
	LogLevel      string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		Port:          6789,
		DBPath:        "ti_server.db",
		ReadTimeout:   120,
		WriteTimeout:  30,
		MaxPayload:    64 * 1024 * 1024,
		PageSize:      256,
		ControlSocket: "/tmp/ti.sock",
		LogLevel:      "info",
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then TI_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", cfg.PageSize)
	}
	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("read_timeout") {
		cfg.ReadTimeout = raw.ReadTimeout
	}
	if meta.IsDefined("write_timeout") {
		cfg.WriteTimeout = raw.WriteTimeout
	}
	if meta.IsDefined("max_payload") {
		if raw.MaxPayload <= 0 {
			return fmt.Errorf("max_payload must be positive, got %d", raw.MaxPayload)
		}
		cfg.MaxPayload = uint64(raw.MaxPayload)
	}
	if meta.IsDefined("page_size") {
		cfg.PageSize = raw.PageSize
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("control_socket") {
		cfg.ControlSocket = strings.TrimSpace(raw.ControlSocket)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	if portStr := os.Getenv("TI_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("TI_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("TI_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("TI_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if sizeStr := os.Getenv("TI_MAX_PAYLOAD"); sizeStr != "" {
		if size, err := strconv.ParseUint(sizeStr, 10, 64); err == nil && size > 0 {
			cfg.MaxPayload = size
		}
	}

	if sizeStr := os.Getenv("TI_PAGE_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			cfg.PageSize = size
		}
	}

	if addr := os.Getenv("TI_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if sock := os.Getenv("TI_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	if level := os.Getenv("TI_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}
