package node

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// RequestPort carries framed peer TCP and peer UDP on the same number.
	RequestPort  int    `mapstructure:"request_port"`
	IngestPort   int    `mapstructure:"ingest_port"`
	ReadbackPort int    `mapstructure:"readback_port"`
	LogLevel     string `mapstructure:"log_level"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	PeerTimeout       time.Duration `mapstructure:"peer_timeout"`

	// ArchivePath enables the write-through block archive when non-empty.
	ArchivePath string `mapstructure:"archive_path"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultConfig() Config {
	return Config{
		RequestPort:       10000,
		IngestPort:        9999,
		ReadbackPort:      9998,
		LogLevel:          "info",
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   30 * time.Second,
		PeerTimeout:       105 * time.Second,
	}
}

func ValidateConfig(cfg Config) error {
	ports := map[string]int{
		"request_port":  cfg.RequestPort,
		"ingest_port":   cfg.IngestPort,
		"readback_port": cfg.ReadbackPort,
	}
	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%s and %s share port %d", other, name, port)
		}
		seen[port] = name
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return errors.New("cleanup_interval must be > 0")
	}
	if cfg.PeerTimeout <= cfg.HeartbeatInterval {
		return errors.New("peer_timeout must exceed heartbeat_interval")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}
