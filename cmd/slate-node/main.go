// slate-node runs a single mining peer: it mines blobs submitted on the
// ingest port into blocks, gossips them over UDP, and converges with its
// peers on the highest-cost chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"slate.dev/node/core"
	"slate.dev/node/node"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "slate-node",
		Short:         "blob-mining peer-to-peer blockchain node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	defaults := node.DefaultConfig()
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to config file (yaml)")
	flags.Int("request-port", defaults.RequestPort, "framed peer TCP and UDP port")
	flags.Int("ingest-port", defaults.IngestPort, "line-delimited blob ingest port")
	flags.Int("readback-port", defaults.ReadbackPort, "line-delimited block readback port")
	flags.String("log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	flags.Duration("heartbeat-interval", defaults.HeartbeatInterval, "discovery broadcast interval")
	flags.Duration("cleanup-interval", defaults.CleanupInterval, "peer pool janitor interval")
	flags.Duration("peer-timeout", defaults.PeerTimeout, "peer eviction age")
	flags.String("archive-path", defaults.ArchivePath, "block archive database path (empty disables)")
	return cmd
}

func loadConfig(cmd *cobra.Command, configPath string) (node.Config, error) {
	defaults := node.DefaultConfig()

	v := viper.New()
	v.SetDefault("request_port", defaults.RequestPort)
	v.SetDefault("ingest_port", defaults.IngestPort)
	v.SetDefault("readback_port", defaults.ReadbackPort)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("cleanup_interval", defaults.CleanupInterval)
	v.SetDefault("peer_timeout", defaults.PeerTimeout)
	v.SetDefault("archive_path", defaults.ArchivePath)

	v.SetEnvPrefix("SLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	bindings := map[string]string{
		"request_port":       "request-port",
		"ingest_port":        "ingest-port",
		"readback_port":      "readback-port",
		"log_level":          "log-level",
		"heartbeat_interval": "heartbeat-interval",
		"cleanup_interval":   "cleanup-interval",
		"peer_timeout":       "peer-timeout",
		"archive_path":       "archive-path",
	}
	for key, flagName := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return node.Config{}, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return node.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg node.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return node.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := node.ValidateConfig(cfg); err != nil {
		return node.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cfg node.Config) error {
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	// An invalid genesis is a build configuration bug; nothing can run on
	// top of it.
	if err := core.VerifyGenesis(); err != nil {
		return err
	}

	n, err := node.NewNode(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
