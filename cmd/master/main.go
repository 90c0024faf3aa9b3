// Package main runs the spine master: it hosts the cluster's message broker
// on a gRPC endpoint, keeps the roster and the authoritative subscription
// directory, and publishes the heartbeat replicas watch.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Master                    │
//	├──────────────────────────────────────────┤
//	│  gRPC endpoint (transport.address:port)   │
//	│    spine.transport.Broker/Connect         │
//	├──────────────────────────────────────────┤
//	│  Components:                              │
//	│    Broker     - topics, durable backlog   │
//	│    Roster     - registered identities     │
//	│    Directory  - who subscribes to what    │
//	│    Heartbeat  - liveness for replicas     │
//	└──────────────────────────────────────────┘
//
// Configuration comes from the file given with --config (YAML, or TOML by
// extension), then SPINE_* environment variables, then flags.
//
// Example usage:
//
//	spine-master --config master.yaml --port 7400
//
// SIGINT or SIGTERM drains the cluster: replicas are told to close and the
// master waits for them up to protocol.drain_timeout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/config"
	"github.com/dreamware/spine/internal/logging"
	"github.com/dreamware/spine/internal/spine"
)

var (
	configPath string
	nodeID     string
	address    string
	port       int
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spine-master",
	Short: "Host the spine broker and coordinate the cluster",
	Long: `Binds the broker endpoint, admits replicas, keeps the subscription
directory and publishes heartbeats until interrupted.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runMaster,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (YAML or .toml)")
	flags.StringVar(&nodeID, "id", "", "Node identity (default from config, else node-<uuid>)")
	flags.StringVar(&address, "address", "", "Broker bind address")
	flags.IntVarP(&port, "port", "p", 0, "Broker bind port")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: json, console")
}

// loadConfig reads the config file and applies the flags the user set.
// The role is always master.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		c.Node.ID = nodeID
	}
	if flags.Changed("address") {
		c.Transport.Address = address
	}
	if flags.Changed("port") {
		c.Transport.Port = port
	}
	if flags.Changed("log-level") {
		c.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Logging.Format = logFormat
	}
	c.Node.Role = string(cluster.RoleMaster)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func runMaster(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := spine.StartMaster(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start master: %w", err)
	}
	logger.Info("master listening", zap.String("endpoint", cfg.Endpoint()), zap.String("id", string(node.ID())))
	return node.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
