// Package main runs a spine replica: it dials the master's broker,
// registers its identity and then takes part in the cluster until the
// master leaves or the process is interrupted.
//
// The probe subcommand connects without registering and reports whether
// the master's heartbeat is alive. It never sends.
//
// Example usage:
//
//	spine-replica --config replica.yaml --id worker-1
//	spine-replica probe --address 10.0.0.5 --port 7400
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	probeWait  time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "spine-replica",
	Short:        "Join a spine cluster as a replica",
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, cluster.RoleReplica)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, nil)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Watch the master's heartbeat without registering",
	Long: `Connects to the master's broker as a probe. Without --wait the probe
keeps running and logs when the master goes silent. With --wait it exits
after that long with status 0 if the master is alive, 1 otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd, cluster.RoleProbe)
		if err != nil {
			return err
		}
		if probeWait > 0 {
			return probeOnce(cmd.Context(), cfg, probeWait)
		}
		return run(cmd.Context(), cfg, []spine.Option{
			spine.WithOnMasterSilent(func(master cluster.NodeID) {
				logger.Warn("master silent", zap.String("master", string(master)))
			}),
		})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (YAML or .toml)")
	flags.StringVar(&nodeID, "id", "", "Node identity (default from config, else node-<uuid>)")
	flags.StringVar(&address, "address", "", "Master broker address")
	flags.IntVarP(&port, "port", "p", 0, "Master broker port")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: json, console")

	probeCmd.Flags().DurationVar(&probeWait, "wait", 0, "Exit after this long, reporting master liveness")
	rootCmd.AddCommand(probeCmd)
}

// setup loads configuration for role and builds the process logger.
func setup(cmd *cobra.Command, role cluster.Role) (*config.Config, error) {
	cfg, err := loadConfig(cmd, role)
	if err != nil {
		return nil, err
	}
	logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, role cluster.Role) (*config.Config, error) {
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
	c.Node.Role = string(role)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func run(ctx context.Context, cfg *config.Config, opts []spine.Option) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := spine.StartReplica(ctx, cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	logger.Info("joined cluster", zap.String("endpoint", cfg.Endpoint()), zap.String("master", string(node.Master())))
	return node.Run(ctx)
}

// errMasterSilent is returned by a probe that saw no live master.
var errMasterSilent = errors.New("master is not alive")

func probeOnce(ctx context.Context, cfg *config.Config, wait time.Duration) error {
	node, err := spine.StartReplica(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect probe: %w", err)
	}
	defer node.Shutdown(false)

	select {
	case <-time.After(wait):
	case <-node.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if !node.MasterAlive() {
		return errMasterSilent
	}
	logger.Info("master alive", zap.String("master", string(node.Master())))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
