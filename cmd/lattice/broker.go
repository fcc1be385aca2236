package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/api"
	"github.com/cuemby/lattice/pkg/broker"
	"github.com/cuemby/lattice/pkg/client"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/discovery"
	"github.com/cuemby/lattice/pkg/events"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/recovery"
	"github.com/cuemby/lattice/pkg/storage"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a broker node",
}

var brokerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broker",
	Long: `Start a broker node. The broker accepts job submissions, dispatches
them to registered executors, syncs metadata with peer brokers, and
recovers its queue and registry from the data directory on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		initLogging(cfg)

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		bus := events.NewBroker()
		bus.Start()
		defer bus.Stop()

		disc := discovery.NewStatic(cfg.StaticPeers)
		b, err := broker.New(cfg, store, nil, nil, disc, bus)
		if err != nil {
			return fmt.Errorf("failed to create broker: %v", err)
		}

		rpc := client.New(b.Clock())
		rpc.SetEmergencyProvider(b.Emergency)
		rpc.SetEmergencyHandler(b.InstallEmergency)
		b.SetTransports(rpc, rpc)

		rec := recovery.New(cfg, b)
		srv := api.NewBrokerServer(cfg.BindAddr, b, rec)

		b.Start()
		rec.Start()
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		logger := log.WithNodeID(cfg.NodeID)
		logger.Info().Str("addr", cfg.BindAddr).Msg("Broker running")
		waitForShutdown(errCh)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		rec.Stop()
		b.Stop()
		return nil
	},
}

func init() {
	brokerCmd.AddCommand(brokerStartCmd)
	addNodeFlags(brokerStartCmd)
	brokerStartCmd.Flags().StringSlice("peer", nil, "Static peer broker (id=host:port or host:port), repeatable")
	brokerStartCmd.Flags().Int("queue-capacity", 0, "Maximum queued jobs")
	brokerStartCmd.Flags().Int("sync-period", 0, "Peer sync period in seconds")
}

// waitForShutdown blocks until SIGINT/SIGTERM or a server error.
func waitForShutdown(errCh <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "YAML configuration file")
	cmd.Flags().String("node-id", "", "Unique node ID")
	cmd.Flags().String("bind-addr", "", "Listen address (host:port)")
	cmd.Flags().String("data-dir", "", "Data directory for persisted state")
	cmd.Flags().String("log-level", "", "Log level (debug|info|warn|error)")
}

// loadConfig reads --config when given, then lets explicitly set flags
// override file values.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("node-id") {
		cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	}
	if cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("peer") {
		cfg.StaticPeers, _ = cmd.Flags().GetStringSlice("peer")
	}
	if cmd.Flags().Changed("queue-capacity") {
		cfg.QueueCapacity, _ = cmd.Flags().GetInt("queue-capacity")
	}
	if cmd.Flags().Changed("sync-period") {
		cfg.SyncPeriodSeconds, _ = cmd.Flags().GetInt("sync-period")
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("--node-id required: %v", err)
		}
		cfg.NodeID = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
