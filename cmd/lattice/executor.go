package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/api"
	"github.com/cuemby/lattice/pkg/executor"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/types"
)

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run an executor node",
}

var executorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an executor",
	Long: `Start an executor node. The executor registers with its broker,
heartbeats on a fixed period, runs dispatched jobs in the configured
sandbox, and enforces first-come-first-served result acceptance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		initLogging(cfg)

		brokerEndpoint, _ := cmd.Flags().GetString("broker")
		if brokerEndpoint == "" {
			return fmt.Errorf("--broker is required")
		}
		advertise, _ := cmd.Flags().GetString("advertise")
		if advertise == "" {
			advertise = cfg.BindAddr
		}
		strategyName, _ := cmd.Flags().GetString("strategy")
		if strategyName == "" {
			strategyName = cfg.ConflictStrategy
		}
		strategy, err := executor.ParseStrategy(strategyName)
		if err != nil {
			return err
		}
		labels, _ := cmd.Flags().GetStringSlice("label")
		cpuCores, _ := cmd.Flags().GetInt("cpu-cores")
		if cmd.Flags().Changed("max-concurrent") {
			cfg.MaxConcurrentJobs, _ = cmd.Flags().GetInt("max-concurrent")
		}

		exec := executor.New(executor.Config{
			ID: cfg.NodeID,
			Capabilities: &types.Capabilities{
				Labels:   labels,
				CPUCores: cpuCores,
			},
			MaxConcurrent: cfg.MaxConcurrentJobs,
			Strategy:      strategy,
		})
		agent := executor.NewAgent(exec, executor.AgentConfig{
			BrokerEndpoint:  brokerEndpoint,
			AdvertiseAddr:   advertise,
			HeartbeatPeriod: cfg.HeartbeatPeriod(),
			CallTimeout:     cfg.SyncTimeout(),
		})
		srv := api.NewExecutorServer(cfg.BindAddr, exec)

		agent.Start()
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		logger := log.WithNodeID(cfg.NodeID)
		logger.Info().
			Str("addr", cfg.BindAddr).Str("broker", brokerEndpoint).Msg("Executor running")
		waitForShutdown(errCh)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		agent.Stop()
		exec.Stop()
		return nil
	},
}

func init() {
	executorCmd.AddCommand(executorStartCmd)
	addNodeFlags(executorStartCmd)
	executorStartCmd.Flags().String("broker", "", "Owning broker endpoint (host:port)")
	executorStartCmd.Flags().String("advertise", "", "Endpoint the broker dials for dispatch (defaults to bind-addr)")
	executorStartCmd.Flags().String("strategy", "", "Conflict-resolution strategy (causal|priority|emergency_first|resource_optimal|fcfs)")
	executorStartCmd.Flags().StringSlice("label", nil, "Capability label, repeatable")
	executorStartCmd.Flags().Int("cpu-cores", 0, "Advertised CPU cores")
	executorStartCmd.Flags().Int("max-concurrent", 0, "Maximum concurrent jobs")
}
