package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/client"
	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
)

const cliTimeout = 10 * time.Second

// cliClient builds a throwaway causal client for one-shot commands.
func cliClient() (*client.Client, string) {
	host, err := os.Hostname()
	if err != nil {
		host = "cli"
	}
	nodeID := fmt.Sprintf("cli-%s-%d", host, os.Getpid())
	return client.New(clock.New(nodeID)), nodeID
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to a broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("broker")
		kind, _ := cmd.Flags().GetString("kind")
		payload, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")
		labels, _ := cmd.Flags().GetStringSlice("require-label")

		info := &types.JobInfo{
			Kind:         kind,
			Payload:      []byte(payload),
			UserPriority: priority,
		}
		if len(labels) > 0 {
			info.Requires = &types.CapabilitiesRequired{Labels: labels}
		}

		rpc, _ := cliClient()
		ack, err := rpc.SubmitJob(context.Background(), endpoint,
			&types.SubmitJobRequest{Info: info}, cliTimeout)
		if err != nil {
			return err
		}

		fmt.Printf("Job queued: %s\n", ack.JobID)
		if ack.IsEmergency {
			fmt.Println("  Classified as EMERGENCY")
		}
		fmt.Printf("  Priority score: %.2f\n", ack.PriorityScore)
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("broker")

		rpc, _ := cliClient()
		status, err := rpc.JobStatus(context.Background(), endpoint, args[0], cliTimeout)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Declare or clear a fleet emergency",
}

var emergencyDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare a fleet emergency",
	Long: `Declare a fleet emergency on a broker. The context propagates to
peer brokers and executors on every subsequent exchange; HIGH and
CRITICAL levels preempt normal job starts until cleared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("broker")
		kind, _ := cmd.Flags().GetString("kind")
		level, _ := cmd.Flags().GetString("level")
		location, _ := cmd.Flags().GetString("location")

		rpc, _ := cliClient()
		ctx, err := rpc.DeclareEmergency(context.Background(), endpoint,
			&types.DeclareEmergencyRequest{
				Kind:     kind,
				Level:    types.EmergencyLevel(level),
				Location: location,
			}, cliTimeout)
		if err != nil {
			return err
		}

		fmt.Printf("Emergency declared: %s (%s)\n", ctx.Kind, ctx.Level)
		return nil
	},
}

var emergencyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the fleet emergency",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("broker")

		rpc, _ := cliClient()
		if err := rpc.ClearEmergency(context.Background(), endpoint, cliTimeout); err != nil {
			return err
		}
		fmt.Println("Emergency cleared")
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
	emergencyCmd.AddCommand(emergencyDeclareCmd)
	emergencyCmd.AddCommand(emergencyClearCmd)

	for _, cmd := range []*cobra.Command{jobSubmitCmd, jobStatusCmd, emergencyDeclareCmd, emergencyClearCmd} {
		cmd.Flags().String("broker", "127.0.0.1:7410", "Broker endpoint (host:port)")
	}

	jobSubmitCmd.Flags().String("kind", "", "Job kind, scanned for emergency keywords")
	jobSubmitCmd.Flags().String("payload", "", "Opaque job payload")
	jobSubmitCmd.Flags().Int("priority", 0, "User priority (0-10)")
	jobSubmitCmd.Flags().StringSlice("require-label", nil, "Required executor capability label, repeatable")

	emergencyDeclareCmd.Flags().String("kind", "", "Emergency kind (e.g. fire, medical)")
	emergencyDeclareCmd.Flags().String("level", "high", "Emergency level (low|medium|high|critical)")
	emergencyDeclareCmd.Flags().String("location", "", "Optional location tag")
	emergencyDeclareCmd.MarkFlagRequired("kind")
}
