package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice - causally coordinated job dispatch fabric",
	Long: `Lattice is a distributed job dispatch fabric. Brokers queue and
dispatch jobs to executors, coordinate with peer brokers through
vector-clock metadata sync, and propagate fleet emergencies on every
exchange. No central coordinator, no consensus round trips.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lattice version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(emergencyCmd)
}
