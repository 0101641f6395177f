package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/build"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmd"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "SynqX is a distributed data pipeline engine",
	Long: `SynqX is a distributed data pipeline engine.

An orchestrator server schedules and leases pipeline jobs; agents poll for
work, execute DAGs of extract, transform, and load steps near the data, and
stream telemetry back.
`,
	Version: build.Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cmd.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.Server())
	rootCmd.AddCommand(cmd.Agent())
	rootCmd.AddCommand(cmd.Migrate())
	rootCmd.AddCommand(cmd.Version())
}
