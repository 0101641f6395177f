package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/build"
)

// Version prints the build version.
func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.Version)
		},
	}
}
