package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/worker"
)

// Agent starts the worker runtime that polls the orchestrator for work.
func Agent() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Start the agent runtime",
		Long: `Start the agent runtime.

The agent authenticates against the orchestrator with its client ID and API
key, then long-polls for work on its queues. Leased pipeline jobs run through
the local DAG engine; ephemeral tasks (queries, metadata discovery, connection
tests, sandboxed file operations) run inline. Step telemetry streams back on a
throttled channel.

Credentials come from SYNQX_AGENT_CLIENT_ID and SYNQX_AGENT_API_KEY.
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			a := worker.NewAgent(*cfg)
			go func() {
				<-ctx.Done()
				a.CancelCurrent()
			}()
			return a.Run(ctx)
		},
	}
}
