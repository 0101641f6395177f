package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/build"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/metrics"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/memstore"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/postgres"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/coordinator"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/scheduler"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/telemetry"
)

// reaperInterval is how often expired leases are swept.
const reaperInterval = 30 * time.Second

// Server starts the orchestrator: job queue, agent protocol, scheduler,
// telemetry ingestion, and the WebSocket fanout.
func Server() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the orchestrator server",
		Long: `Start the orchestrator server.

The server owns the job queue and the agent protocol: agents long-poll it for
leased work, stream step telemetry back, and report terminal job status. It
also evaluates cron schedules, reclaims expired leases, and fans run updates
out to WebSocket subscribers.

Without SYNQX_SERVER_DATABASE_URL the server keeps all state in memory, which
is suitable for development only.
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			stores, cleanup, err := openStores(ctx, cfg.Server.DatabaseURL)
			if err != nil {
				return err
			}
			defer cleanup()

			m := metrics.New(build.Version)
			hub := telemetry.NewHub()
			ingress := telemetry.NewIngress(
				state.NewManager(stores.Runs, stores.Steps),
				stores.Steps, hub, telemetry.WithMetrics(m))

			dispatcher := coordinator.New(stores, coordinator.Config{
				LeaseTimeout: cfg.Server.LeaseTimeout,
			}, coordinator.WithMetrics(m), coordinator.WithIngress(ingress))

			sched := scheduler.New(stores.Jobs, stores.Pipelines, stores.Runs,
				scheduler.Config{TickInterval: cfg.Scheduler.TickInterval},
				scheduler.WithMetrics(m))

			go ingress.Run(ctx)
			go dispatcher.RunReaper(ctx, reaperInterval)
			go sched.Run(ctx)

			srv := coordinator.NewServer(dispatcher, ingress, hub, m,
				coordinator.ServerConfig{LongPollTimeout: cfg.Server.LongPollTimeout})

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(
					context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			logger.Info(ctx, "Server listening", tag.String("addr", addr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info(ctx, "Server stopped")
			return nil
		},
	}
}

// openStores selects the persistence backend: postgres when a DSN is
// configured, in-memory otherwise.
func openStores(ctx context.Context, dsn string) (coordinator.Stores, func(), error) {
	if dsn == "" {
		store := memstore.New()
		return coordinator.Stores{
			Jobs:        store,
			Ephemerals:  memstore.NewEphemerals(),
			Pipelines:   store,
			Connections: store,
			Runs:        store,
			Steps:       store,
			Agents:      store,
			Watermarks:  watermark.NewMemoryStore(),
		}, func() {}, nil
	}

	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		return coordinator.Stores{}, nil, err
	}
	store := postgres.New(pool)
	return coordinator.Stores{
		Jobs:        store,
		Ephemerals:  postgres.NewEphemerals(pool),
		Pipelines:   store,
		Connections: store,
		Runs:        store,
		Steps:       store,
		Agents:      store,
		Watermarks:  postgres.NewWatermarks(pool),
	}, pool.Close, nil
}
