package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openconverge/openconverge/pkg/source"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the continuous reconciliation loop",
		Long: `Sync runs the GitOps loop until interrupted: poll the source on the
configured interval, reconcile when the commit advances, and run periodic
drift-detection cycles. With source watching enabled, file changes nudge
the loop ahead of the next tick. The Prometheus endpoint and a status
endpoint are served on the configured metrics address.`,
		Example: `  # Reconcile continuously
  converge sync

  # With a specific config file
  converge sync --config prod.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			g, gctx := errgroup.WithContext(ctx)

			if rt.cfg.Source.Watch {
				watcher := source.NewWatcher(rt.cfg.Source.Path, 0, rt.logger.Zerolog())
				nudge := make(chan struct{}, 1)
				g.Go(func() error {
					err := watcher.Run(gctx, nudge)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
				g.Go(func() error {
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-nudge:
							rt.loop.Nudge()
						}
					}
				})
			}

			if addr := rt.cfg.Telemetry.MetricsAddr; addr != "" {
				srv := newStatusServer(addr, rt)
				g.Go(func() error {
					err := srv.ListenAndServe()
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			g.Go(func() error {
				err := rt.loop.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})

			return g.Wait()
		},
	}
	return cmd
}

// newStatusServer serves Prometheus metrics, liveness and loop status.
// Request contexts carry a component logger for the handlers.
func newStatusServer(addr string, rt *runtime) *http.Server {
	logger := rt.logger.NewComponentLogger("status-server")

	mux := http.NewServeMux()
	if h := rt.metrics.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.store.HealthCheck(r.Context()); err != nil {
			zl := telemetry.FromContext(r.Context()).Zerolog()
			zl.Error().Err(err).Msg("health check failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.loop.Status()); err != nil {
			zl := telemetry.FromContext(r.Context()).Zerolog()
			zl.Error().Err(err).Msg("encode status")
		}
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return logger.WithContext(context.Background())
		},
	}
}
