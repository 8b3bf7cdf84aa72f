package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivemirror/internal/events"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Keep the mirror up to date until interrupted",
	Long: `Load the tree and refresh it from the remote every MIRROR_REFRESH_INTERVAL.
Tree changes are logged and, when NATS_URL is set, forwarded to NATS.
Prometheus metrics are served on METRICS_ADDR when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if prefetch, _ := cmd.Flags().GetBool("prefetch"); prefetch {
			if _, err := a.coord.PrefetchAll(ctx); err != nil {
				logging.Warn("initial prefetch failed", logging.Err(err))
			}
		}

		var metricsServer *http.Server
		if cfg.MetricsAddr != "" {
			metricsServer = &http.Server{
				Addr:    cfg.MetricsAddr,
				Handler: metrics.Handler(),
			}
			go func() {
				logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
				if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logging.Error("metrics server error", logging.Err(err))
				}
			}()
		}

		if cfg.NATSURL != "" {
			fwd, err := events.NewNATSForwarder(cfg.NATSURL, cfg.NATSSubject, a.bus)
			if err != nil {
				return err
			}
			fwd.Start()
			defer fwd.Stop()
			logging.Info("forwarding events to NATS", logging.String("subject", cfg.NATSSubject))
		}

		ch := a.bus.Subscribe(events.Filter{Root: cfg.ContextKey})
		defer a.bus.Unsubscribe(ch)
		go func() {
			for ev := range ch {
				logging.Info("tree event",
					logging.String("type", ev.Type),
					logging.Op(ev.Op),
					logging.EntryID(ev.EntryID),
					logging.Int("entries", ev.Entries),
				)
			}
		}()

		a.coord.StartRefreshLoop(ctx, cfg.RefreshInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		logging.Info("shutting down...")

		a.coord.StopRefreshLoop()
		if metricsServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("prefetch", false, "fill the content cache after loading")
	rootCmd.AddCommand(syncCmd)
}
