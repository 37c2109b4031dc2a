package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	appLog "progenycal/internal/log"
	"progenycal/internal/reminder"
	"progenycal/internal/web"
)

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reminder sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				conf.Listen = listen
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, conf)
	if err != nil {
		return err
	}
	defer a.Close()

	appLog.Info("progenycal starting",
		"version", version,
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database.Driver,
		"sweep_cron", conf.Reminders.Cron,
		"smtp_enabled", conf.SMTP.Host != "",
		"push_enabled", conf.Push.URL != "",
	)

	c, err := startSweeps(ctx, a.scheduler)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, a.store, a.calendar, a.reminders).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			<-c.Stop().Done()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown", err)
	}
	// Wait for a running sweep to finish.
	<-c.Stop().Done()
	appLog.Info("progenycal exiting")
	return nil
}

// startSweeps schedules the reminder sweep. Overlapping runs are skipped by
// the cron chain; each run is bounded by the configured sweep timeout.
func startSweeps(ctx context.Context, s *reminder.Scheduler) (*cron.Cron, error) {
	logger := appLog.CronLogger()
	c := cron.New(
		cron.WithLocation(conf.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(conf.Reminders.Cron, func() {
		runCtx, cancel := context.WithTimeout(ctx, conf.Reminders.SweepTimeout)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil {
			appLog.Error("reminder sweep failed", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
