package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"progenycal/internal/calendar"
	"progenycal/internal/config"
	appLog "progenycal/internal/log"
	"progenycal/internal/notify"
	"progenycal/internal/reminder"
	"progenycal/internal/store"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string

	// conf is loaded once by the root command's PersistentPreRunE.
	conf *config.Config

	rootCmd = &cobra.Command{
		Use:           "progenycal",
		Short:         "Family calendar with recurring events and reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", configPath, err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
			conf = cfg
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/progenycal/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, error); overrides config")

	rootCmd.AddCommand(serveCmd(), sweepCmd(), expandCmd(), importCmd(), userCmd(), progenyCmd())

	if err := rootCmd.Execute(); err != nil {
		appLog.Error("progenycal failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired service graph shared by the commands.
type app struct {
	store     *store.Store
	calendar  *calendar.Service
	reminders *reminder.Service
	scheduler *reminder.Scheduler
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	mailer, pusher := notifiers(cfg)
	return &app{
		store:     st,
		calendar:  calendar.NewService(st, cfg.EventsCacheTTL, calendar.WithLocation(cfg.Location())),
		reminders: reminder.NewService(st),
		scheduler: reminder.NewScheduler(st, mailer, pusher, reminder.Config{
			CatchUp:  cfg.Reminders.CatchUp,
			Cooldown: cfg.Reminders.Cooldown,
			BaseURL:  cfg.BaseURL,
			Location: cfg.Location(),
		}),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store", err)
	}
}

// notifiers picks the delivery channels; an unconfigured channel logs
// instead of sending.
func notifiers(cfg *config.Config) (reminder.Mailer, reminder.Pusher) {
	var mailer reminder.Mailer = notify.LogMailer{}
	if cfg.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(cfg.SMTP)
	}
	var pusher reminder.Pusher = notify.LogPusher{}
	if cfg.Push.URL != "" {
		pusher = notify.NewHTTPPusher(cfg.Push)
	}
	return mailer, pusher
}
