package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"progenycal/internal/ics"
	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := contextWithTimeout(cmd, conf.Reminders.SweepTimeout)
			defer cancel()
			res, err := a.scheduler.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: checked=%d sent=%d skipped=%d failed=%d\n",
				res.RunID, res.Checked, res.Sent, res.Skipped, res.Failed)
			return nil
		},
	}
}

func expandCmd() *cobra.Command {
	var (
		progenyID int64
		from      string
		days      int
	)
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print a progeny's events, recurring instances included, for a window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if progenyID <= 0 {
				return fmt.Errorf("--progeny is required")
			}
			loc := conf.Location()
			start := recurrence.StartOfDay(time.Now().In(loc))
			if from != "" {
				t, err := time.ParseInLocation("2006-01-02", from, loc)
				if err != nil {
					return fmt.Errorf("invalid --from %q: %w", from, err)
				}
				start = t
			}
			if days < 1 {
				days = 1
			}
			end := start.AddDate(0, 0, days-1)

			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.calendar.Events(cmd.Context(), progenyID, start, end)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tSTART\tEND\tTITLE")
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.EventID,
					formatTime(ev.StartTime, ev.AllDay, loc), formatTime(ev.EndTime, ev.AllDay, loc), ev.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64VarP(&progenyID, "progeny", "p", 0, "Progeny id")
	cmd.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD), default today")
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to print")
	return cmd
}

func formatTime(t *time.Time, allDay bool, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	if allDay {
		return t.In(loc).Format("2006-01-02")
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func importCmd() *cobra.Command {
	var (
		progenyID int64
		feedURLs  []string
		file      string
		author    string
		cacheDir  string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import events from ICS feeds or a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if progenyID <= 0 {
				return fmt.Errorf("--progeny is required")
			}
			if (len(feedURLs) == 0) == (file == "") {
				return fmt.Errorf("either --url (repeatable) or --file is required")
			}

			var fetched []ics.FetchResult
			if len(feedURLs) > 0 {
				sources := make([]ics.Source, 0, len(feedURLs))
				for i, u := range feedURLs {
					sources = append(sources, ics.Source{ID: fmt.Sprintf("feed-%d", i+1), URL: u})
				}
				results, errs := ics.NewFetcher(cacheDir).FetchAll(cmd.Context(), sources)
				if len(results) == 0 && len(errs) > 0 {
					return fmt.Errorf("no feed could be fetched: %w", errs[0])
				}
				fetched = results
			} else {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				src := ics.Source{ID: strings.TrimSuffix(fileBase(file), ".ics")}
				fetched = []ics.FetchResult{{Source: src, Body: b}}
			}

			var items []model.CalendarItem
			for _, res := range fetched {
				events, err := ics.ParseICS(res.Source, res.Body, conf.Location())
				if err != nil {
					appLog.Error("skip unparsable feed", err, "source", res.Source.ID)
					continue
				}
				parsed := ics.ToCalendarItems(events, progenyID)
				appLog.Info("ics parsed", "source", res.Source.ID, "from_cache", res.FromCache,
					"events", len(events), "items", len(parsed))
				items = append(items, parsed...)
			}

			if dryRun {
				for _, it := range items {
					rule := "-"
					if r, ok := it.Rule().Get(); ok {
						rule = r.Frequency.String()
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
						formatTime(it.StartTime, it.AllDay, conf.Location()), rule, it.Title, it.Context)
				}
				return nil
			}

			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.store.GetProgeny(cmd.Context(), progenyID); err != nil {
				return err
			}

			imported := 0
			for _, it := range items {
				it.Author = author
				if _, err := a.calendar.AddEvent(cmd.Context(), it); err != nil {
					appLog.Warn("skip imported event", "title", it.Title, "err", err.Error())
					continue
				}
				imported++
			}
			appLog.Info("ics import done", "sources", len(fetched), "imported", imported)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d events\n", imported, len(items))
			return nil
		},
	}
	cmd.Flags().Int64VarP(&progenyID, "progeny", "p", 0, "Progeny id to import into")
	cmd.Flags().StringArrayVar(&feedURLs, "url", nil, "ICS feed URL (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "ICS file path")
	cmd.Flags().StringVar(&author, "author", "", "User id recorded as the events' author")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "./var/ics-cache", "Directory for cached feed bodies")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse and print without saving")
	return cmd
}

func fileBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var (
		email, name, tz string
		admin           bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					return fmt.Errorf("invalid --timezone %q: %w", tz, err)
				}
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			u := model.User{
				UserID:      uuid.NewString(),
				Email:       strings.ToLower(strings.TrimSpace(email)),
				DisplayName: name,
				TimeZone:    tz,
				IsAdmin:     admin,
			}
			if err := a.store.CreateUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.UserID)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "Email address")
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&tz, "timezone", "", "IANA timezone")
	add.Flags().BoolVar(&admin, "admin", false, "Grant access to every reminder")

	cmd.AddCommand(add)
	return cmd
}

func progenyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "progeny", Short: "Manage progeny"}

	var name, nick, admins string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a progeny",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.store.CreateProgeny(cmd.Context(), model.Progeny{Name: name, NickName: nick, Admins: admins})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Name")
	add.Flags().StringVar(&nick, "nickname", "", "Nickname used in reminders")
	add.Flags().StringVar(&admins, "admins", "", "Comma separated admin emails")

	cmd.AddCommand(add)
	return cmd
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
