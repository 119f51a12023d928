package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"classsync/internal/export"
	appLog "classsync/internal/log"
	"classsync/internal/model"
	"classsync/internal/scheduler"
	"classsync/internal/store"
	"classsync/internal/web"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	var (
		dryRun bool
		only   []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			if !dryRun {
				if err := a.seedEnabled(ctx); err != nil {
					return err
				}
			}
			report, err := a.cycle(a.reconciler(dryRun), only)(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("cycle finished with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute changes without writing sessions or digests")
	cmd.Flags().StringSliceVar(&only, "location", nil, "Restrict to these location ids (repeatable)")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		listen      string
		syncOnStart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with cron-driven reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.cfg.Listen = listen
			}
			if err := a.seedEnabled(ctx); err != nil {
				return err
			}

			r := a.reconciler(false)
			sched, err := scheduler.New(a.cfg.RefreshCron, a.loc, a.cycle(r, nil))
			if err != nil {
				return err
			}
			sched.Start(ctx)
			defer func() {
				stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
				defer stop()
				sched.Stop(stopCtx)
			}()

			if syncOnStart {
				go func() {
					if _, err := sched.Trigger(ctx); err != nil {
						appLog.Error("initial cycle failed", err)
					}
				}()
			}

			return web.StartServer(ctx, web.NewServer(a.cfg, a.store, r, sched))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", true, "Run one cycle immediately on startup")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		locationID string
		days       int
		out        string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored sessions as an iCalendar file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			name := "classsync"
			if locationID != "" {
				l, ok := a.cfg.Location(locationID)
				if !ok {
					return fmt.Errorf("unknown location %q", locationID)
				}
				if l.Name != "" {
					name = l.Name
				}
			}
			if days <= 0 {
				days = a.cfg.Export.HorizonDays
			}

			stored, err := a.store.ListSessions(ctx, store.Filter{LocationID: locationID})
			if err != nil {
				return err
			}
			now := time.Now().In(a.loc)
			res, err := export.Expand(stored, export.ExpandConfig{
				Location:               a.loc,
				RangeStart:             now,
				RangeEnd:               now.AddDate(0, 0, days),
				MaxInstancesPerSession: a.cfg.Export.MaxInstancesPerSession,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := export.WriteICS(w, name, res.Instances, time.Now()); err != nil {
				return err
			}
			appLog.Info("export done", "sessions", len(stored), "instances", len(res.Instances), "out", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&locationID, "location", "", "Only this location id")
	cmd.Flags().IntVar(&days, "days", 0, "Days ahead to project (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	return cmd
}

func newDigestsCmd(g *globalFlags) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "digests",
		Short: "Show stored class digests, or reset them to force full re-emission",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			if reset {
				if err := a.store.StoreDigests(ctx, model.DigestMap{}); err != nil {
					return err
				}
				appLog.Info("digests reset")
				return nil
			}
			d, err := a.store.LoadDigests(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear every stored digest")
	return cmd
}

func newLocationsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List configured locations and whether each is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			enabled, err := a.enabledLocations(ctx)
			if err != nil {
				return err
			}
			on := map[string]bool{}
			for _, l := range enabled {
				on[l.ID] = true
			}
			all := append([]model.Location(nil), a.cfg.Locations...)
			sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
			w := cmd.OutOrStdout()
			for _, l := range all {
				mark := " "
				if on[l.ID] {
					mark = "*"
				}
				fmt.Fprintf(w, "%s %-16s %-8s %s\n", mark, l.ID, l.ExternalID, l.Name)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enable [id...]",
		Short: "Replace the enabled set; no ids enables every location",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if _, ok := a.cfg.Location(id); !ok {
					return fmt.Errorf("unknown location %q", id)
				}
			}
			if err := a.store.SetEnabledLocations(ctx, args); err != nil {
				return err
			}
			appLog.Info("enabled locations updated", "ids", args)
			return nil
		},
	})
	return cmd
}
