package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cheez95/driversync/internal/config"
	"github.com/cheez95/driversync/internal/connectivity"
	"github.com/cheez95/driversync/internal/model"
	"github.com/cheez95/driversync/internal/statusfeed"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the full sync daemon in the foreground.

The daemon:
  1. Opens the local store for the configured driver and day
  2. Watches connectivity and syncs whenever the backend is reachable
  3. Records the GPS trail pushed by the platform shell
  4. Serves the loopback status feed for the driver UI

The status feed listens on 127.0.0.1 only:
  GET  /status           full status snapshot
  GET  /ws               live event stream (WebSocket)
  POST /sync             request a sync round
  POST /locations        report a GPS fix
  POST /connectivity     report an online/offline hint
  POST /power            report a battery-state hint
  POST /resolutions/{id} decide a manual conflict`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.close()

		healthURL := cfg.Server.HealthURL
		if healthURL == "" {
			healthURL = cfg.Server.BaseURL + "/health"
		}

		var feed *statusfeed.Server
		var handler *statusfeed.Handler

		// Automatic rounds upload the GPS trail like any other; only a
		// low-battery hint from the platform demotes them to background
		// rounds that defer it.
		var lowPower atomic.Bool
		requestSync := func(reason string) {
			if lowPower.Load() {
				a.engine.TriggerBackgroundSync(reason)
				return
			}
			a.engine.TriggerSync(reason)
		}

		a.monitor = connectivity.New(
			connectivity.NewHTTPProbe(healthURL),
			requestSync,
			&connectivity.Config{
				ProbeInterval:     cfg.Sync.ProbeInterval,
				ConfirmDelay:      cfg.Sync.ConfirmDelay,
				SafetyNetInterval: cfg.Sync.SafetyNetInterval,
				Logger:            a.logger,
				Journal:           a.journal,
				OnTransition: func(online bool) {
					if handler != nil {
						handler.OnConnectivityChange(online)
					}
				},
			},
		)

		if cfg.Feed.Enabled {
			feed = statusfeed.NewServer(statusfeed.Hooks{
				Snapshot: a.snapshot,
				Resolve:  a.engine.ResolveManual,
				ReportLocation: func(sample model.LocationSample) {
					a.fix.Report(sample)
				},
				ConnectivityHint: a.monitor.SignalHint,
				PowerHint: func(lowBattery bool) {
					lowPower.Store(lowBattery)
					a.recorder.SetLowBattery(lowBattery)
				},
				TriggerSync: a.engine.TriggerSync,
			}, &statusfeed.Config{Port: cfg.Feed.Port, Logger: a.logger})

			handler = statusfeed.NewHandler(feed, a.logger)
			a.engine.SetOnEvent(handler.OnEngineEvent)

			if err := feed.Start(); err != nil {
				return err
			}
			defer func() {
				if err := feed.Stop(); err != nil {
					a.logger.Errorw("feed shutdown error", "error", err)
				}
			}()
		}

		// Session-start retention pass clears anything that aged out
		// since the last shift.
		if result, err := a.retain.Run(cmd.Context()); err != nil {
			a.logger.Warnw("startup retention pass failed", "error", err)
		} else if result.SyncedPruned > 0 || result.SamplesPruned > 0 {
			a.logger.Infow("startup retention pass",
				"synced_pruned", result.SyncedPruned,
				"samples_pruned", result.SamplesPruned)
		}

		a.monitor.Start()
		if cfg.Location.Enabled {
			a.recorder.Start()
		}

		// Live-apply the settings that can change mid-shift.
		_, v, err := config.Load(cfgFile)
		if err == nil {
			config.Watch(v, func(next *config.Config) {
				a.logger.Infow("configuration reloaded")
				a.store.SetQuota(next.Storage.QuotaBytes)
				a.recorder.SetInterval(next.Location.Interval)
			})
		}

		fmt.Printf("driversync daemon running for driver %s\n", cfg.Driver.ID)
		if cfg.Feed.Enabled {
			fmt.Printf("Status feed: http://127.0.0.1:%d/status\n", cfg.Feed.Port)
		}
		fmt.Println("Press Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
