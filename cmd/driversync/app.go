package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/config"
	"github.com/cheez95/driversync/internal/connectivity"
	"github.com/cheez95/driversync/internal/engine"
	"github.com/cheez95/driversync/internal/journal"
	"github.com/cheez95/driversync/internal/location"
	"github.com/cheez95/driversync/internal/logging"
	"github.com/cheez95/driversync/internal/manual"
	"github.com/cheez95/driversync/internal/queue"
	"github.com/cheez95/driversync/internal/retention"
	"github.com/cheez95/driversync/internal/statusfeed"
	"github.com/cheez95/driversync/internal/store"
)

// app bundles the assembled components for one driver/day partition.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	store    *store.Store
	journal  *journal.Journal
	queue    *queue.Manager
	manual   *manual.Manager
	recorder *location.Recorder
	fix      *location.LatestFix
	retain   *retention.Manager
	engine   *engine.Engine
	monitor  *connectivity.Monitor
}

// loadConfig reads configuration and validates the pieces every command
// needs.
func loadConfig() (*config.Config, error) {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Driver.ID == "" {
		return nil, fmt.Errorf("driver.id is not configured (set it in driversync.yaml or DRIVERSYNC_DRIVER_ID)")
	}
	return cfg, nil
}

// storePath resolves the SQLite file location.
func storePath(cfg *config.Config) (string, error) {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config dir: %w", err)
	}
	path := filepath.Join(dir, "driversync", "driversync.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("cannot create data dir: %w", err)
	}
	return path, nil
}

// buildApp assembles every component below the network layer. The
// monitor and feed are added by the daemon command only.
func buildApp(cfg *config.Config, needClient bool) (*app, error) {
	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path, cfg.Storage.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	prefix := cfg.PartitionPrefix(time.Now)
	jrnl := journal.New(journal.DefaultCapacity)

	q := queue.New(st, prefix, &queue.Config{Logger: logger, Journal: jrnl})
	mm := manual.New(st, prefix)

	// The recorder sheds through the retention manager, which needs the
	// recorder to exist first; the closure binds late.
	var retain *retention.Manager
	fix := &location.LatestFix{}
	rec := location.New(st, fix, prefix, &location.Config{
		Interval:             cfg.Location.Interval,
		LowBatteryMultiplier: cfg.Location.LowBatteryMultiplier,
		Logger:               logger,
		OnQuotaPressure: func() {
			if retain == nil {
				return
			}
			if _, err := retain.Shed(context.Background()); err != nil {
				logger.Warnw("failed to shed storage under quota pressure", "error", err)
			}
		},
	})

	retain = retention.New(st, q, rec, &retention.Config{
		SyncedTTL: cfg.Storage.SyncedTTL,
		SampleTTL: cfg.Storage.SampleTTL,
		Logger:    logger,
	})

	var client engine.Client
	if needClient {
		if cfg.Server.BaseURL == "" {
			st.Close()
			return nil, fmt.Errorf("server.base_url is not configured")
		}
		client = engine.NewHTTPClient(cfg.Server.BaseURL, cfg.Server.AuthToken, cfg.Sync.RoundTimeout)
	}

	eng := engine.New(st, q, client, mm, rec, retain, prefix, &engine.Config{
		PushBatchSize: cfg.Sync.PushBatchSize,
		RoundTimeout:  cfg.Sync.RoundTimeout,
		Logger:        logger,
		Journal:       jrnl,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		journal:  jrnl,
		queue:    q,
		manual:   mm,
		recorder: rec,
		fix:      fix,
		retain:   retain,
		engine:   eng,
	}, nil
}

// close releases everything buildApp opened.
func (a *app) close() {
	a.engine.Stop()
	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.recorder.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Errorw("failed to close store", "error", err)
	}
	_ = a.logger.Sync()
}

// snapshot assembles the status answer shared by the feed and the
// status command.
func (a *app) snapshot(ctx context.Context) (*statusfeed.Snapshot, error) {
	pending, err := a.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := a.queue.DeadActions(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := a.manual.List(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := a.engine.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := a.store.EstimateUsage(ctx)
	if err != nil {
		return nil, err
	}

	online := false
	if a.monitor != nil {
		online = a.monitor.Online()
	}

	return &statusfeed.Snapshot{
		EngineState:   a.engine.State(),
		Online:        online,
		PendingCount:  pending,
		DeadActions:   dead,
		ManualEntries: entries,
		Cursor:        cursor,
		UsageBytes:    usage,
		QuotaBytes:    a.store.Quota(),
	}, nil
}
