package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/config"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/connection"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/database"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/event"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/metrics"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/retry"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/supervisor"
)

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, &cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return
	}

	store := session.NewStore(db, session.Options{
		Timeout:    config.Duration(cfg.Session.Timeout, session.DefaultTimeout),
		MaxDevices: cfg.Session.MaxDevices,
	})
	loaded, err := store.Load(ctx)
	if err != nil {
		logger.FatalF("Error occured while loading sessions, details: %v", err)
		return
	}
	logger.InfoF("Loaded %d sessions from %s storage", loaded, cfg.Storage.Driver)

	manager := recovery.NewManager(store, db, db, recovery.Config{
		Interval:          config.Duration(cfg.Recovery.BackupInterval, recovery.DefaultInterval),
		MaxBackups:        cfg.Recovery.MaxBackups,
		MaxRecoveryPoints: cfg.Recovery.MaxRecoveryPoints,
	})
	if cfg.Recovery.RestoreOnStart {
		restored, err := manager.RestoreLatest(ctx)
		switch {
		case errors.Is(err, recovery.ErrNoBackup):
			logger.Info("No backup to restore from")
		case err != nil:
			logger.ErrorF("Restoring latest backup failed: %v", err)
		default:
			logger.InfoF("Restored %d sessions from latest backup", restored)
		}
	}
	store.AddObserver(manager)

	sup := supervisor.New(
		connection.NewWebSocketDialer(
			cfg.Relay.URL,
			cfg.Relay.Token,
			config.Duration(cfg.Relay.HandshakeTimeout, 10*time.Second),
			config.Duration(cfg.Relay.PingInterval, 25*time.Second),
		),
		supervisor.Config{
			MaxRetries:     cfg.Supervisor.MaxRetries,
			AttemptTimeout: config.Duration(cfg.Supervisor.AttemptTimeout, supervisor.DefaultAttemptTimeout),
			Policy: retry.NewPolicy(
				config.Duration(cfg.Supervisor.BaseDelay, 2*time.Second),
				config.Duration(cfg.Supervisor.MaxDelay, 5*time.Minute),
				cfg.Supervisor.Multiplier,
			),
			Breaker: retry.NewCircuitBreaker(
				cfg.Supervisor.FailureThreshold,
				config.Duration(cfg.Supervisor.Cooldown, 10*time.Minute),
			).WithMaxWait(config.Duration(cfg.Supervisor.MaxCooldownWait, retry.DefaultMaxWait)),
			Backup: manager,
		},
	)

	var metricsServer *metrics.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen)
		if err := metricsServer.Start(); err != nil {
			logger.FatalF("Error occured while starting metrics server, details: %v", err)
			return
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		consumeEvents(groupCtx, sup, store, cfg.Session.BotDeviceID, cfg.Relay.URL)
		return nil
	})
	group.Go(func() error {
		return store.RunSweeper(groupCtx, config.Duration(cfg.Session.SweepInterval, 10*time.Minute))
	})
	group.Go(func() error {
		return manager.Run(groupCtx)
	})

	// Shutdown runs the final backup, so it goes before the loops stop and
	// before the database closes.
	cleaner.Add(sup)
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))
	if metricsServer != nil {
		cleaner.Add(metricsServer)
	}
	cleaner.Add(db)

	if err := sup.Connect(); err != nil {
		logger.FatalF("Error occured while starting supervisor, details: %v", err)
		return
	}
	logger.InfoF("Supervising relay connection to %s", cfg.Relay.URL)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorF("Background task failed: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}
	// The cleaner exits the process once every callable has run.
	select {}
}

// consumeEvents accounts relay connections against the bot device's session
// and logs everything else the supervisor reports.
func consumeEvents(ctx context.Context, sup *supervisor.Supervisor, store *session.Store, botDevice, relayURL string) {
	for ev := range sup.Events() {
		switch ev.Type {
		case supervisor.EventConnected:
			if err := recordConnection(ctx, store, botDevice, relayURL, ev.Reconnect); err != nil {
				logger.ErrorF("Recording relay connection failed: %v", err)
			}
		case supervisor.EventDisconnected:
			logger.WarnF("Relay connection lost: %s", connection.Describe(ev.Err))
		case supervisor.EventQR:
			logger.InfoF("Pairing QR received (%d bytes)", len(ev.Data))
		case supervisor.EventCircuitOpen:
			logger.WarnF("Relay circuit open, next attempt in %s", ev.Wait)
		case supervisor.EventFatal:
			status := sup.Status()
			logger.ErrorF("Relay supervision stopped after %d attempts (success rate %.2f): %v",
				status.TotalAttempts, status.SuccessRate(), ev.Err)
		}
	}
}

func recordConnection(ctx context.Context, store *session.Store, botDevice, relayURL string, reconnect bool) error {
	var id string
	if existing := store.GetByDevice(ctx, botDevice); len(existing) > 0 {
		id = existing[len(existing)-1].ID
	} else {
		created, err := store.Create(ctx, session.Payload{"relay": relayURL}, session.Device{ID: botDevice, Type: "bot"})
		if err != nil {
			return err
		}
		id = created.ID
	}
	_, err := store.RecordConnection(ctx, id, reconnect, 0)
	return err
}
