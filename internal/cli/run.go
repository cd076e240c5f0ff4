package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/sentinel/config"
	"github.com/vadiminshakov/sentinel/internal/audit"
	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/internal/events"
	"github.com/vadiminshakov/sentinel/internal/gateway"
	"github.com/vadiminshakov/sentinel/internal/guardian"
	"github.com/vadiminshakov/sentinel/internal/logger"
	"github.com/vadiminshakov/sentinel/internal/metrics"
	"github.com/vadiminshakov/sentinel/internal/notify"
	"github.com/vadiminshakov/sentinel/internal/storage/auditlog"
	"github.com/vadiminshakov/sentinel/internal/supervisor"
	"github.com/vadiminshakov/sentinel/internal/web"
)

const shutdownTimeout = 5 * time.Second

func runGuardian(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvPath)
	if err != nil {
		return err
	}

	log, cleanup, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, log)
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	gw, err := gateway.New(cfg, log.Named("gateway"))
	if err != nil {
		return errors.Wrap(err, "create gateway")
	}

	walStore, writers, closeWriters, err := openAuditWriters(cfg)
	if err != nil {
		return err
	}
	defer closeWriters()

	broadcaster := events.NewAuditBroadcaster(64)
	sink := audit.NewSink(log.Named("audit"), writers,
		audit.WithPublisher(broadcaster),
		audit.WithQueueSize(cfg.Audit.QueueSize))

	notifiers := buildNotifiers(cfg, log)
	dispatcher := notify.NewDispatcher(log.Named("notify"), cfg.Notify.MinInterval, notifiers...)
	dispatched := make(chan struct{})
	var alerts chan domain.AuditEntry
	if dispatcher.Enabled() {
		alerts = broadcaster.Subscribe()
		// runs until the channel is closed after the sink drains, so STOP is delivered too
		go func() {
			defer close(dispatched)
			_ = dispatcher.Run(context.Background(), alerts)
		}()
	} else {
		close(dispatched)
	}

	m := metrics.New()
	g := guardian.New(gw, guardian.SettingsFromConfig(cfg),
		guardian.WithLogger(log.Named("guardian")),
		guardian.WithAuditSink(sink),
		guardian.WithObserver(m))

	sup := supervisor.New(log.Named("supervisor"),
		supervisor.WithMaxRestarts(cfg.Supervisor.MaxRestarts),
		supervisor.WithCooldown(cfg.Supervisor.Cooldown),
		supervisor.WithAuditSink(sink),
		supervisor.WithMetrics(m),
		supervisor.WithGuardian(g))

	server := web.NewServer(cfg.HealthAddr, g,
		web.WithAuditStore(walStore),
		web.WithMetrics(m.Handler()),
		web.WithSafeMode(sup),
		web.WithAuditStats(sink.Stats),
		web.WithResetAt(fmt.Sprintf("%02d:%02d %s", cfg.ResetHour, cfg.ResetMinute, cfg.Location)),
		web.WithLogger(log.Named("web")))

	log.Info("sentinel starting",
		zap.String("platform", cfg.Platform),
		zap.String("symbol", cfg.Symbol),
		zap.String("max_daily_loss", cfg.DailyLossThreshold.String()),
		zap.Bool("test_mode", cfg.TestMode))

	g.Start(time.Now(), fmt.Sprintf("guardian started on %s, limit %s", cfg.Platform, cfg.DailyLossThreshold.String()))

	group, gctx := errgroup.WithContext(ctx)
	scheduler := guardian.NewScheduler(g, log.Named("scheduler"))
	group.Go(func() error {
		return sup.Run(gctx, scheduler.Run)
	})
	group.Go(func() error {
		if len(cfg.TLSDomains) > 0 {
			return server.StartWithAutoTLS(gctx, cfg.TLSDomains, cfg.CertCacheDir)
		}
		return server.Start(gctx)
	})

	runErr := group.Wait()
	if runErr != nil {
		log.Error("guardian stopped with error", zap.Error(runErr))
	}

	g.Stop(time.Now(), "guardian stopped")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sink.Close(closeCtx); err != nil {
		log.Warn("audit queue not drained", zap.Error(err), zap.Int("queued", sink.Stats().Queued))
	}
	if alerts != nil {
		broadcaster.Unsubscribe(alerts)
	}

	select {
	case <-dispatched:
	case <-closeCtx.Done():
	}

	log.Info("sentinel stopped")
	return runErr
}

func openAuditWriters(cfg config.Config) (*auditlog.WALStore, []audit.Writer, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	walStore, err := auditlog.NewWALStore(cfg.Audit.WALDir)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open audit wal")
	}
	closers = append(closers, walStore)

	journal, err := auditlog.NewCSVJournal(cfg.Audit.CSVDir, cfg.Location)
	if err != nil {
		closeAll()
		return nil, nil, nil, errors.Wrap(err, "open audit csv journal")
	}
	closers = append(closers, journal)

	writers := []audit.Writer{walStore, journal}

	if cfg.Audit.SQLitePath != "" {
		db, err := auditlog.NewSQLiteStore(cfg.Audit.SQLitePath)
		if err != nil {
			closeAll()
			return nil, nil, nil, errors.Wrap(err, "open audit sqlite")
		}
		closers = append(closers, db)
		writers = append(writers, db)
	}

	return walStore, writers, closeAll, nil
}

// buildNotifiers skips channels that fail to initialise; alerts must not keep the guardian down.
func buildNotifiers(cfg config.Config, log *zap.Logger) []notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notify.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscord(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, "")
		if err != nil {
			log.Warn("telegram notifier disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	return notifiers
}
