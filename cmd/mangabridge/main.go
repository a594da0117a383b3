package main

import (
	"context"
	"time"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/database"
	"github.com/mangabridge/mangabridge/pkg/dupes"
	"github.com/mangabridge/mangabridge/pkg/executors"
	"github.com/mangabridge/mangabridge/pkg/expiry"
	"github.com/mangabridge/mangabridge/pkg/feed"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/migrations"
	"github.com/mangabridge/mangabridge/pkg/normalize"
	"github.com/mangabridge/mangabridge/pkg/notify"
	"github.com/mangabridge/mangabridge/pkg/pipeline"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/mangabridge/mangabridge/pkg/reconcile"
	"github.com/mangabridge/mangabridge/pkg/version"
	"github.com/mangabridge/mangabridge/pkg/worker"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting mangabridge", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	auth := gateway.NewAuthenticator(cfg.Target)
	if err := auth.EnsureLoggedIn(ctx); err != nil {
		log.Err(err).Fatal("login error")
	}
	log.Info("logged in to downstream platform")

	gw := gateway.New(cfg.Target, auth)
	store := chapters.NewService(db)
	q := queue.NewService(db)

	var sink notify.Sink = notify.NoopSink{}
	if cfg.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.WebhookURL)
	}

	policy := executors.NewPolicy(cfg.Target, auth)
	uploader := executors.NewUploader(gw, store, policy, cfg.Target.GroupID)
	editor := executors.NewEditor(gw, store, policy)
	deleter := executors.NewDeleter(gw, store, policy)

	wrkr := worker.New(q, sink, uploader, editor, deleter, cfg.Pipeline.PollInterval, cfg.Target.RetryAttempts)

	scheduler := expiry.NewScheduler(store, q)
	rules, err := normalize.NewRules(cfg.Rules)
	if err != nil {
		log.Err(err).Fatal("normalization rules error")
	}
	engine := reconcile.New(cfg.Rules.Aliases)
	detector := dupes.NewDetector(gw, store, q, cfg.Rules, cfg.Target.GroupID)

	source := feed.NewSource(cfg)
	runner := pipeline.NewRunner(source, gw, store, q, scheduler, engine, rules, sink, cfg.Target.GroupID)

	graceful := signals.Setup()
	shutdown := make(chan struct{})
	done := make(chan struct{})

	wrkr.Start()
	log.Info("workers started")

	go func() {
		defer close(done)

		syncTimer := time.NewTimer(0)
		defer syncTimer.Stop()
		dupesTicker := time.NewTicker(cfg.Pipeline.DupesInterval)
		defer dupesTicker.Stop()

		for {
			select {
			case <-shutdown:
				return
			case <-syncTimer.C:
				if _, err := runner.Run(ctx); err != nil {
					log.Err(err).Error("run error")
				}
				syncTimer.Reset(cfg.Pipeline.SyncInterval)
			case <-dupesTicker.C:
				n, err := detector.Scan(ctx)
				if err != nil {
					log.Err(err).Error("duplicate scan error")
					continue
				}
				log.Info("duplicate scan finished", logger.Data{"deletes_queued": n})
			}
		}
	}()

	<-graceful
	log.Info("starting graceful shutdown")

	close(shutdown)
	<-done
	log.Info("run loop stopped")

	wrkr.Shutdown()
	log.Info("workers shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
