package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"deskbot/internal/config"
	"deskbot/internal/services/campaign"
	"deskbot/internal/services/delivery"
	"deskbot/internal/services/scheduler"
	"deskbot/internal/storage"
	"deskbot/internal/transport/telegram"
	"deskbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var log logx.Logger
	if cfg.Logging.Console {
		log = logx.NewConsole(cfg.Logging.Level)
	} else {
		log = logx.NewJSON(cfg.Logging.Level)
	}
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	gw, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOr(10 * time.Second),
		ParseMode:   cfg.Telegram.ParseMode,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		SyncEvery: cfg.Scheduler.SyncEveryOr(time.Minute),
	}, store, log.With(logx.String("comp", "scheduler")))

	sender := delivery.New(delivery.Config{
		PageSize:   cfg.Delivery.PageSize,
		RatePerSec: cfg.Delivery.RatePerSec,
		ParseMode:  cfg.Telegram.ParseMode,
	}, store, gw, telegram.SurveyKeyboard, log.With(logx.String("comp", "delivery")))
	sender.RegisterHandlers(sched)

	window := campaign.DefaultWindow
	if cfg.Delivery.WorkHoursEnd > cfg.Delivery.WorkHoursStart {
		window = campaign.Window{StartHour: cfg.Delivery.WorkHoursStart, EndHour: cfg.Delivery.WorkHoursEnd}
	}
	campaigns := campaign.New(campaign.Config{Window: window}, store, sched,
		log.With(logx.String("comp", "campaign")))

	gw.HandleVotes(campaigns)
	gw.HandleEnrollment(store)

	// Finished campaigns older than a month are dropped nightly.
	sched.Cron("1 0 * * *", "prune_finished", func(ctx context.Context) {
		if _, err := store.PruneFinished(ctx, 30*24*time.Hour); err != nil {
			log.Warn("prune failed", logx.Err(err))
		}
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch ended", logx.Err(err))
		}
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for next := range updates {
			log.SetLevel(next.Logging.Level)
			sender.SetRate(next.Delivery.RatePerSec)
		}
	}()

	go gw.Start()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("deskbot started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	gw.Stop()
	sched.Stop(stopCtx)
	log.Info("deskbot stopped")
	return nil
}
