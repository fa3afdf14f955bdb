package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/refresh"
	"inkcal/internal/snapshot"
	"inkcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dump       bool
}

func main() {
	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("inkcal failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLog.Setup(appLog.Options{
		Level:      appLog.ParseLevel(conf.Log.Level),
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
	})
	appLog.Info("inkcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"days_shown", conf.DaysShown,
		"max_entries", conf.MaxEntries,
		"buffer_size", conf.BufferSize,
		"calendars", len(conf.Calendars),
		"once", flags.once,
		"dump", flags.dump,
	)

	snaps, err := snapshot.New(conf.DBPath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer snaps.Close()

	runner, err := refresh.NewRunner(conf, ics.NewFetcher(conf.CacheDir), snaps)
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		res, err := runner.Refresh(ctx)
		if err != nil {
			return err
		}
		if flags.dump {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		return nil
	}

	sched := cron.New(cron.WithLocation(runner.Location()))
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if _, err := runner.TryRefresh(ctx); err != nil && !errors.Is(err, refresh.ErrBusy) {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", conf.RefreshCron, err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	// First cycle right away so the API has data before the first tick.
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := runner.TryRefresh(ctx); err != nil && !errors.Is(err, refresh.ErrBusy) {
			appLog.Error("initial refresh failed", err)
		}
	}()

	srv := web.NewServer(conf, runner, snaps)
	err = srv.ListenAndServe(ctx)
	appLog.Info("inkcal exiting")
	return err
}

const version = "0.1.0"

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/inkcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "With -once, print the refresh result as JSON")

	flag.Parse()

	return cfg
}
