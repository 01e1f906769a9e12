package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raterudder/powerrudder/pkg/ess"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/manager"
	"github.com/raterudder/powerrudder/pkg/metrics"
	"github.com/raterudder/powerrudder/pkg/notify"
	"github.com/raterudder/powerrudder/pkg/server"
	"github.com/raterudder/powerrudder/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	e := ess.Configured()
	s := storage.Configured()
	n := notify.Configured()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	n.OnResult(m.Notification)

	mgr := manager.New(e, s, n, m)

	// init server
	srv := server.Configured(mgr, s, reg)

	fatalCooldown := lflag.Duration("fatal-cooldown", time.Hour, "How long to wait before exiting after an unrecoverable failure so a supervisor doesn't restart into the same failure")

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(slog.New(log.NewHandler(os.Stdout, level)))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		}
	}()

	runErr := mgr.Run(ctx)
	if runErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "control loop failed, waiting before exit", slog.Any("error", runErr), slog.Duration("cooldown", *fatalCooldown))
		t := time.NewTimer(*fatalCooldown)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
	}
	if runErr != nil {
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
