package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"coworkd/internal/config"
	"coworkd/internal/lifecycle"
	"coworkd/internal/notify"
	"coworkd/internal/renewal"
	"coworkd/internal/server"
	"coworkd/internal/signing"
	"coworkd/internal/store/postgres"
	"coworkd/internal/sweep"
	"coworkd/pkg/db"
	"coworkd/pkg/domain"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.Log)

	pool := db.MustConnect(cfg.Database.URL)
	defer pool.Close()

	st := postgres.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	clock := domain.SystemClock()
	var dispatch notify.Dispatcher = notify.LogDispatcher{}
	if cfg.Webhook.URL != "" {
		dispatch = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret)
	}

	lc := lifecycle.New(st, st, clock, dispatch)
	sg := signing.New(st, st, clock, dispatch, lc)
	rn := renewal.New(st, st, lc, clock, dispatch)
	lc.SetRenewalChecker(rn)

	var locker sweep.TenantLocker = sweep.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = &sweep.RedisLocker{Client: client}
	}

	sw := sweep.New(st, lc, sg, rn, locker, clock)
	sw.Interval = time.Duration(cfg.Sweep.IntervalSeconds) * time.Second
	sw.LeaseTTL = time.Duration(cfg.Sweep.LeaseSeconds) * time.Second
	sw.RenewalDays = cfg.Sweep.RenewalDays

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sw.Run(ctx)

	srv := server.New(lc, sg, rn, &cfg.Auth)
	srv.Idempotency = st
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Routes()}

	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()

	slog.Info("listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
}
