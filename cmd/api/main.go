package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/callstate"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/dispatch"
	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"
)

const metricsFlushInterval = 30 * time.Second

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	campaignRepo := campaign.NewPostgresRepo(db)
	contactRepo := campaign.NewContactPostgresRepo(db)
	callRepo := calls.NewPostgresRepo(db)
	metricsRepo := metrics.NewPostgresRepo(db)

	queue, err := retryqueue.NewRedis(rdb, "")
	if err != nil {
		log.Error("retry queue init failed", "err", err)
		os.Exit(1)
	}

	gateway, err := telephony.NewTwilioGateway(telephony.TwilioConfig{
		AccountSID:     cfg.Provider.TwilioAccountSID,
		AuthToken:      cfg.Provider.TwilioAuthToken,
		BaseURL:        cfg.Provider.TwilioBaseURL,
		RequestTimeout: cfg.Provider.RequestTimeout,
	})
	if err != nil {
		log.Error("gateway init failed", "err", err)
		os.Exit(1)
	}

	machine := callstate.New()
	aggregator := metrics.NewAggregator(log)
	machine.Subscribe(aggregator.HandleTransition)

	limiter, err := ratelimit.New(cfg.Dispatch.GlobalConcurrency)
	if err != nil {
		log.Error("rate limiter init failed", "err", err)
		os.Exit(1)
	}

	manager, err := campaign.NewManager(campaign.ManagerDeps{
		Campaigns: campaignRepo,
		Contacts:  contactRepo,
		Calls:     callRepo,
		Gateway:   gateway,
		Queue:     queue,
		Logger:    log,
	})
	if err != nil {
		log.Error("campaign manager init failed", "err", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.New(dispatch.Deps{
		Campaigns: manager,
		Contacts:  contactRepo,
		Calls:     callRepo,
		Gateway:   gateway,
		Limiter:   limiter,
		Queue:     queue,
		Machine:   machine,
		Logger:    log,
	}, dispatch.Config{
		CycleInterval:   cfg.Dispatch.CycleInterval,
		AcquireWait:     cfg.Dispatch.AcquireWait,
		InitiateTimeout: cfg.Dispatch.InitiateTimeout,
		RetryBatchSize:  cfg.Dispatch.RetryBatchSize,
		CallbackURL:     cfg.Provider.StatusCallbackURL,
		FromNumber:      cfg.Provider.FromNumber,
	})
	if err != nil {
		log.Error("dispatcher init failed", "err", err)
		os.Exit(1)
	}
	manager.SetNotify(dispatcher.Wake)

	policy := retry.NewWithConfig(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})
	ingester, err := ingest.New(ingest.Deps{
		Calls:       callRepo,
		Contacts:    contactRepo,
		Campaigns:   campaignRepo,
		Machine:     machine,
		Limiter:     limiter,
		Queue:       queue,
		Policy:      policy,
		Resolver:    manager,
		Logger:      log,
		OnExhausted: aggregator.RecordExhausted,
		Wake:        dispatcher.Wake,
	})
	if err != nil {
		log.Error("ingester init failed", "err", err)
		os.Exit(1)
	}

	if err := manager.Load(rootCtx); err != nil {
		log.Error("active campaign load failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:      authManager,
		Campaigns: manager,
		Calls:     callRepo,
		Metrics:   aggregator,
		Audit:     audit.NewService(audit.NewPostgresRepo(db)),
	}
	registerRoutes(r, handlers, ingest.NewWebhookHandler(ingester, log), auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(metricsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				// Final flush on shutdown.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				aggregator.Flush(flushCtx, metricsRepo)
				cancel()
				return gctx.Err()
			case <-ticker.C:
				aggregator.Flush(gctx, metricsRepo)
			}
		}
	})
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
