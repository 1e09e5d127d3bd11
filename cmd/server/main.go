package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/youtuneai/referral-commission-engine/internal/attribution"
	"github.com/youtuneai/referral-commission-engine/internal/config"
	"github.com/youtuneai/referral-commission-engine/internal/events"
	"github.com/youtuneai/referral-commission-engine/internal/events/kafka"
	"github.com/youtuneai/referral-commission-engine/internal/handlers"
	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
	"github.com/youtuneai/referral-commission-engine/internal/ledger"
	"github.com/youtuneai/referral-commission-engine/internal/logging"
	"github.com/youtuneai/referral-commission-engine/internal/payout"
	"github.com/youtuneai/referral-commission-engine/internal/rail"
	"github.com/youtuneai/referral-commission-engine/internal/registry"
	"github.com/youtuneai/referral-commission-engine/internal/storage/memory"
	"github.com/youtuneai/referral-commission-engine/internal/storage/postgres"
	"github.com/youtuneai/referral-commission-engine/internal/tiers"
)

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	tierTable, err := config.LoadTierTable(cfg.TierTablePath)
	if err != nil {
		log.Fatal("invalid tier table", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store interfaces.Store
	if cfg.UseMemory {
		log.Warn("running against the in-memory store, data will not survive a restart")
		store = memory.NewStore()
	} else {
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			log.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatal("ping database", zap.Error(err))
		}

		pg := postgres.NewStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("ensure schema", zap.Error(err))
		}
		store = pg
	}

	var publisher interfaces.EventPublisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := kafka.NewPublisher(cfg.KafkaBrokers)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	var paymentRail interfaces.PaymentRail
	switch {
	case cfg.RailBaseURL != "":
		paymentRail = rail.NewHTTPRail(cfg.RailBaseURL)
	case cfg.UseMemory && cfg.Env != "production":
		log.Warn("no payment rail configured, simulating transfers in process")
		paymentRail = rail.NewSimulated(log)
	default:
		log.Fatal("PAYMENT_RAIL_URL is required")
	}

	reg := registry.New(store, tierTable, cfg.CodePrefix, cfg.ReferralBaseURL, log)
	tierEngine := tiers.NewEngine(store, tierTable, publisher, log)
	commissionLedger := ledger.New(store, reg, tierEngine, log)
	tracker := attribution.NewTracker(store, reg, log)

	batcher := payout.NewBatcher(store, paymentRail, publisher, payout.Config{
		CoolDown:     cfg.CoolDownWindow,
		Interval:     cfg.SettlementInterval,
		BatchLimit:   cfg.SettlementBatchLimit,
		MaxRetries:   cfg.MaxSettlementRetries,
		RailTimeout:  cfg.RailTimeout,
		StalledAfter: cfg.StalledAfter,
	}, log)
	go batcher.Run(ctx)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	h := handlers.New(reg, tracker, commissionLedger, tierEngine, store, log)
	h.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
}
