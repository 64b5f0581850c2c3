package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"messenger/internal/auth"
	"messenger/internal/awsutil"
	"messenger/internal/cache"
	"messenger/internal/config"
	"messenger/internal/httpserver"
	"messenger/internal/logging"
	"messenger/internal/observability"
	"messenger/internal/providers/twilio"
	sqsqueue "messenger/internal/queue/sqs"
	"messenger/internal/service"
	"messenger/internal/store/pg"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptionsFrom(cfg))
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	readyChecks := []httpserver.ReadyzCheck{func(ctx context.Context) error { return db.Ping(ctx) }}

	var carrier service.Carrier
	client, err := twilio.New(cfg.CarrierConfig, &http.Client{})
	if err != nil {
		// Submissions fail with 503 until the carrier settings are fixed.
		slog.Warn("sms carrier not configured", "err", err)
		carrier = twilio.Misconfigured(err)
	} else {
		carrier = client
	}

	var denylist service.Denylist = store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		dl := cache.NewDenylist(rdb)
		denylist = dl
		readyChecks = append(readyChecks, dl.Ping)
	}

	msgSvc := &service.MessageService{
		Store:      store,
		Carrier:    carrier,
		Breaker:    service.NewCarrierBreaker(),
		FromNumber: cfg.FromNumber,
		Timeout:    cfg.SendTimeout,
	}
	if cfg.DeliveryEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		msgSvc.Events = &sqsqueue.DeliveryEventProducer{SQS: sqsClient, QueueURL: cfg.DeliveryEventsQueueURL}
	}

	authSvc := &service.AuthService{
		Users:    store,
		Tokens:   auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL),
		Denylist: denylist,
	}
	requireAuth := httpserver.RequireAuth(authSvc)

	if cfg.SignatureCheckDisabled() {
		slog.Warn("delivery webhook signature check disabled", "app_env", cfg.AppEnv)
	}

	s := httpserver.New()
	(&httpserver.Sessions{Svc: authSvc, Auth: requireAuth}).Register(s.Mux)
	(&httpserver.API{Svc: msgSvc, Auth: requireAuth}).Register(s.Mux)
	(&httpserver.Webhook{
		Deliveries:    msgSvc,
		AuthToken:     cfg.AuthToken,
		PublicURL:     cfg.PublicBaseURL,
		SkipSignature: cfg.SignatureCheckDisabled(),
	}).Register(s.Mux)
	httpserver.RegisterHealth(s.Mux, 2*time.Second, readyChecks...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "app_env", cfg.AppEnv)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
