package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"messenger/internal/config"
	"messenger/internal/httpserver"
	"messenger/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadMockCarrier()
	logging.Init("mock-carrier", cfg.LogFormat, "info")

	s := newServer(cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("mock carrier listening", "port", cfg.Port, "outcomes", s.outcomes)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("mock carrier server failed", "err", err)
		os.Exit(1)
	}
}
