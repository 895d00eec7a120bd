package main

import (
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/pushpraj-rmx/mba/internal/config"
	"github.com/pushpraj-rmx/mba/internal/httpserver"
	"github.com/pushpraj-rmx/mba/internal/logging"
)

func main() {
	cfg := config.LoadMockProvider()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))

	router := mux.NewRouter()
	router.Use(httpserver.Logging)
	s.register(router)

	slog.Info("mock provider listening", "port", cfg.Port, "webhook_url", cfg.WebhookURL)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}
