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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pushpraj-rmx/mba/internal/awsutil"
	"github.com/pushpraj-rmx/mba/internal/config"
	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/httpserver"
	"github.com/pushpraj-rmx/mba/internal/logging"
	"github.com/pushpraj-rmx/mba/internal/observability"
	"github.com/pushpraj-rmx/mba/internal/providers/whatsapp"
	sqsqueue "github.com/pushpraj-rmx/mba/internal/queue/sqs"
	"github.com/pushpraj-rmx/mba/internal/realtime"
	"github.com/pushpraj-rmx/mba/internal/service"
	"github.com/pushpraj-rmx/mba/internal/store"
	"github.com/pushpraj-rmx/mba/internal/store/memory"
	"github.com/pushpraj-rmx/mba/internal/store/pg"
	"github.com/pushpraj-rmx/mba/internal/worker"
)

func main() {
	cfg := config.LoadChat()
	logger := logging.Init("chat", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("chat store init failed", "err", err, "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	wa := &whatsapp.Client{
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		BaseURL:       cfg.WhatsAppAPIURL,
		HTTP:          &http.Client{Timeout: worker.DefaultAttemptTimeout},
	}
	dispatcher := &worker.Dispatcher{
		Sender:  wa,
		Limiter: rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
		Breaker: worker.NewBreaker("whatsapp"),
		Log:     logger.With("component", "dispatcher"),
		Timeout: cfg.ProviderTimeout,
	}

	broadcaster := realtime.NewBroadcaster(cfg.WSSendQueue, logger)
	opts := []service.Option{
		service.WithLogger(logger.With("component", "engine")),
		service.WithBusinessNumber(cfg.BusinessNumber),
		service.WithAutoReply(cfg.AutoReplyEnabled),
	}
	if cfg.ReadReceiptsEnabled {
		opts = append(opts, service.WithReadReceipts(wa))
	}
	engine := service.New(st, dispatcher, broadcaster, opts...)

	webhook := &httpserver.Webhook{
		Engine:        engine,
		VerifyToken:   cfg.WebhookVerifyToken,
		AppSecret:     cfg.WhatsAppAppSecret,
		IngestTimeout: cfg.IngestTimeout,
		Log:           logger.With("component", "webhook"),
	}

	checks := []httpserver.ReadyzCheck{{Name: "store", Check: st.Ping}}

	var consumer *sqsqueue.EventConsumer
	if cfg.WebhookEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("chat sqs client init failed", "err", err)
			os.Exit(1)
		}
		webhook.Queue = &sqsqueue.EventProducer{
			SQS:          sqsClient,
			QueueURL:     cfg.WebhookEventsQueueURL,
			GroupBuckets: cfg.SQSGroupBuckets,
		}
		consumer = &sqsqueue.EventConsumer{
			SQS:               sqsClient,
			QueueURL:          cfg.WebhookEventsQueueURL,
			Log:               logger.With("component", "event_consumer"),
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
			Permanent:         domain.IsValidation,
		}
		checks = append(checks, httpserver.ReadyzCheck{Name: "sqs", Check: awsutil.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL)})
	}

	s := httpserver.New()
	(&httpserver.API{Svc: engine, Log: logger.With("component", "api")}).Register(s.Mux)
	webhook.Register(s.Mux)
	s.Mount("/ws", realtime.NewGateway(broadcaster, logger, realtime.GatewayOptions{
		AllowedOrigins: cfg.WSAllowedOrigins,
		Heartbeat:      cfg.WSHeartbeat,
	}))
	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, checks...)).Methods(http.MethodGet)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("chat listening", "port", cfg.Port, "store", cfg.StoreBackend)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("chat metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	if consumer != nil {
		go func() {
			slog.Info("chat starting event poll", "queue_url", cfg.WebhookEventsQueueURL, "workers", cfg.ProcessorConcurrency)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, func(ctx context.Context, env sqsqueue.EventEnvelope) error {
				ictx, icancel := context.WithTimeout(ctx, cfg.IngestTimeout)
				defer icancel()
				return engine.Ingest(ictx, env.Event)
			})
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("chat server failed", "err", err)
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("chat metrics server failed", "err", err)
		}
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("chat event poll failed", "err", err)
		}
	case sig := <-sigCh:
		slog.Info("chat shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	cancel()
	if consumer != nil {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("chat shutdown timeout waiting for poll loop")
		}
	}
	engine.Wait()
}

func openStore(ctx context.Context, cfg config.ChatConfig) (store.MessageStore, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return pg.New(db), nil
	default:
		return nil, errors.New("unknown STORE_BACKEND " + cfg.StoreBackend)
	}
}
