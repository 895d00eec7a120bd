package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/observability"
	"github.com/pushpraj-rmx/mba/internal/providers/whatsapp"
	"github.com/pushpraj-rmx/mba/internal/util"
)

const (
	maxWebhookBody       = 1 << 20
	defaultIngestTimeout = 10 * time.Second
)

type Ingestor interface {
	Ingest(ctx context.Context, ev domain.InboundEvent) error
}

type EventQueue interface {
	Enqueue(ctx context.Context, ev domain.InboundEvent, receivedAt time.Time) error
}

// Webhook receives WhatsApp Cloud API callbacks. With a Queue set events are
// handed to SQS, otherwise they are ingested inline.
type Webhook struct {
	Engine        Ingestor
	Queue         EventQueue
	VerifyToken   string
	AppSecret     string // empty disables X-Hub-Signature-256 checks
	IngestTimeout time.Duration
	Log           *slog.Logger

	Now func() time.Time
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/whatsapp", wh.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/whatsapp", wh.handleEvents).Methods(http.MethodPost)
}

func (wh *Webhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !whatsapp.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), wh.VerifyToken) {
		wh.logger().Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		http.Error(rw, ErrForbidden, http.StatusForbidden)
		return
	}
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, q.Get("hub.challenge"))
}

func (wh *Webhook) handleEvents(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, ErrBadPayload, http.StatusBadRequest)
		return
	}
	if wh.AppSecret != "" && !whatsapp.VerifySignature(wh.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)) {
		observability.WebhookEvents.WithLabelValues("payload", "bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.WebhookEvents.WithLabelValues("payload", "bad_json").Inc()
		http.Error(rw, ErrBadPayload, http.StatusBadRequest)
		return
	}

	now := wh.now()
	events, skipped := payload.Events(now)
	if skipped > 0 {
		observability.WebhookEvents.WithLabelValues("unsupported", "skipped").Add(float64(skipped))
	}

	// The provider retries anything but a quick 2xx, so failures below are
	// logged and counted, never surfaced in the ack.
	for _, ev := range events {
		wh.handleEvent(r.Context(), ev, now)
	}
	rw.WriteHeader(http.StatusOK)
}

func (wh *Webhook) handleEvent(ctx context.Context, ev domain.InboundEvent, receivedAt time.Time) {
	kind := string(ev.Kind)
	log := wh.logger().With("kind", kind, "provider_message_id", ev.MessageID)

	if wh.Queue != nil {
		if err := wh.Queue.Enqueue(ctx, ev, receivedAt); err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			observability.WebhookEvents.WithLabelValues(kind, "enqueue_failed").Inc()
			log.Error("enqueue webhook event failed", "err", err)
			return
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
		observability.WebhookEvents.WithLabelValues(kind, "enqueued").Inc()
		return
	}

	timeout := wh.IngestTimeout
	if timeout <= 0 {
		timeout = defaultIngestTimeout
	}
	// Detached from the request so a dropped connection does not abort a
	// half-applied event.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := wh.Engine.Ingest(ictx, ev); err != nil {
		observability.WebhookEvents.WithLabelValues(kind, "ingest_failed").Inc()
		log.Error("ingest webhook event failed", "err", err)
		return
	}
	observability.WebhookEvents.WithLabelValues(kind, "ingested").Inc()
}

func (wh *Webhook) now() time.Time {
	if wh.Now != nil {
		return wh.Now()
	}
	return util.NowUTC()
}

func (wh *Webhook) logger() *slog.Logger {
	if wh.Log != nil {
		return wh.Log
	}
	return slog.Default()
}
