package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/pushpraj-rmx/mba/internal/config"
	"github.com/pushpraj-rmx/mba/internal/providers/whatsapp"
)

// server imitates the WhatsApp Cloud API messages endpoint and reports
// delivery progress back through signed status webhooks.
type server struct {
	cfg    config.MockProviderConfig
	seq    atomic.Uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client

	sleep    func(ctx context.Context, d time.Duration) bool
	inflight sync.WaitGroup
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             *struct {
		Body string `json:"body"`
	} `json:"text"`
	Template *struct {
		Name string `json:"name"`
	} `json:"template"`

	// mark-as-read calls share the endpoint
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

type sendResponse struct {
	MessagingProduct string         `json:"messaging_product"`
	Contacts         []contactEntry `json:"contacts"`
	Messages         []messageEntry `json:"messages"`
}

type contactEntry struct {
	Input string `json:"input"`
	WaID  string `json:"wa_id"`
}

type messageEntry struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error whatsapp.APIError `json:"error"`
}

func newServer(cfg config.MockProviderConfig, rng *rand.Rand) *server {
	return &server{
		cfg:    cfg,
		rng:    rng,
		client: &http.Client{Timeout: 5 * time.Second},
		sleep:  sleepCtx,
	}
}

func (s *server) register(r *mux.Router) {
	r.HandleFunc("/{version}/{phoneNumberId}/messages", s.handleSend).Methods(http.MethodPost)
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeGraphError(w, http.StatusUnauthorized, 190, "OAuthException", "Invalid OAuth access token.")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGraphError(w, http.StatusBadRequest, 100, "OAuthException", "(#100) Invalid JSON")
		return
	}
	if req.Status == "read" {
		if req.MessageID == "" {
			writeGraphError(w, http.StatusBadRequest, 100, "OAuthException", "(#100) message_id is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if msg := validateSend(req); msg != "" {
		writeGraphError(w, http.StatusBadRequest, 100, "OAuthException", msg)
		return
	}

	if !s.sleep(r.Context(), s.cfg.Latency) {
		return
	}

	if s.roll(s.cfg.RejectPercent) {
		writeGraphError(w, http.StatusBadRequest, 131026, "OAuthException", "Message undeliverable")
		return
	}

	wamid := fmt.Sprintf("wamid.MOCK%012d", s.seq.Add(1))
	final := "read"
	if s.roll(s.cfg.FailPercent) {
		final = "failed"
	}
	// Statuses start after StatusDelay, normally well after the response.
	s.reportStatuses(mux.Vars(r)["phoneNumberId"], wamid, req.To, final)

	writeJSON(w, http.StatusOK, sendResponse{
		MessagingProduct: "whatsapp",
		Contacts:         []contactEntry{{Input: req.To, WaID: req.To}},
		Messages:         []messageEntry{{ID: wamid}},
	})
}

func validateSend(req sendRequest) string {
	if req.MessagingProduct != "whatsapp" {
		return "(#100) messaging_product must be whatsapp"
	}
	if req.To == "" {
		return "(#100) to is required"
	}
	switch req.Type {
	case "text":
		if req.Text == nil || strings.TrimSpace(req.Text.Body) == "" {
			return "(#100) text.body is required"
		}
	case "template":
		if req.Template == nil || req.Template.Name == "" {
			return "(#100) template.name is required"
		}
	default:
		return "(#100) unsupported message type " + req.Type
	}
	return ""
}

// reportStatuses posts sent -> delivered -> read (or sent -> failed) in the
// background, one webhook per step.
func (s *server) reportStatuses(phoneNumberID, wamid, to, final string) {
	if s.cfg.WebhookURL == "" {
		return
	}
	steps := []string{"sent", "delivered", "read"}
	if final == "failed" {
		steps = []string{"sent", "failed"}
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx := context.Background()
		for _, st := range steps {
			if !s.sleep(ctx, s.cfg.StatusDelay) {
				return
			}
			payload := s.statusPayload(phoneNumberID, wamid, to, st, time.Now())
			if err := s.postWebhook(ctx, payload); err != nil {
				slog.Error("mock status webhook failed", "err", err, "message_id", wamid, "status", st)
				return
			}
		}
	}()
}

func (s *server) statusPayload(phoneNumberID, wamid, to, status string, at time.Time) whatsapp.WebhookPayload {
	return whatsapp.WebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.Entry{{
			ID: "MOCK_WABA",
			Changes: []whatsapp.Change{{
				Field: "messages",
				Value: whatsapp.ChangeValue{
					MessagingProduct: "whatsapp",
					Metadata:         whatsapp.Metadata{DisplayPhoneNumber: s.cfg.DisplayNumber, PhoneNumberID: phoneNumberID},
					Statuses: []whatsapp.Status{{
						ID:          wamid,
						Status:      status,
						Timestamp:   strconv.FormatInt(at.Unix(), 10),
						RecipientID: to,
					}},
				},
			}},
		}},
	}
}

func (s *server) postWebhook(ctx context.Context, payload whatsapp.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	attempts := s.cfg.WebhookMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.AppSecret != "" {
			req.Header.Set(whatsapp.SignatureHeader, whatsapp.SignatureValue(s.cfg.AppSecret, body))
		}

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil && !whatsapp.ShouldRetry(nil, status) {
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("webhook post failed: status=%d", status)
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		if !s.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return lastErr
}

// retryBackoff is base * 2^attempt, capped.
func (s *server) retryBackoff(attempt int) time.Duration {
	base := s.cfg.WebhookRetryBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := s.cfg.WebhookRetryMax
	if max <= 0 {
		max = 10 * time.Second
	}
	wait := base << attempt
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

func (s *server) roll(percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(100) < percent
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeGraphError(w http.ResponseWriter, status, code int, typ, msg string) {
	writeJSON(w, status, errorResponse{Error: whatsapp.APIError{
		Message:   msg,
		Type:      typ,
		Code:      code,
		FBTraceID: "mock-trace",
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
