package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/providers/whatsapp"
)

type step struct {
	id     string
	status int
	err    error
}

type fakeSender struct {
	mu    sync.Mutex
	steps []step
	calls []whatsapp.SendRequest
}

func (f *fakeSender) Send(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	var resp whatsapp.SendResponse
	if s.id != "" {
		resp.Messages = append(resp.Messages, struct {
			ID string `json:"id"`
		}{ID: s.id})
	}
	if s.err != nil {
		resp.Error = &whatsapp.APIError{Message: s.err.Error(), Code: 131026}
	}
	return resp, s.status, nil, s.err
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestDispatchSuccessMapsRequest(t *testing.T) {
	f := &fakeSender{steps: []step{{id: "wamid.1", status: http.StatusOK}}}
	d := &Dispatcher{Sender: f, sleep: noSleep}

	id, err := d.Dispatch(context.Background(), domain.SendRequest{
		To: "15550002", Type: domain.TypeTemplate, Content: "x", TemplateName: "hello_world",
		Context: &domain.SendContext{MessageID: "wamid.IN"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if id != "wamid.1" {
		t.Fatalf("expected wamid.1, got %s", id)
	}
	got := f.calls[0]
	if got.Type != "template" || got.TemplateLanguage != "en_US" || got.ReplyToID != "wamid.IN" {
		t.Fatalf("unexpected provider request %+v", got)
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	f := &fakeSender{steps: []step{
		{status: http.StatusServiceUnavailable, err: errors.New("unavailable")},
		{status: http.StatusTooManyRequests, err: errors.New("slow down")},
		{id: "wamid.2", status: http.StatusOK},
	}}
	d := &Dispatcher{Sender: f, sleep: noSleep}

	id, err := d.Dispatch(context.Background(), domain.SendRequest{To: "1", Type: domain.TypeText, Content: "hi"})
	if err != nil || id != "wamid.2" {
		t.Fatalf("expected success after retries, got id=%s err=%v", id, err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(f.calls))
	}
}

func TestDispatchNonRetryableIsDispatchError(t *testing.T) {
	f := &fakeSender{steps: []step{{status: http.StatusBadRequest, err: errors.New("Recipient not on allow list")}}}
	d := &Dispatcher{Sender: f, sleep: noSleep}

	_, err := d.Dispatch(context.Background(), domain.SendRequest{To: "1", Type: domain.TypeText, Content: "hi"})
	var de *domain.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if de.HTTPStatus != http.StatusBadRequest || de.Code != 131026 {
		t.Fatalf("unexpected dispatch error %+v", de)
	}
	if len(f.calls) != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", len(f.calls))
	}
}

func TestDispatchRetriesExhausted(t *testing.T) {
	f := &fakeSender{steps: []step{{status: http.StatusBadGateway, err: errors.New("bad gateway")}}}
	d := &Dispatcher{Sender: f, sleep: noSleep}

	_, err := d.Dispatch(context.Background(), domain.SendRequest{To: "1", Type: domain.TypeText, Content: "hi"})
	if !domain.IsDispatch(err) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if len(f.calls) != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, len(f.calls))
	}
}

func TestDispatchOpenBreakerFailsFast(t *testing.T) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "test",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	f := &fakeSender{steps: []step{{status: http.StatusBadRequest, err: errors.New("nope")}}}
	d := &Dispatcher{Sender: f, Breaker: cb, sleep: noSleep}

	_, _ = d.Dispatch(context.Background(), domain.SendRequest{To: "1", Type: domain.TypeText, Content: "hi"})
	_, err := d.Dispatch(context.Background(), domain.SendRequest{To: "1", Type: domain.TypeText, Content: "hi"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", len(f.calls))
	}
}
