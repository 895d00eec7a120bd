package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/observability"
	"github.com/pushpraj-rmx/mba/internal/providers/whatsapp"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
	maxAttempts           = 3
)

type Sender interface {
	Send(ctx context.Context, req whatsapp.SendRequest) (whatsapp.SendResponse, int, []byte, error)
}

// Dispatcher hands outbound messages to WhatsApp. It is the engine's provider
// client: one call either yields a provider message id or a
// *domain.DispatchError, never both.
type Dispatcher struct {
	Sender  Sender
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Log     *slog.Logger

	// Timeout bounds the whole dispatch including retries and backoff.
	Timeout        time.Duration
	AttemptTimeout time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewBreaker returns the breaker settings used in production.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

func (d *Dispatcher) Dispatch(ctx context.Context, req domain.SendRequest) (string, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wreq := whatsapp.SendRequest{
		To:                 req.To,
		Type:               string(req.Type),
		Body:               req.Content,
		TemplateName:       req.TemplateName,
		TemplateComponents: req.TemplateComponents,
	}
	if req.Type == domain.TypeTemplate {
		wreq.TemplateLanguage = req.Language()
	}
	if req.Context != nil {
		wreq.ReplyToID = req.Context.MessageID
	}

	start := time.Now()
	defer func() { observability.ProviderLatency.Observe(time.Since(start).Seconds()) }()

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				observability.ProviderSend.WithLabelValues("rate_limited_local", "0").Inc()
				return "", &domain.DispatchError{Err: err}
			}
		}

		res, err := d.executeWithBreaker(ctx, wreq)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderSend.WithLabelValues("cb_open", "0").Inc()
			return "", &domain.DispatchError{Err: err}
		}
		if err == nil {
			observability.ProviderSend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
			return res.resp.MessageID(), nil
		}

		lastErr = err
		lastStatus = 0
		var ce callError
		if errors.As(err, &ce) {
			lastStatus = ce.httpStatus
		}
		observability.ProviderSend.WithLabelValues("error", strconv.Itoa(lastStatus)).Inc()
		d.logger().Warn("whatsapp send failed",
			"attempt", attempt+1,
			"http_status", lastStatus,
			"err", err,
		)

		if !whatsapp.ShouldRetry(err, lastStatus) || attempt == maxAttempts-1 {
			break
		}
		if err := d.wait(ctx, whatsapp.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	de := &domain.DispatchError{HTTPStatus: lastStatus, Err: lastErr}
	var ce callError
	if errors.As(lastErr, &ce) && ce.resp.Error != nil {
		de.Code = ce.resp.Error.Code
	}
	return "", de
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, req whatsapp.SendRequest) (sendResult, error) {
	call := func() (any, error) {
		attemptTimeout := d.AttemptTimeout
		if attemptTimeout <= 0 {
			attemptTimeout = DefaultAttemptTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		resp, httpStatus, _, err := d.Sender.Send(reqCtx, req)
		if err != nil {
			return nil, callError{err: err, httpStatus: httpStatus, resp: resp}
		}
		return sendResult{resp: resp, httpStatus: httpStatus}, nil
	}

	var (
		out any
		err error
	)
	if d.Breaker == nil {
		out, err = call()
	} else {
		out, err = d.Breaker.Execute(call)
	}
	if err != nil {
		return sendResult{}, err
	}
	return out.(sendResult), nil
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) error {
	if d.sleep != nil {
		return d.sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

type sendResult struct {
	resp       whatsapp.SendResponse
	httpStatus int
}

type callError struct {
	err        error
	httpStatus int
	resp       whatsapp.SendResponse
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }
