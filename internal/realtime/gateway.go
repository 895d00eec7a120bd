package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	ClientJoinConversation  = "join-conversation"
	ClientLeaveConversation = "leave-conversation"

	maxFrameBytes    = 16 << 10
	maxPingFailures  = 2
	defaultWriteTO   = 5 * time.Second
	defaultReadIdle  = 75 * time.Second
	defaultHeartbeat = 25 * time.Second
	defaultPingTO    = 5 * time.Second
	closeGrace       = time.Second
)

// Frame is the wire shape in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type GatewayOptions struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// only requests without an Origin header (same-host tools, tests).
	AllowedOrigins []string
	WriteTimeout   time.Duration
	ReadIdle       time.Duration
	Heartbeat      time.Duration
}

// Gateway upgrades HTTP requests to websocket viewers of a Broadcaster.
type Gateway struct {
	b   *Broadcaster
	log *slog.Logger

	allowedOrigins []string
	originPatterns []string
	writeTimeout   time.Duration
	readIdle       time.Duration
	heartbeat      time.Duration
}

func NewGateway(b *Broadcaster, logger *slog.Logger, opts GatewayOptions) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		b:              b,
		log:            logger.With("component", "ws_gateway"),
		allowedOrigins: opts.AllowedOrigins,
		originPatterns: originPatterns(opts.AllowedOrigins),
		writeTimeout:   opts.WriteTimeout,
		readIdle:       opts.ReadIdle,
		heartbeat:      opts.Heartbeat,
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTO
	}
	if g.readIdle <= 0 {
		g.readIdle = defaultReadIdle
	}
	if g.heartbeat <= 0 {
		g.heartbeat = defaultHeartbeat
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws reject origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: containsWildcard(g.allowedOrigins),
	})
	if err != nil {
		g.log.Error("ws accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	// r.Context() is cancelled by net/http once the handler returns, which
	// also unsubscribes.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := g.b.Subscribe(ctx)
	log := g.log.With("sub_id", sub.ID)
	log.Info("ws connected", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case ev := <-sub.Events():
				if err := g.writeEvent(ctx, conn, ev); err != nil {
					log.Info("ws write failed", "err", err)
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.heartbeat)
		defer t.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, pcancel := context.WithTimeout(ctx, defaultPingTO)
				err := conn.Ping(pctx)
				pcancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				if failures >= maxPingFailures {
					log.Info("ws heartbeat failed", "failures", failures, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	status, reason := g.readLoop(ctx, conn, sub, log)

	cancel()
	g.b.Unsubscribe(sub)
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	_ = conn.Close(status, reason)
	log.Info("ws disconnected", "reason", reason)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdle)
		mt, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				return websocket.StatusNormalClosure, "peer closed"
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return websocket.StatusGoingAway, "idle"
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				return websocket.StatusAbnormalClosure, "conn closed"
			default:
				log.Info("ws read failed", "err", err)
				return websocket.StatusAbnormalClosure, "read failed"
			}
		}
		if mt != websocket.MessageText {
			g.sendError(sub, "bad_frame", "text frames only")
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			g.sendError(sub, "bad_json", "invalid JSON")
			continue
		}

		switch f.Event {
		case ClientJoinConversation, ClientLeaveConversation:
			id, err := conversationIDFrom(f.Data)
			if err != nil {
				g.sendError(sub, "bad_request", err.Error())
				continue
			}
			if f.Event == ClientJoinConversation {
				g.b.Join(sub, RoomFor(id))
				log.Debug("joined conversation", "conversation_id", id)
			} else {
				g.b.Leave(sub, RoomFor(id))
				log.Debug("left conversation", "conversation_id", id)
			}
		default:
			g.sendError(sub, "unsupported", fmt.Sprintf("unsupported event: %s", f.Event))
		}
	}
}

// conversationIDFrom accepts either "conv_x" or {"conversationId":"conv_x"}.
func conversationIDFrom(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var obj struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", errors.New("conversation id required")
		}
		id = obj.ConversationID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("conversation id required")
	}
	return id, nil
}

func (g *Gateway) sendError(sub *Subscriber, code, msg string) {
	g.b.Send(sub, Event{Type: EventError, Payload: map[string]string{"code": code, "message": msg}})
}

func (g *Gateway) writeEvent(parent context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Frame{Event: string(ev.Type), Data: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, g.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	host := originHost(origin)
	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return nil
		}
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allow-list
// so both checks agree. Accept matches against host:port, so both the bare
// host and the authority are listed.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
		if u, err := url.Parse(strings.TrimSpace(a)); err == nil && u.Host != "" {
			seen[strings.ToLower(u.Host)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func containsWildcard(allowed []string) bool {
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return true
		}
	}
	return false
}
