package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

type fakeChat struct {
	sendErr   error
	lastSend  domain.SendRequest
	lastLimit int
	convs     map[string]domain.Conversation
	msgs      map[string][]domain.Message
	statusSet domain.ConversationStatus
}

func (f *fakeChat) Send(_ context.Context, req domain.SendRequest) (domain.SendResult, error) {
	f.lastSend = req
	if f.sendErr != nil {
		return domain.SendResult{}, f.sendErr
	}
	if err := req.Validate(); err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageID: "wamid.OUT", Conversation: domain.Conversation{ID: "conv_1", ParticipantID: req.To}}, nil
}

func (f *fakeChat) GetActiveConversations(_ context.Context, limit int) ([]domain.Conversation, error) {
	f.lastLimit = limit
	out := []domain.Conversation{}
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeChat) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeChat) GetConversationByParticipant(_ context.Context, pid string) (domain.Conversation, error) {
	for _, c := range f.convs {
		if c.ParticipantID == pid {
			return c, nil
		}
	}
	return domain.Conversation{}, domain.ErrNotFound
}

func (f *fakeChat) GetConversationMessages(_ context.Context, id string, limit int) ([]domain.Message, error) {
	f.lastLimit = limit
	if _, ok := f.convs[id]; !ok {
		return nil, domain.ErrNotFound
	}
	return f.msgs[id], nil
}

func (f *fakeChat) SetConversationStatus(_ context.Context, id string, status domain.ConversationStatus) (domain.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	if !status.Valid() {
		return domain.Conversation{}, &domain.ValidationError{Field: "status", Reason: "unsupported"}
	}
	f.statusSet = status
	c.Status = status
	return c, nil
}

func (f *fakeChat) GetStats(context.Context) (domain.Stats, error) {
	return domain.Stats{}, domain.Internal("stats", errors.New("db down"))
}

func newTestAPI(f *fakeChat) http.Handler {
	s := New()
	(&API{Svc: f}).Register(s.Mux)
	return s.Mux
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestSendOK(t *testing.T) {
	f := &fakeChat{}
	rec, out := do(t, newTestAPI(f), http.MethodPost, "/api/chat/send", `{"to":"15551234567","type":"text","content":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "wamid.OUT", out["messageId"])
	assert.Equal(t, "15551234567", f.lastSend.To)
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"bad json", nil, `{`, http.StatusBadRequest},
		{"validation", nil, `{"to":"1","type":"text"}`, http.StatusBadRequest},
		{"dispatch", &domain.DispatchError{HTTPStatus: 400, Code: 131026, Err: errors.New("undeliverable")}, `{}`, http.StatusBadGateway},
		{"internal", domain.Internal("put", errors.New("boom")), `{}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := do(t, newTestAPI(&fakeChat{sendErr: tc.err}), http.MethodPost, "/api/chat/send", tc.body)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestDispatchErrorCarriesProviderCode(t *testing.T) {
	f := &fakeChat{sendErr: &domain.DispatchError{HTTPStatus: 400, Code: 131026, Err: errors.New("undeliverable")}}
	_, out := do(t, newTestAPI(f), http.MethodPost, "/api/chat/send", `{}`)
	assert.EqualValues(t, 131026, out["code"])
}

func TestInternalErrorHidesCause(t *testing.T) {
	_, out := do(t, newTestAPI(&fakeChat{}), http.MethodGet, "/api/chat/stats", "")
	assert.Equal(t, ErrInternal, out["error"])
}

func TestConversationRoutes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeChat{
		convs: map[string]domain.Conversation{
			"conv_1": {ID: "conv_1", ParticipantID: "15551234567", Status: domain.ConversationActive, LastMessageAt: now},
		},
		msgs: map[string][]domain.Message{},
	}
	h := newTestAPI(f)

	rec, out := do(t, h, http.MethodGet, "/api/chat/conversations?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["conversations"], 1)
	assert.Equal(t, 5, f.lastLimit)

	rec, out = do(t, h, http.MethodGet, "/api/chat/conversations/conv_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "conv_1", out["conversation"].(map[string]any)["id"])

	rec, out = do(t, h, http.MethodGet, "/api/chat/conversations/conv_x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrConversation404, out["error"])

	rec, out = do(t, h, http.MethodGet, "/api/chat/conversations/participant/15551234567", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, _ = do(t, h, http.MethodGet, "/api/chat/conversations/participant/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = do(t, h, http.MethodGet, "/api/chat/conversations/conv_1/messages?limit=abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, out["messages"])
	assert.Equal(t, 0, f.lastLimit)

	rec, _ = do(t, h, http.MethodGet, "/api/chat/conversations/conv_x/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetStatusRoute(t *testing.T) {
	f := &fakeChat{convs: map[string]domain.Conversation{"conv_1": {ID: "conv_1", Status: domain.ConversationActive}}}
	h := newTestAPI(f)

	rec, out := do(t, h, http.MethodPatch, "/api/chat/conversations/conv_1/status", `{"status":"closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", out["conversation"].(map[string]any)["status"])
	assert.Equal(t, domain.ConversationClosed, f.statusSet)

	rec, _ = do(t, h, http.MethodPatch, "/api/chat/conversations/conv_1/status", `{"status":"archived"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/chat/conversations/conv_1/status", `{"status":"closed"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
