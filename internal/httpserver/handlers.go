package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

// ChatService is the engine surface the API needs.
type ChatService interface {
	Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error)
	GetActiveConversations(ctx context.Context, limit int) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	GetConversationByParticipant(ctx context.Context, participantID string) (domain.Conversation, error)
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) (domain.Conversation, error)
	GetStats(ctx context.Context) (domain.Stats, error)
}

type API struct {
	Svc ChatService
	Log *slog.Logger
}

type sendResponse struct {
	Success      bool                 `json:"success"`
	MessageID    string               `json:"messageId"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
}

type statusRequest struct {
	Status domain.ConversationStatus `json:"status"`
}

func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api/chat").Subrouter()
	api.HandleFunc("/send", a.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/conversations", a.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/participant/{participantId}", a.handleGetByParticipant).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", a.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", a.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/status", a.handleSetStatus).Methods(http.MethodPatch)
	api.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	res, err := a.Svc.Send(r.Context(), req)
	if err != nil {
		a.fail(w, err, "send failed", "to", req.To, "type", string(req.Type))
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: res.MessageID, Conversation: &res.Conversation})
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.Svc.GetActiveConversations(r.Context(), limitParam(r))
	if err != nil {
		a.fail(w, err, "list conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversations": convs})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := a.Svc.GetConversation(r.Context(), id)
	if err != nil {
		a.fail(w, err, "get conversation failed", "conversation_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": conv})
}

func (a *API) handleGetByParticipant(w http.ResponseWriter, r *http.Request) {
	pid := mux.Vars(r)["participantId"]
	conv, err := a.Svc.GetConversationByParticipant(r.Context(), pid)
	if err != nil {
		a.fail(w, err, "get conversation by participant failed", "participant_id", pid)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": conv})
}

func (a *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := a.Svc.GetConversationMessages(r.Context(), id, limitParam(r))
	if err != nil {
		a.fail(w, err, "get messages failed", "conversation_id", id)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	conv, err := a.Svc.SetConversationStatus(r.Context(), id, req.Status)
	if err != nil {
		a.fail(w, err, "set conversation status failed", "conversation_id", id, "status", string(req.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": conv})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Svc.GetStats(r.Context())
	if err != nil {
		a.fail(w, err, "get stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (a *API) fail(w http.ResponseWriter, err error, msg string, kv ...any) {
	status := writeDomainError(w, err)
	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		a.logger().Error(msg, append(kv, "err", err, "status", status)...)
	}
}

func (a *API) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// limitParam returns 0 (engine default) for a missing or malformed limit.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
