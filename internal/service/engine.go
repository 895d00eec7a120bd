package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/observability"
	"github.com/pushpraj-rmx/mba/internal/realtime"
	"github.com/pushpraj-rmx/mba/internal/store"
	"github.com/pushpraj-rmx/mba/internal/util"
)

const (
	DefaultMessageLimit      = 50
	DefaultConversationLimit = 20
	MaxQueryLimit            = 500

	autoReplyText = "Hello! How can I help you today?"

	// CAS retries for a status update racing another process on the same row.
	maxStatusCAS = 3

	// Bounds the store write of a message the provider already accepted.
	persistTimeout = 5 * time.Second
)

// Provider dispatches an outbound message and returns the provider-assigned
// message id.
type Provider interface {
	Dispatch(ctx context.Context, req domain.SendRequest) (string, error)
}

// ReadMarker acknowledges inbound messages to the provider.
type ReadMarker interface {
	MarkRead(ctx context.Context, providerMessageID string) error
}

type Publisher interface {
	Publish(ev realtime.Event)
}

type NewMessagePayload struct {
	Message      domain.Message      `json:"message"`
	Conversation domain.Conversation `json:"conversation"`
}

type MessageSentPayload struct {
	MessageID    string              `json:"messageId"`
	Conversation domain.Conversation `json:"conversation"`
}

type StatusPayload struct {
	MessageID   string               `json:"messageId"`
	Status      domain.MessageStatus `json:"status"`
	RecipientID string               `json:"recipientId,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

type Option func(*ConversationEngine)

func WithLogger(l *slog.Logger) Option { return func(e *ConversationEngine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *ConversationEngine) { e.now = now } }

// WithBusinessNumber sets the "from" of outbound messages.
func WithBusinessNumber(n string) Option { return func(e *ConversationEngine) { e.businessNumber = n } }

// WithAutoReply answers inbound "hello"/"hi" with a greeting.
func WithAutoReply(enabled bool) Option { return func(e *ConversationEngine) { e.autoReply = enabled } }

// WithReadReceipts marks every newly stored inbound message as read.
func WithReadReceipts(m ReadMarker) Option { return func(e *ConversationEngine) { e.readMarker = m } }

// ConversationEngine is the only writer of the MessageStore and the only
// source of realtime events. Mutations of one conversation are serialized and
// their events are published before the lock is released, so subscribers see
// them in commit order.
type ConversationEngine struct {
	store    store.MessageStore
	provider Provider
	events   Publisher

	log            *slog.Logger
	now            func() time.Time
	businessNumber string
	autoReply      bool
	readMarker     ReadMarker

	participants  *keyedMutex
	conversations *keyedMutex
	background    sync.WaitGroup
}

func New(st store.MessageStore, provider Provider, events Publisher, opts ...Option) *ConversationEngine {
	e := &ConversationEngine{
		store:         st,
		provider:      provider,
		events:        events,
		log:           slog.Default(),
		now:           util.NowUTC,
		participants:  newKeyedMutex(),
		conversations: newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Wait blocks until background work started by Ingest (read receipts and
// auto-replies) is done.
func (e *ConversationEngine) Wait() { e.background.Wait() }

// Ingest folds one provider event into conversation state. Unknown messages
// in status events and redelivered message events are no-ops.
func (e *ConversationEngine) Ingest(ctx context.Context, ev domain.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		observability.Ingested.WithLabelValues(string(ev.Kind), "invalid").Inc()
		return err
	}
	var err error
	switch ev.Kind {
	case domain.EventMessage:
		err = e.ingestMessage(ctx, ev)
	case domain.EventStatus:
		err = e.ingestStatus(ctx, ev)
	}
	if err != nil {
		observability.Ingested.WithLabelValues(string(ev.Kind), "error").Inc()
	}
	return err
}

func (e *ConversationEngine) ingestMessage(ctx context.Context, ev domain.InboundEvent) error {
	participant := util.NormalizePhone(ev.From)
	if participant == "" {
		return &domain.ValidationError{Field: "from", Reason: "is not a valid participant id"}
	}
	log := e.log.With("provider_message_id", ev.MessageID, "participant_id", participant)

	conv, err := e.resolveConversation(ctx, participant)
	if err != nil {
		return err
	}

	unlock := e.conversations.Lock(conv.ID)
	msg, inserted, err := e.appendInbound(ctx, conv.ID, participant, ev)
	unlock()
	if err != nil {
		return err
	}
	if !inserted {
		observability.Ingested.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		log.Info("duplicate inbound message ignored")
		return nil
	}
	observability.Ingested.WithLabelValues(string(ev.Kind), "ok").Inc()
	log.Info("inbound message stored", "message_id", msg.ID, "conversation_id", msg.ConversationID, "type", string(msg.Type))

	if e.readMarker != nil {
		e.background.Add(1)
		go func() {
			defer e.background.Done()
			e.markRead(context.WithoutCancel(ctx), ev.MessageID)
		}()
	}
	if e.autoReply && isGreeting(msg) {
		e.background.Add(1)
		go func() {
			defer e.background.Done()
			e.sendAutoReply(context.WithoutCancel(ctx), participant, ev.MessageID)
		}()
	}
	return nil
}

// appendInbound runs under the conversation lock.
func (e *ConversationEngine) appendInbound(ctx context.Context, convID, participant string, ev domain.InboundEvent) (domain.Message, bool, error) {
	if _, found, err := e.store.FindMessageByProviderID(ctx, ev.MessageID); err != nil {
		return domain.Message{}, false, domain.Internal("find message", err)
	} else if found {
		return domain.Message{}, false, nil
	}

	msg := domain.Message{
		ID:                util.NewMessageID(),
		ConversationID:    convID,
		ProviderMessageID: ev.MessageID,
		From:              participant,
		To:                ev.To,
		Type:              ev.Type,
		Content:           ev.Content,
		MediaID:           ev.MediaID,
		ReplyTo:           ev.ReplyTo,
		Timestamp:         ev.Timestamp.UTC(),
		Status:            domain.StatusDelivered,
		Direction:         domain.DirectionIncoming,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now()
	}

	conv, err := e.store.PutMessage(ctx, msg, e.now())
	if errors.Is(err, domain.ErrDuplicate) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, domain.Internal("put message", err)
	}

	e.events.Publish(realtime.Event{
		Type:    realtime.EventNewMessage,
		Room:    realtime.RoomFor(conv.ID),
		Payload: NewMessagePayload{Message: msg, Conversation: conv},
	})
	e.events.Publish(realtime.Event{Type: realtime.EventConversationUpdated, Payload: conv})
	return msg, true, nil
}

func (e *ConversationEngine) ingestStatus(ctx context.Context, ev domain.InboundEvent) error {
	log := e.log.With("message_id", ev.MessageID, "status", string(ev.Status))

	msg, found, err := e.findMessage(ctx, ev.MessageID)
	if err != nil {
		return err
	}
	if !found {
		observability.Ingested.WithLabelValues(string(ev.Kind), "not_found").Inc()
		log.Warn("message not found for status update")
		return nil
	}

	unlock := e.conversations.Lock(msg.ConversationID)
	defer unlock()

	for attempt := 0; attempt < maxStatusCAS; attempt++ {
		cur, ok, err := e.store.GetMessage(ctx, msg.ID)
		if err != nil {
			return domain.Internal("get message", err)
		}
		if !ok {
			return nil
		}
		next, changed := cur.Status.Advance(ev.Status)
		if !changed {
			observability.Ingested.WithLabelValues(string(ev.Kind), "unchanged").Inc()
			log.Debug("status update ignored", "current", string(cur.Status))
			return nil
		}
		applied, err := e.store.UpdateMessageStatus(ctx, store.MessageStatusUpdate{
			ID: cur.ID, From: cur.Status, To: next, Now: e.now(),
		})
		if err != nil {
			return domain.Internal("update status", err)
		}
		if !applied {
			continue
		}

		e.events.Publish(realtime.Event{
			Type: realtime.EventMessageStatusUpdated,
			Payload: StatusPayload{
				MessageID:   cur.ID,
				Status:      next,
				RecipientID: ev.RecipientID,
				Timestamp:   ev.Timestamp.UTC(),
			},
		})
		observability.Ingested.WithLabelValues(string(ev.Kind), "ok").Inc()
		log.Info("message status updated", "from", string(cur.Status), "conversation_id", cur.ConversationID)
		return nil
	}
	return domain.Internal("update status", fmt.Errorf("message %s: status kept changing", msg.ID))
}

// findMessage resolves a provider id: outbound messages are keyed by it,
// inbound ones carry it as ProviderMessageID.
func (e *ConversationEngine) findMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	m, ok, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, false, domain.Internal("get message", err)
	}
	if ok {
		return m, true, nil
	}
	m, ok, err = e.store.FindMessageByProviderID(ctx, id)
	if err != nil {
		return domain.Message{}, false, domain.Internal("find message", err)
	}
	return m, ok, nil
}

// Send dispatches req and records the message once the provider accepted it.
// A failed dispatch leaves no message and emits nothing.
func (e *ConversationEngine) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if err := req.Validate(); err != nil {
		return domain.SendResult{}, err
	}
	to := util.NormalizePhone(req.To)
	if to == "" {
		return domain.SendResult{}, &domain.ValidationError{Field: "to", Reason: "is not a valid participant id"}
	}
	req.To = to
	log := e.log.With("participant_id", to, "type", string(req.Type))

	conv, err := e.resolveConversation(ctx, to)
	if err != nil {
		return domain.SendResult{}, err
	}

	// No lock is held across the provider round trip.
	providerID, err := e.provider.Dispatch(ctx, req)
	if err == nil && providerID == "" {
		err = errors.New("provider returned an empty message id")
	}
	if err != nil {
		log.Warn("send failed", "conversation_id", conv.ID, "err", err)
		if !domain.IsDispatch(err) {
			err = &domain.DispatchError{Err: err}
		}
		return domain.SendResult{}, err
	}

	msg := domain.Message{
		ID:                providerID,
		ConversationID:    conv.ID,
		ProviderMessageID: providerID,
		From:              e.businessNumber,
		To:                to,
		Type:              req.Type,
		Content:           req.Content,
		Timestamp:         e.now(),
		Status:            domain.StatusSent,
		Direction:         domain.DirectionOutgoing,
	}
	if req.Type == domain.TypeTemplate {
		msg.TemplateName = req.TemplateName
		msg.TemplateLanguage = req.Language()
	}
	if req.Context != nil && req.Context.MessageID != "" {
		msg.ReplyTo = &domain.ReplyContext{ID: req.Context.MessageID}
	}

	// The provider has the message now; a caller giving up must not lose it.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	unlock := e.conversations.Lock(conv.ID)
	updated, err := e.store.PutMessage(pctx, msg, e.now())
	if err == nil {
		e.events.Publish(realtime.Event{
			Type:    realtime.EventMessageSent,
			Room:    realtime.RoomFor(updated.ID),
			Payload: MessageSentPayload{MessageID: msg.ID, Conversation: updated},
		})
		e.events.Publish(realtime.Event{Type: realtime.EventConversationUpdated, Payload: updated})
	}
	unlock()
	if err != nil {
		// The provider accepted the message but it could not be recorded.
		log.Error("sent message not stored", "message_id", providerID, "conversation_id", conv.ID, "err", err)
		return domain.SendResult{}, domain.Internal("put message", err)
	}

	log.Info("outbound message sent", "message_id", msg.ID, "conversation_id", updated.ID)
	return domain.SendResult{MessageID: msg.ID, Conversation: updated}, nil
}

func (e *ConversationEngine) sendAutoReply(ctx context.Context, to, replyTo string) {
	_, err := e.Send(ctx, domain.SendRequest{
		To:      to,
		Type:    domain.TypeText,
		Content: autoReplyText,
		Context: &domain.SendContext{MessageID: replyTo},
	})
	if err != nil {
		e.log.Warn("auto-reply failed", "participant_id", to, "err", err)
	}
}

func (e *ConversationEngine) markRead(ctx context.Context, providerMessageID string) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := e.readMarker.MarkRead(ctx, providerMessageID); err != nil {
		e.log.Warn("mark read failed", "provider_message_id", providerMessageID, "err", err)
	}
}

func isGreeting(m domain.Message) bool {
	if m.Type != domain.TypeText {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(m.Content)) {
	case "hello", "hi":
		return true
	}
	return false
}

// resolveConversation returns the participant's conversation, creating an
// active one on first contact.
func (e *ConversationEngine) resolveConversation(ctx context.Context, participant string) (domain.Conversation, error) {
	unlock := e.participants.Lock(participant)
	defer unlock()

	conv, found, err := e.store.GetConversationByParticipant(ctx, participant)
	if err != nil {
		return domain.Conversation{}, domain.Internal("get conversation", err)
	}
	if found {
		return conv, nil
	}

	now := e.now()
	conv, created, err := e.store.CreateConversation(ctx, domain.Conversation{
		ID:            util.NewConversationID(),
		ParticipantID: participant,
		Status:        domain.ConversationActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Conversation{}, domain.Internal("create conversation", err)
	}
	if created {
		e.log.Info("conversation created", "conversation_id", conv.ID, "participant_id", participant)
	}
	return conv, nil
}

// SetConversationStatus pauses, closes or reopens a conversation.
func (e *ConversationEngine) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) (domain.Conversation, error) {
	if !status.Valid() {
		return domain.Conversation{}, &domain.ValidationError{Field: "status", Reason: "must be active, paused or closed"}
	}
	unlock := e.conversations.Lock(id)
	defer unlock()

	conv, found, err := e.store.UpdateConversationStatus(ctx, id, status, e.now())
	if err != nil {
		return domain.Conversation{}, domain.Internal("update conversation", err)
	}
	if !found {
		return domain.Conversation{}, domain.ErrNotFound
	}
	e.events.Publish(realtime.Event{Type: realtime.EventConversationUpdated, Payload: conv})
	e.log.Info("conversation status changed", "conversation_id", id, "status", string(status))
	return conv, nil
}

func (e *ConversationEngine) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := e.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := e.store.ListMessagesByConversation(ctx, conversationID, clampLimit(limit, DefaultMessageLimit))
	if err != nil {
		return nil, domain.Internal("list messages", err)
	}
	return msgs, nil
}

func (e *ConversationEngine) GetActiveConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	convs, err := e.store.ListActiveConversations(ctx, clampLimit(limit, DefaultConversationLimit))
	if err != nil {
		return nil, domain.Internal("list conversations", err)
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}

func (e *ConversationEngine) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	conv, found, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, domain.Internal("get conversation", err)
	}
	if !found {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return conv, nil
}

func (e *ConversationEngine) GetConversationByParticipant(ctx context.Context, participantID string) (domain.Conversation, error) {
	conv, found, err := e.store.GetConversationByParticipant(ctx, util.NormalizePhone(participantID))
	if err != nil {
		return domain.Conversation{}, domain.Internal("get conversation", err)
	}
	if !found {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return conv, nil
}

func (e *ConversationEngine) GetStats(ctx context.Context) (domain.Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return domain.Stats{}, domain.Internal("stats", err)
	}
	return st, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
