package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pushpraj-rmx/mba/internal/domain"
	"github.com/pushpraj-rmx/mba/internal/store"
)

// Store is the process-local MessageStore. One RWMutex guards every map, so a
// reader never sees a message without its conversation or a half-applied
// messageCount. Values are copied in and out.
type Store struct {
	mu sync.RWMutex

	messages      map[string]domain.Message
	byProviderID  map[string]string   // provider message id -> message id
	byConv        map[string][]string // conversation id -> message ids, append order
	conversations map[string]domain.Conversation
	byParticipant map[string]string // participant id -> conversation id
}

var _ store.MessageStore = (*Store)(nil)

func New() *Store {
	return &Store{
		messages:      make(map[string]domain.Message),
		byProviderID:  make(map[string]string),
		byConv:        make(map[string][]string),
		conversations: make(map[string]domain.Conversation),
		byParticipant: make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) PutMessage(ctx context.Context, msg domain.Message, now time.Time) (domain.Conversation, error) {
	if msg.ID == "" || msg.ConversationID == "" {
		return domain.Conversation{}, errors.New("memory: message id and conversation id are required")
	}
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	if _, dup := s.messages[msg.ID]; dup {
		return domain.Conversation{}, domain.ErrDuplicate
	}
	if msg.ProviderMessageID != "" {
		if _, dup := s.byProviderID[msg.ProviderMessageID]; dup {
			return domain.Conversation{}, domain.ErrDuplicate
		}
		s.byProviderID[msg.ProviderMessageID] = msg.ID
	}

	s.messages[msg.ID] = copyMessage(msg)
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)

	conv.MessageCount++
	if msg.Timestamp.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.Timestamp
	}
	conv.UpdatedAt = now
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return copyMessage(m), ok, nil
}

func (s *Store) FindMessageByProviderID(ctx context.Context, providerMsgID string) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProviderID[providerMsgID]
	if !ok {
		return domain.Message{}, false, nil
	}
	return copyMessage(s.messages[id]), true, nil
}

func (s *Store) ListMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.byConv[conversationID]
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyMessage(s.messages[id]))
	}
	s.mu.RUnlock()

	// Provider timestamps may arrive out of order; the tail window is by
	// timestamp, ties broken by append order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[in.ID]
	if !ok || m.Status != in.From {
		return false, nil
	}
	m.Status = in.To
	s.messages[in.ID] = m
	return true, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, bool, error) {
	if conv.ID == "" || conv.ParticipantID == "" {
		return domain.Conversation{}, false, errors.New("memory: conversation id and participant id are required")
	}
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byParticipant[conv.ParticipantID]; ok {
		return s.conversations[id], false, nil
	}
	if _, dup := s.conversations[conv.ID]; dup {
		return domain.Conversation{}, false, domain.ErrDuplicate
	}
	s.conversations[conv.ID] = conv
	s.byParticipant[conv.ParticipantID] = conv.ID
	return conv, true, nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus, now time.Time) (domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	c.Status = status
	c.UpdatedAt = now
	s.conversations[id] = c
	return c, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok, nil
}

func (s *Store) GetConversationByParticipant(ctx context.Context, participantID string) (domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byParticipant[participantID]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return s.conversations[id], true, nil
}

func (s *Store) ListActiveConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.Status == domain.ConversationActive {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	if err := ctx.Err(); err != nil {
		return domain.Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := domain.Stats{
		TotalMessages:      len(s.messages),
		TotalConversations: len(s.conversations),
	}
	for _, c := range s.conversations {
		if c.Status == domain.ConversationActive {
			st.ActiveConversations++
		}
	}
	return st, nil
}

func copyMessage(m domain.Message) domain.Message {
	if m.ReplyTo != nil {
		rc := *m.ReplyTo
		m.ReplyTo = &rc
	}
	return m
}
