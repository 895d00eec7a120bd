package store

import (
	"context"
	"time"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

// MessageStore holds conversations and messages. It carries no business rules
// beyond the atomicity each method documents; every operation is linearizable
// per key.
type MessageStore interface {
	// PutMessage inserts msg and, in the same atomic step, bumps the owning
	// conversation's messageCount, lastMessageAt (never moving it backwards)
	// and updatedAt. It returns the updated conversation. ErrNotFound means the
	// conversation does not exist, ErrDuplicate that the message id or provider
	// message id is already stored.
	PutMessage(ctx context.Context, msg domain.Message, now time.Time) (domain.Conversation, error)
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	FindMessageByProviderID(ctx context.Context, providerMsgID string) (domain.Message, bool, error)
	// ListMessagesByConversation returns the most recent limit messages,
	// oldest first.
	ListMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	// UpdateMessageStatus sets To only if the stored status still equals From.
	UpdateMessageStatus(ctx context.Context, in MessageStatusUpdate) (bool, error)

	// CreateConversation inserts conv unless a conversation already exists for
	// conv.ParticipantID, in which case the existing one is returned with
	// created=false.
	CreateConversation(ctx context.Context, conv domain.Conversation) (out domain.Conversation, created bool, err error)
	UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus, now time.Time) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	GetConversationByParticipant(ctx context.Context, participantID string) (domain.Conversation, bool, error)
	// ListActiveConversations returns active conversations, most recently
	// active first.
	ListActiveConversations(ctx context.Context, limit int) ([]domain.Conversation, error)

	Stats(ctx context.Context) (domain.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

type MessageStatusUpdate struct {
	ID   string
	From domain.MessageStatus
	To   domain.MessageStatus
	Now  time.Time
}
