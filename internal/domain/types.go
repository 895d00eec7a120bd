package domain

import "time"

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationPaused ConversationStatus = "paused"
	ConversationClosed ConversationStatus = "closed"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationPaused, ConversationClosed:
		return true
	}
	return false
}

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeDocument    MessageType = "document"
	TypeAudio       MessageType = "audio"
	TypeVideo       MessageType = "video"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeInteractive MessageType = "interactive"
	TypeTemplate    MessageType = "template"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeDocument, TypeAudio, TypeVideo,
		TypeLocation, TypeContacts, TypeInteractive, TypeTemplate:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Conversation struct {
	ID            string             `json:"id"`
	ParticipantID string             `json:"participantId"`
	Status        ConversationStatus `json:"status"`
	LastMessageAt time.Time          `json:"lastMessageAt"`
	MessageCount  int                `json:"messageCount"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// ReplyContext points at the message being replied to.
type ReplyContext struct {
	From string `json:"from,omitempty"`
	ID   string `json:"id"`
}

type Message struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversationId"`
	ProviderMessageID string        `json:"providerMessageId,omitempty"`
	From              string        `json:"from"`
	To                string        `json:"to"`
	Type              MessageType   `json:"type"`
	Content           string        `json:"content"`
	MediaID           string        `json:"mediaId,omitempty"`
	TemplateName      string        `json:"templateName,omitempty"`
	TemplateLanguage  string        `json:"templateLanguage,omitempty"`
	ReplyTo           *ReplyContext `json:"context,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Status            MessageStatus `json:"status"`
	Direction         Direction     `json:"direction"`
}

type Stats struct {
	TotalMessages       int `json:"totalMessages"`
	TotalConversations  int `json:"totalConversations"`
	ActiveConversations int `json:"activeConversations"`
}
