package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventStatus  EventKind = "status"
)

// InboundEvent is the canonical shape of one provider webhook event.
// Message events fill From/Type/Content/ReplyTo, status events fill
// Status/RecipientID. MessageID is the provider message id in both.
type InboundEvent struct {
	Kind        EventKind     `json:"kind"`
	MessageID   string        `json:"messageId"`
	Timestamp   time.Time     `json:"timestamp"`
	From        string        `json:"from,omitempty"`
	To          string        `json:"to,omitempty"`
	Type        MessageType   `json:"type,omitempty"`
	Content     string        `json:"content,omitempty"`
	MediaID     string        `json:"mediaId,omitempty"`
	ReplyTo     *ReplyContext `json:"context,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	RecipientID string        `json:"recipientId,omitempty"`
}

func (e InboundEvent) Validate() error {
	if e.MessageID == "" {
		return missing("messageId")
	}
	switch e.Kind {
	case EventMessage:
		if e.From == "" {
			return missing("from")
		}
		if !e.Type.Valid() {
			return &ValidationError{Field: "type", Reason: "unsupported message type " + string(e.Type)}
		}
	case EventStatus:
		if !e.Status.Valid() {
			return &ValidationError{Field: "status", Reason: "unsupported status " + string(e.Status)}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "unsupported event kind " + string(e.Kind)}
	}
	return nil
}

const DefaultTemplateLanguage = "en_US"

type SendContext struct {
	MessageID string `json:"messageId"`
}

type SendRequest struct {
	To                 string            `json:"to"`
	Type               MessageType       `json:"type"`
	Content            string            `json:"content"`
	TemplateName       string            `json:"templateName,omitempty"`
	TemplateLanguage   string            `json:"templateLanguage,omitempty"`
	TemplateComponents []json.RawMessage `json:"templateComponents,omitempty"`
	Context            *SendContext      `json:"context,omitempty"`
}

func (r SendRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return missing("to")
	}
	if r.Type == "" {
		return missing("type")
	}
	if r.Type != TypeText && r.Type != TypeTemplate {
		return &ValidationError{Field: "type", Reason: "must be text or template"}
	}
	if strings.TrimSpace(r.Content) == "" {
		return missing("content")
	}
	if r.Type == TypeTemplate && strings.TrimSpace(r.TemplateName) == "" {
		return missing("templateName")
	}
	return nil
}

func (r SendRequest) Language() string {
	if r.TemplateLanguage == "" {
		return DefaultTemplateLanguage
	}
	return r.TemplateLanguage
}

type SendResult struct {
	MessageID    string       `json:"messageId"`
	Conversation Conversation `json:"conversation"`
}
