package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

const SignatureHeader = "X-Hub-Signature-256"

// WebhookPayload is the Meta webhook delivery: entry[].changes[].value.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []Status         `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Document *Media `json:"document,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Context  *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context,omitempty"`
}

type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// VerifySubscription is the GET handshake check Meta performs when the
// webhook URL is registered.
func VerifySubscription(mode, token, expected string) bool {
	return mode == "subscribe" && expected != "" &&
		hmac.Equal([]byte(token), []byte(expected))
}

// VerifySignature checks X-Hub-Signature-256 ("sha256=<hex>") against the
// HMAC-SHA256 of the raw body keyed by the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(appSecret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureValue formats body's signature as sent in SignatureHeader.
func SignatureValue(appSecret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(appSecret, body))
}

// Events flattens every entry and change of p into canonical events, in
// delivery order. Messages and statuses the service cannot represent are
// counted in skipped. now stands in for unparseable timestamps.
func (p WebhookPayload) Events(now time.Time) (events []domain.InboundEvent, skipped int) {
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			v := ch.Value
			for _, m := range v.Messages {
				ev, ok := messageEvent(m, v.Metadata, now)
				if !ok {
					skipped++
					continue
				}
				events = append(events, ev)
			}
			for _, s := range v.Statuses {
				st := domain.MessageStatus(s.Status)
				if s.ID == "" || !st.Valid() {
					skipped++
					continue
				}
				events = append(events, domain.InboundEvent{
					Kind:        domain.EventStatus,
					MessageID:   s.ID,
					Timestamp:   parseUnix(s.Timestamp, now),
					Status:      st,
					RecipientID: s.RecipientID,
				})
			}
		}
	}
	return events, skipped
}

func messageEvent(m InboundMessage, md Metadata, now time.Time) (domain.InboundEvent, bool) {
	typ := domain.MessageType(m.Type)
	if m.ID == "" || m.From == "" || !typ.Valid() {
		return domain.InboundEvent{}, false
	}
	ev := domain.InboundEvent{
		Kind:      domain.EventMessage,
		MessageID: m.ID,
		Timestamp: parseUnix(m.Timestamp, now),
		From:      m.From,
		To:        md.DisplayPhoneNumber,
		Type:      typ,
	}
	switch typ {
	case domain.TypeText:
		if m.Text != nil {
			ev.Content = m.Text.Body
		}
	case domain.TypeImage:
		ev.Content, ev.MediaID = Placeholder(typ), mediaID(m.Image)
	case domain.TypeDocument:
		ev.Content, ev.MediaID = Placeholder(typ), mediaID(m.Document)
	case domain.TypeAudio:
		ev.Content, ev.MediaID = Placeholder(typ), mediaID(m.Audio)
	case domain.TypeVideo:
		ev.Content, ev.MediaID = Placeholder(typ), mediaID(m.Video)
	default:
		ev.Content = Placeholder(typ)
	}
	if m.Context != nil && m.Context.ID != "" {
		ev.ReplyTo = &domain.ReplyContext{From: m.Context.From, ID: m.Context.ID}
	}
	return ev, true
}

// Placeholder is the display text stored for a non-text message.
func Placeholder(t domain.MessageType) string {
	switch t {
	case domain.TypeImage:
		return "📷 Image message"
	case domain.TypeDocument:
		return "📄 Document message"
	case domain.TypeInteractive:
		return "🔘 Interactive message"
	}
	return "📦 " + string(t) + " message"
}

func mediaID(m *Media) string {
	if m == nil {
		return ""
	}
	return m.ID
}

func parseUnix(s string, fallback time.Time) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return fallback.UTC()
	}
	return time.Unix(sec, 0).UTC()
}
