package whatsapp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000", "phone_number_id": "PNID"},
        "messages": [
          {"from": "15550001", "id": "wamid.A", "timestamp": "1700000000", "type": "text", "text": {"body": "Hi"}},
          {"from": "15550001", "id": "wamid.B", "timestamp": "1700000005", "type": "image", "image": {"id": "media-1"},
           "context": {"from": "15550000", "id": "wamid.OUT"}},
          {"from": "15550001", "id": "wamid.C", "timestamp": "1700000006", "type": "sticker"}
        ]
      }
    }, {
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "15550000", "phone_number_id": "PNID"},
        "statuses": [
          {"id": "wamid.OUT", "status": "read", "timestamp": "1700000010", "recipient_id": "15550001"},
          {"id": "wamid.OUT", "status": "deleted", "timestamp": "1700000011", "recipient_id": "15550001"}
        ]
      }
    }]
  }]
}`

func TestEventsFlattensAllChanges(t *testing.T) {
	var p WebhookPayload
	if err := json.Unmarshal([]byte(samplePayload), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	events, skipped := p.Events(time.Now())
	if skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", skipped)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	text := events[0]
	if text.Kind != domain.EventMessage || text.Content != "Hi" || text.To != "15550000" {
		t.Fatalf("unexpected text event %+v", text)
	}
	if !text.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", text.Timestamp)
	}

	img := events[1]
	if img.Content != "📷 Image message" || img.MediaID != "media-1" {
		t.Fatalf("unexpected image event %+v", img)
	}
	if img.ReplyTo == nil || img.ReplyTo.ID != "wamid.OUT" {
		t.Fatalf("expected reply context, got %+v", img.ReplyTo)
	}

	st := events[2]
	if st.Kind != domain.EventStatus || st.Status != domain.StatusRead || st.RecipientID != "15550001" {
		t.Fatalf("unexpected status event %+v", st)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("event %s should validate: %v", ev.MessageID, err)
		}
	}
}

func TestEventsFallbackTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := WebhookPayload{Entry: []Entry{{Changes: []Change{{Value: ChangeValue{
		Messages: []InboundMessage{{From: "1", ID: "wamid.X", Timestamp: "garbage", Type: "location"}},
	}}}}}}
	events, _ := p.Events(now)
	if len(events) != 1 || !events[0].Timestamp.Equal(now) {
		t.Fatalf("expected fallback timestamp, got %+v", events)
	}
	if events[0].Content != "📦 location message" {
		t.Fatalf("unexpected placeholder %q", events[0].Content)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(samplePayload)
	sig := SignatureValue("secret", body)
	if !VerifySignature("secret", body, sig) {
		t.Fatalf("valid signature rejected")
	}
	if VerifySignature("other", body, sig) {
		t.Fatalf("signature with wrong secret accepted")
	}
	if VerifySignature("secret", body, "sha1=abc") || VerifySignature("secret", body, "sha256=zz") {
		t.Fatalf("malformed header accepted")
	}
}

func TestVerifySubscription(t *testing.T) {
	if !VerifySubscription("subscribe", "tok", "tok") {
		t.Fatalf("expected handshake to pass")
	}
	if VerifySubscription("subscribe", "bad", "tok") || VerifySubscription("unsubscribe", "tok", "tok") || VerifySubscription("subscribe", "", "") {
		t.Fatalf("handshake should fail")
	}
}
