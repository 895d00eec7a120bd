package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://graph.facebook.com/v18.0"

var ErrNoMessageID = errors.New("whatsapp: no message id returned")

// Client talks to the WhatsApp Cloud API messages endpoint of one business
// phone number.
type Client struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	HTTP          *http.Client
}

type SendRequest struct {
	To   string
	Type string // text | template
	Body string

	TemplateName       string
	TemplateLanguage   string
	TemplateComponents []json.RawMessage

	// ReplyToID quotes a previous message (context.message_id).
	ReplyToID string
}

type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}

type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error,omitempty"`
}

// MessageID is messages[0].id, or "" when the response carried none.
func (r SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

type textBody struct {
	Body string `json:"body"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateBody struct {
	Name       string            `json:"name"`
	Language   templateLanguage  `json:"language"`
	Components []json.RawMessage `json:"components,omitempty"`
}

type replyContext struct {
	MessageID string `json:"message_id"`
}

type sendPayload struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type,omitempty"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
	Context          *replyContext `json:"context,omitempty"`
}

type markReadPayload struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// Send posts one message. It returns the decoded response, the HTTP status
// and the raw body so callers can record the attempt.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	p := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               req.To,
		Type:             req.Type,
	}
	switch req.Type {
	case "text":
		p.Text = &textBody{Body: req.Body}
	case "template":
		lang := req.TemplateLanguage
		if lang == "" {
			lang = "en_US"
		}
		p.Template = &templateBody{Name: req.TemplateName, Language: templateLanguage{Code: lang}, Components: req.TemplateComponents}
	default:
		return SendResponse{}, 0, nil, fmt.Errorf("whatsapp: unsupported send type %q", req.Type)
	}
	if req.ReplyToID != "" {
		p.Context = &replyContext{MessageID: req.ReplyToID}
	}

	out, status, raw, err := c.post(ctx, p)
	if err != nil {
		return out, status, raw, err
	}
	if out.MessageID() == "" {
		return out, status, raw, ErrNoMessageID
	}
	return out, status, raw, nil
}

// MarkRead tells WhatsApp the business has read an inbound message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	_, _, _, err := c.post(ctx, markReadPayload{MessagingProduct: "whatsapp", Status: "read", MessageID: messageID})
	return err
}

func (c *Client) post(ctx context.Context, payload any) (SendResponse, int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(b))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return out, resp.StatusCode, raw, errors.New(out.Error.Message)
		}
		return out, resp.StatusCode, raw, fmt.Errorf("whatsapp: http %d", resp.StatusCode)
	}
	return out, resp.StatusCode, raw, nil
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + "/" + c.PhoneNumberID + "/messages"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// ShouldRetry reports whether a failed attempt is worth repeating.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
