package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips formatting so the same participant always maps to one key.
// WhatsApp ids are digits only, without the leading '+'. Ids that are not
// phone-shaped (anything besides digits and separators) are only trimmed.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	rest := strings.TrimPrefix(p, "+")
	if strings.IndexFunc(rest, func(r rune) bool { return !isDigit(r) && !isPhoneSeparator(r) }) >= 0 {
		return p
	}
	return strings.Map(func(r rune) rune {
		if isPhoneSeparator(r) {
			return -1
		}
		return r
	}, rest)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isPhoneSeparator(r rune) bool {
	switch r {
	case ' ', '-', '(', ')', '.':
		return true
	}
	return false
}

func NewMessageID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	return "msg_" + newULID()
}

func NewConversationID() string {
	return "conv_" + newULID()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
