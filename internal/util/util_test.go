package util

import (
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"15550001":         "15550001",
		" +1 555-000 (1) ": "15550001",
		"+44.20.7946.0958": "442079460958",
		"+()":              "",
		// platform ids keep their punctuation
		"a.b":           "a.b",
		"user-1":        "user-1",
		" ab.c-d(1) ":   "ab.c-d(1)",
		"1+555":         "1+555",
		"+1-800-FLOWER": "+1-800-FLOWER",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIDsArePrefixedAndUnique(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "msg_") || len(a) != len("msg_")+26 {
		t.Fatalf("unexpected message id %q", a)
	}
	if c := NewConversationID(); !strings.HasPrefix(c, "conv_") {
		t.Fatalf("unexpected conversation id %q", c)
	}
}

func TestNormalizePhoneKeepsPlatformIDsDistinct(t *testing.T) {
	if NormalizePhone("a.b") == NormalizePhone("ab") {
		t.Fatalf("expected %q and %q to stay distinct", "a.b", "ab")
	}
	if NormalizePhone("+1 555-0001") != NormalizePhone("15550001") {
		t.Fatalf("expected formatted and bare phone numbers to match")
	}
}
