package domain

import "testing"

func TestAdvanceLattice(t *testing.T) {
	cases := []struct {
		from, next, want MessageStatus
		changed          bool
	}{
		{StatusSent, StatusDelivered, StatusDelivered, true},
		{StatusSent, StatusRead, StatusRead, true},
		{StatusSent, StatusFailed, StatusFailed, true},
		{StatusSent, StatusSent, StatusSent, false},
		{StatusDelivered, StatusSent, StatusDelivered, false},
		{StatusDelivered, StatusRead, StatusRead, true},
		{StatusDelivered, StatusFailed, StatusDelivered, false},
		{StatusRead, StatusDelivered, StatusRead, false},
		{StatusRead, StatusFailed, StatusRead, false},
		{StatusFailed, StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusRead, StatusFailed, false},
		{StatusSent, MessageStatus("bogus"), StatusSent, false},
	}
	for _, c := range cases {
		got, changed := c.from.Advance(c.next)
		if got != c.want || changed != c.changed {
			t.Fatalf("%s.Advance(%s) = (%s,%v), want (%s,%v)", c.from, c.next, got, changed, c.want, c.changed)
		}
	}
}

// Every arrival order of the same set of reports must settle on the same status.
func TestAdvanceOrderIndependent(t *testing.T) {
	sets := [][]MessageStatus{
		{StatusDelivered, StatusRead},
		{StatusSent, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent},
		{StatusRead, StatusSent, StatusDelivered},
	}
	for _, set := range sets {
		var want MessageStatus
		permute(set, func(order []MessageStatus) {
			st := StatusSent
			for _, s := range order {
				st, _ = st.Advance(s)
			}
			if want == "" {
				want = st
			}
			if st != want {
				t.Fatalf("order %v settled on %s, other order on %s", order, st, want)
			}
		})
	}
}

func permute(in []MessageStatus, fn func([]MessageStatus)) {
	var rec func(int)
	a := append([]MessageStatus(nil), in...)
	rec = func(k int) {
		if k == len(a) {
			fn(a)
			return
		}
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			rec(k + 1)
			a[k], a[i] = a[i], a[k]
		}
	}
	rec(0)
}

func TestSendRequestValidate(t *testing.T) {
	ok := SendRequest{To: "15550002", Type: TypeText, Content: "Hello!"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := []SendRequest{
		{Type: TypeText, Content: "x"},
		{To: "1", Content: "x"},
		{To: "1", Type: TypeText},
		{To: "1", Type: TypeTemplate, Content: "x"},
		{To: "1", Type: TypeImage, Content: "x"},
	}
	for i, r := range bad {
		err := r.Validate()
		if err == nil || !IsValidation(err) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}

	tpl := SendRequest{To: "1", Type: TypeTemplate, Content: "x", TemplateName: "hello_world"}
	if err := tpl.Validate(); err != nil {
		t.Fatalf("template: %v", err)
	}
	if tpl.Language() != DefaultTemplateLanguage {
		t.Fatalf("expected default language, got %s", tpl.Language())
	}
}
