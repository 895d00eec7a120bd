package domain

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	return s.rank() > 0 || s == StatusFailed
}

// rank orders the non-failed lattice; failed and unknown values rank 0.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance merges a reported status into the stored one.
// It returns the resulting status and whether it differs from s.
// Progress only moves along sent -> delivered -> read, failed is only
// reachable from sent and is terminal. Anything else is ignored.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if s == StatusFailed || !next.Valid() {
		return s, false
	}
	if next == StatusFailed {
		if s == StatusSent {
			return StatusFailed, true
		}
		return s, false
	}
	if next.rank() > s.rank() {
		return next, true
	}
	return s, false
}
