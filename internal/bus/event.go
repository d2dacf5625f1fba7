package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "conn." for push channel lifecycle, "list." for
// conversation-list changes, "message." for delivery progress, "typing." for
// ephemeral typing state and "session." for daemon status.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
