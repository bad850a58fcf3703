package bus

import "time"

// Event represents a domain event published on the bus. Account scopes the
// event to a single linked messaging account.
type Event struct {
	Kind      string
	Account   string
	Timestamp time.Time
	Payload   any
}
