// Package event defines the order created event carried from the api to the
// worker, and its JSON wire codec.
package event

import (
	"fmt"
	"time"
)

// Event is published once per created order. Treat it as a value: nothing in
// this module mutates an Event after New or Decode returns it.
type Event struct {
	OrderID   int64     `json:"orderId"`
	UserID    string    `json:"userId"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// New stamps the event with the current time.
func New(orderID int64, userID string, amount int) Event {
	return NewAt(orderID, userID, amount, time.Now())
}

// NewAt is New with an explicit creation time. The time is stored in UTC
// without its monotonic reading so it survives a trip through the codec.
func NewAt(orderID int64, userID string, amount int, at time.Time) Event {
	return Event{
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		CreatedAt: at.UTC().Round(0),
	}
}

// Equal reports whether e and o describe the same event.
func (e Event) Equal(o Event) bool {
	return e.OrderID == o.OrderID &&
		e.UserID == o.UserID &&
		e.Amount == o.Amount &&
		e.CreatedAt.Equal(o.CreatedAt)
}

func (e Event) String() string {
	return fmt.Sprintf("orderId=%d, userId=%s, amount=%d, at=%s",
		e.OrderID, e.UserID, e.Amount, e.CreatedAt.Format(time.RFC3339Nano))
}
