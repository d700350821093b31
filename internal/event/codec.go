package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ContentType is set on every published message.
const ContentType = "application/json"

var codec = jsoniter.Config{
	EscapeHTML:            true,
	DisallowUnknownFields: true,
	CaseSensitive:         true,
}.Froze()

// DecodeError reports a payload that is not a valid event. Redelivering such
// a payload can never succeed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports an event that could not be serialised. It only happens
// for times outside the range JSON timestamps can express.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode event: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// wireEvent uses pointers so absent fields can be told apart from zero values.
type wireEvent struct {
	OrderID   *int64     `json:"orderId"`
	UserID    *string    `json:"userId"`
	Amount    *int       `json:"amount"`
	CreatedAt *time.Time `json:"createdAt"`
}

// Encode serialises e to its JSON wire form.
func Encode(e Event) ([]byte, error) {
	b, err := codec.Marshal(e)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return b, nil
}

// Decode parses a JSON payload produced by Encode. Every field is required and
// unknown fields are rejected.
func Decode(b []byte) (Event, error) {
	var w wireEvent
	if err := codec.Unmarshal(b, &w); err != nil {
		return Event{}, &DecodeError{Err: err}
	}

	var missing []string
	if w.OrderID == nil {
		missing = append(missing, "orderId")
	}
	if w.UserID == nil {
		missing = append(missing, "userId")
	}
	if w.Amount == nil {
		missing = append(missing, "amount")
	}
	if w.CreatedAt == nil {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return Event{}, &DecodeError{
			Err: errors.New("missing required fields: " + strings.Join(missing, ", ")),
		}
	}

	return Event{
		OrderID:   *w.OrderID,
		UserID:    *w.UserID,
		Amount:    *w.Amount,
		CreatedAt: w.CreatedAt.UTC(),
	}, nil
}
