package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStampsUTC(t *testing.T) {
	before := time.Now()
	e := New(1001, "u1", 5)
	after := time.Now()

	assert.Equal(t, int64(1001), e.OrderID)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, 5, e.Amount)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.False(t, e.CreatedAt.Before(before.Truncate(time.Microsecond)))
	assert.False(t, e.CreatedAt.After(after))
	assert.NotContains(t, e.CreatedAt.String(), "m=")
}

func TestEqual(t *testing.T) {
	at := time.Date(2025, 5, 5, 5, 5, 5, 5, time.UTC)
	e := NewAt(1, "u1", 10, at)

	assert.True(t, e.Equal(NewAt(1, "u1", 10, at.In(time.FixedZone("X", -3600)))))
	assert.False(t, e.Equal(NewAt(2, "u1", 10, at)))
	assert.False(t, e.Equal(NewAt(1, "u2", 10, at)))
	assert.False(t, e.Equal(NewAt(1, "u1", 11, at)))
	assert.False(t, e.Equal(NewAt(1, "u1", 10, at.Add(time.Nanosecond))))
}

func TestString(t *testing.T) {
	e := NewAt(1001, "u1", 5, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "orderId=1001, userId=u1, amount=5, at=2025-01-02T03:04:05Z", e.String())
}
