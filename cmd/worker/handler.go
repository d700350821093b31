package main

import (
	"context"
	"log/slog"

	"github.com/yyvfuruta/orderpipe/internal/event"
)

// handler logs each order. Follow-up work for a created order (notifications,
// starting payment) belongs here and must cope with duplicate deliveries.
type handler struct {
	logger *slog.Logger
}

func (h *handler) Handle(ctx context.Context, e event.Event) error {
	h.logger.InfoContext(ctx, "Received order created event",
		"order_id", e.OrderID,
		"user_id", e.UserID,
		"amount", e.Amount,
		"created_at", e.CreatedAt,
	)
	return nil
}
