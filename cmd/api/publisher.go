package main

import (
	"context"

	"github.com/yyvfuruta/orderpipe/internal/broker"
	"github.com/yyvfuruta/orderpipe/internal/event"
)

type pendingOutcome interface {
	Token() string
	Wait(ctx context.Context) (broker.Outcome, error)
}

type orderPublisher interface {
	PublishAsync(ctx context.Context, e event.Event) (pendingOutcome, error)
}

// brokerPublisher adapts *broker.Publisher to orderPublisher.
type brokerPublisher struct {
	p *broker.Publisher
}

func (b brokerPublisher) PublishAsync(ctx context.Context, e event.Event) (pendingOutcome, error) {
	pending, err := b.p.PublishAsync(ctx, e)
	if err != nil {
		return nil, err
	}
	return pending, nil
}
