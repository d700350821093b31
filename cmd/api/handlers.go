package main

import (
	"context"
	"net/http"

	"github.com/yyvfuruta/orderpipe/internal/event"
	"github.com/yyvfuruta/orderpipe/internal/validator"
)

// createOrderHandler answers once the event is handed to the broker. The
// broker's verdict arrives later and is only logged.
func (app *application) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	v := validator.New()
	orderID := v.Int64("orderId", q.Get("orderId"))
	userID := v.Required("userId", q.Get("userId"))
	amount := v.Int("amount", q.Get("amount"))
	if !v.Valid() {
		app.failedValidationResponse(w, r, v.Errors)
		return
	}

	e := event.New(orderID, userID, amount)

	pending, err := app.publisher.PublishAsync(r.Context(), e)
	if err != nil {
		app.serverErrorResponse(w, r, err)
		return
	}
	app.logOutcome(e, pending)

	if err := writeText(w, http.StatusOK, "published: %d", orderID); err != nil {
		app.logger.Error("Failed to write response", "order_id", orderID, "error", err)
	}
}

// logOutcome waits for the verdict in the background. The publisher always
// settles a pending publish, at the latest on its confirm timeout.
func (app *application) logOutcome(e event.Event, pending pendingOutcome) {
	app.outcomes.Add(1)
	go func() {
		defer app.outcomes.Done()

		outcome, err := pending.Wait(context.Background())
		if err != nil {
			app.logger.Error("Failed waiting for publish outcome", "order_id", e.OrderID, "token", pending.Token(), "error", err)
			return
		}

		if outcome.Confirmed() {
			app.logger.Info("Order created event confirmed", "order_id", e.OrderID, "token", outcome.Token)
			return
		}

		app.logger.Error("Order created event not delivered",
			"order_id", e.OrderID,
			"token", outcome.Token,
			"status", outcome.Status.String(),
			"reply_code", outcome.ReplyCode,
			"reply_text", outcome.ReplyText,
			"error", outcome.Err(),
		)
	}()
}

func (app *application) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, envelope{"status": "ok"}, nil); err != nil {
		app.serverErrorResponse(w, r, err)
	}
}

func (app *application) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !app.ready() {
		app.serviceUnavailableResponse(w, r, "broker connection is closed")
		return
	}
	if err := writeJSON(w, http.StatusOK, envelope{"status": "ready"}, nil); err != nil {
		app.serverErrorResponse(w, r, err)
	}
}
