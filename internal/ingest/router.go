// Package ingest converts upstream change notifications into core operations.
// Delivery is at-least-once with no ordering guarantee; the domain idempotency
// guards (source-event claims, disbursement state, enrollment natural keys)
// are the only duplicate protection, so every handler here must be safe to run
// any number of times.
package ingest

import (
	"context"
	"log/slog"

	"bursary/internal/platform/kafka/consumer"
	dErrors "bursary/pkg/domain-errors"
)

// EventHandler processes one notification for a single source collection.
type EventHandler func(ctx context.Context, msg *consumer.Message) error

// Router maps source collections (topics) to handlers. It implements
// consumer.Handler, and Dispatch drives it directly with synthetic batches in
// tests and backfills.
type Router struct {
	handlers map[string]EventHandler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]EventHandler),
		logger:   logger,
	}
}

// Register binds a source collection to its handler.
func (r *Router) Register(collection string, handler EventHandler) {
	r.handlers[collection] = handler
}

// Handle routes one message. Unknown collections and permanently bad messages
// return nil so the offset commits; only failures that a redelivery could fix
// propagate.
func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		r.logger.WarnContext(ctx, "no handler for source collection, committing",
			"collection", msg.Topic, "offset", msg.Offset)
		return nil
	}

	err := handler(ctx, msg)
	if err == nil {
		return nil
	}
	if retriable(err) {
		r.logger.ErrorContext(ctx, "handler failed, leaving for redelivery",
			"collection", msg.Topic, "offset", msg.Offset, "error", err)
		return err
	}
	// Poison or already-settled message: redelivery cannot fix it, so log and
	// commit.
	r.logger.ErrorContext(ctx, "message rejected, committing",
		"collection", msg.Topic, "offset", msg.Offset,
		"code", dErrors.CodeOf(err), "error", err)
	return nil
}

// Dispatch processes a synthetic batch in order, stopping at the first
// retriable failure.
func (r *Router) Dispatch(ctx context.Context, msgs ...*consumer.Message) error {
	for _, msg := range msgs {
		if err := r.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// retriable reports whether a redelivery has any chance of succeeding.
func retriable(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeUnavailable, dErrors.CodeConcurrencyExhausted, dErrors.CodeInternal:
		return true
	}
	return false
}
