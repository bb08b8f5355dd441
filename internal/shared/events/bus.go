package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Handler[T any] func(ctx context.Context, event T) error

// Topic is an in-process publish/subscribe channel for one event kind.
// Handlers run synchronously in subscription order; each Publish delivers at most once per handler.
type Topic[T any] struct {
	mu       sync.RWMutex
	name     string
	handlers []Handler[T]
	logger   *slog.Logger
}

func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:   name,
		logger: logger,
	}
}

func (t *Topic[T]) Name() string {
	return t.name
}

func (t *Topic[T]) Subscribe(handler Handler[T]) {
	if handler == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Publish runs every handler even if an earlier one fails, and joins the errors.
func (t *Topic[T]) Publish(ctx context.Context, event T) error {
	t.mu.RLock()
	handlers := append([]Handler[T](nil), t.handlers...)
	t.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			t.logger.Error("event handler failed",
				"event", "shared_events_handler_failed",
				"module", "internal/shared/events",
				"layer", "platform",
				"topic", t.name,
				"error", err.Error(),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
