package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives a published message.
type Handler func(ctx context.Context, routingKey string, payload []byte) error

type subscription struct {
	pattern string
	handler Handler
}

// InProcessBus delivers messages synchronously to local handlers. Patterns
// follow topic-exchange rules: "*" matches one word, "#" matches zero or
// more.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewInProcessBus creates an empty bus.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessBus{logger: logger}
}

// Subscribe registers h for routing keys matching pattern.
func (b *InProcessBus) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: h})
}

// Publish dispatches to every matching handler. Handler failures are
// logged and do not fail the publish.
func (b *InProcessBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !matchTopic(s.pattern, routingKey) {
			continue
		}
		if err := s.handler(ctx, routingKey, payload); err != nil {
			b.logger.Error("event dispatch failed",
				"routing_key", routingKey,
				"pattern", s.pattern,
				"error", err,
			)
		}
	}
	return nil
}

// Close is a no-op.
func (b *InProcessBus) Close() error { return nil }

func matchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
