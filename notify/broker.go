// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultBuffer = 64

// Broker is the in-process Bus used when no NATS server is configured.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*brokerSub]struct{}
	buffer int
	logger *slog.Logger
	now    func() time.Time
}

// NewBroker returns a broker whose subscriptions buffer up to buffer
// events. buffer <= 0 selects the default.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[*brokerSub]struct{}),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// Publish never blocks: a subscriber with a full buffer misses the event.
func (b *Broker) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	ev := Event{Subject: subject, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !Matches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "subject", subject, "pattern", sub.pattern)
		}
	}
	return nil
}

func (b *Broker) Subscribe(pattern string) (Subscription, error) {
	sub := &brokerSub{
		broker:  b,
		pattern: pattern,
		ch:      make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type brokerSub struct {
	broker  *Broker
	pattern string
	ch      chan Event
	once    sync.Once
}

func (s *brokerSub) C() <-chan Event { return s.ch }

func (s *brokerSub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}
