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

	"github.com/nats-io/nats.go"
)

// NATSBus publishes change notifications over core NATS so several server
// replicas can feed the same dashboards.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	buffer int
	logger *slog.Logger
}

// ConnectNATS dials url. Subjects are published under prefix ("escrutinio"
// when empty), e.g. escrutinio.tally.created.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("escrutinio"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSBus(nc, prefix, logger), nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if prefix == "" {
		prefix = "escrutinio"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{nc: nc, prefix: prefix, buffer: defaultBuffer, logger: logger}
}

func (b *NATSBus) subject(s string) string {
	return b.prefix + "." + s
}

func (b *NATSBus) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	data, err := json.Marshal(Event{Subject: subject, Payload: payload, At: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.nc.Publish(b.subject(subject), data)
}

func (b *NATSBus) Subscribe(pattern string) (Subscription, error) {
	sub := &natsSub{ch: make(chan Event, b.buffer)}

	ns, err := b.nc.Subscribe(b.subject(pattern), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		sub.deliver(ev, b.logger)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	sub.ns = ns
	return sub, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

type natsSub struct {
	ns     *nats.Subscription
	mu     sync.Mutex
	closed bool
	ch     chan Event
}

func (s *natsSub) deliver(ev Event, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		logger.Warn("dropping event for slow subscriber", "subject", ev.Subject)
	}
}

func (s *natsSub) C() <-chan Event { return s.ch }

func (s *natsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.ns.Unsubscribe()
	close(s.ch)
	return err
}
