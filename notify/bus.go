// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Subjects published by the store after a write commits.
const (
	SubjectTallyCreated      = "tally.created"
	SubjectAggregateUpdated  = "aggregate.updated"
	SubjectAggregateReplaced = "aggregate.replaced"
	SubjectStationProgress   = "station.progress"

	// SubjectAll matches every subject above.
	SubjectAll = ">"
)

// Event is one change notification.
type Event struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Subscription delivers events until Close is called.
type Subscription interface {
	C() <-chan Event
	Close() error
}

// Bus publishes JSON encoded change notifications. Delivery is at most
// once; subscribers that fall behind lose events and are expected to
// reload from the store.
type Bus interface {
	Publish(ctx context.Context, subject string, v any) error
	Subscribe(subject string) (Subscription, error)
}

// Matches reports whether subject is selected by pattern. A pattern ending
// in ">" matches any subject with that prefix.
func Matches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

// Nop discards everything. Subscriptions never deliver.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

func (Nop) Subscribe(string) (Subscription, error) {
	return &nopSub{ch: make(chan Event)}, nil
}

type nopSub struct{ ch chan Event }

func (s *nopSub) C() <-chan Event { return s.ch }
func (s *nopSub) Close() error    { return nil }
