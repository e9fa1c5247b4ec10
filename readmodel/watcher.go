// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package readmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/notify"
)

// Source is the read side of the store.
type Source interface {
	GetAggregate(ctx context.Context) (models.AggregateSnapshot, error)
	ListTallies(ctx context.Context) ([]models.TallyRecord, error)
}

// Watcher keeps a dashboard current from change events. Records and the
// aggregate arrive on separate subjects and may disagree for a moment; each
// event rebuilds from whatever is known.
type Watcher struct {
	bus     notify.Bus
	source  Source
	catalog *catalog.Catalog
	base    string
	logger  *slog.Logger

	mu        sync.RWMutex
	snap      models.AggregateSnapshot
	records   map[string]models.TallyRecord
	current   Dashboard
	listeners map[chan Dashboard]struct{}
}

func NewWatcher(bus notify.Bus, source Source, cat *catalog.Catalog, base string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		bus:       bus,
		source:    source,
		catalog:   cat,
		base:      base,
		logger:    logger,
		snap:      aggregate.Empty(cat.TotalTables()),
		records:   make(map[string]models.TallyRecord),
		listeners: make(map[chan Dashboard]struct{}),
	}
	w.current = Build(cat, w.snap, nil, base)
	return w
}

// Current returns the latest dashboard.
func (w *Watcher) Current() Dashboard {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Listen returns a channel that always holds the most recent dashboard not
// yet received. Call cancel to stop listening.
func (w *Watcher) Listen() (<-chan Dashboard, func()) {
	ch := make(chan Dashboard, 1)

	w.mu.Lock()
	w.listeners[ch] = struct{}{}
	ch <- w.current
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, ch)
			w.mu.Unlock()
		})
	}
}

// Reload reads the aggregate and every record from the source.
func (w *Watcher) Reload(ctx context.Context) error {
	snap, err := w.loadAggregate(ctx)
	if err != nil {
		return err
	}
	records, err := w.source.ListTallies(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.snap = snap
	w.records = make(map[string]models.TallyRecord, len(records))
	for _, rec := range records {
		w.records[rec.TableID] = rec
	}
	w.rebuildLocked()
	return nil
}

func (w *Watcher) loadAggregate(ctx context.Context) (models.AggregateSnapshot, error) {
	snap, err := w.source.GetAggregate(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return aggregate.Empty(w.catalog.TotalTables()), nil
	}
	if err != nil {
		return models.AggregateSnapshot{}, fmt.Errorf("load aggregate: %w", err)
	}
	return snap, nil
}

// Run subscribes to every change subject and applies events until ctx is
// done or the subscription closes.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(notify.SubjectAll)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	if err := w.Reload(ctx); err != nil {
		w.logger.Warn("initial dashboard load failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := w.handle(ctx, ev); err != nil {
				w.logger.Warn("failed to apply change event", "subject", ev.Subject, "error", err)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev notify.Event) error {
	switch ev.Subject {
	case notify.SubjectTallyCreated:
		var rec models.TallyRecord
		if err := ev.Decode(&rec); err != nil {
			return err
		}
		w.mu.Lock()
		w.records[rec.TableID] = rec
		w.rebuildLocked()
		w.mu.Unlock()

	case notify.SubjectAggregateUpdated:
		var agg models.AggregateEvent
		if err := ev.Decode(&agg); err != nil {
			return err
		}
		w.mu.RLock()
		_, known := w.records[agg.TableID]
		w.mu.RUnlock()
		if !known {
			// the record's own event was dropped or is still in flight
			return w.Reload(ctx)
		}

		// Re-read rather than add the delta: a delta already included in
		// the last load must not count twice.
		snap, err := w.loadAggregate(ctx)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.snap = snap
		w.rebuildLocked()
		w.mu.Unlock()

	case notify.SubjectAggregateReplaced:
		return w.Reload(ctx)
	}
	return nil
}

func (w *Watcher) rebuildLocked() {
	records := make([]models.TallyRecord, 0, len(w.records))
	for _, rec := range w.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TableID < records[j].TableID })

	w.current = Build(w.catalog, w.snap, records, w.base)
	for ch := range w.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- w.current:
		default:
		}
	}
}
