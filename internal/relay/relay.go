// Package relay implements the order relay (C2): one instance per
// collection, consuming the external order-event stream and feeding both
// the order store (C1) and the matching engine (C3), per spec.md §4.2.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/DimaJoyti/go-coffee/internal/lease"
	"github.com/DimaJoyti/go-coffee/internal/matching"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/redisstore"
	"github.com/DimaJoyti/go-coffee/internal/retry"
	"github.com/DimaJoyti/go-coffee/internal/upstream"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
	"github.com/DimaJoyti/go-coffee/pkg/metrics"
)

// Relay drives one collection's bootstrap -> catch-up -> tail lifecycle.
type Relay struct {
	chainID    int64
	collection string

	stream  upstream.Stream
	cursors upstream.CursorStore
	store   *redisstore.Store
	matcher *matching.Engine
	leases  *lease.Manager
	log     *logger.Logger
	metrics *metrics.Registry

	allowedComplications map[domain.Address]struct{}

	queueDepth atomic.Int64
}

// Collection returns the collection this Relay instance serves, used by the
// control surface's /healthz endpoint to key its per-collection report.
func (r *Relay) Collection() string { return r.collection }

// QueueDepth returns the number of unprocessed event batches currently buffered in
// the tail subscription channel, used by the control surface's /healthz
// endpoint to classify this collection as synced or catching-up.
func (r *Relay) QueueDepth() int64 { return r.queueDepth.Load() }

// Config configures one Relay instance.
type Config struct {
	ChainID              int64
	Collection           string
	AllowedComplications map[domain.Address]struct{}
	Metrics              *metrics.Registry
}

// New builds a Relay for one collection.
func New(cfg Config, stream upstream.Stream, cursors upstream.CursorStore, store *redisstore.Store, matcher *matching.Engine, leases *lease.Manager, log *logger.Logger) *Relay {
	return &Relay{
		chainID:              cfg.ChainID,
		collection:           cfg.Collection,
		stream:               stream,
		cursors:              cursors,
		store:                store,
		matcher:               matcher,
		leases:               leases,
		log:                  log.Named("order-relay").With("collection", cfg.Collection),
		metrics:              cfg.Metrics,
		allowedComplications: cfg.AllowedComplications,
	}
}

// Run drives the relay's lifecycle until ctx is cancelled. On lease loss it
// retries up to 5 times with linear 5s backoff; after five consecutive
// failures it returns a fatal error to the caller, per spec.md §4.2.
func (r *Relay) Run(ctx context.Context, leaseTTL time.Duration) error {
	err := retry.Do(ctx, retry.Linear5x5s(), nil, func(attempt int) error {
		return r.runOnce(ctx, leaseTTL)
	})
	if err != nil {
		return fmt.Errorf("relay: fatal, exhausted retries for collection %s: %w", r.collection, err)
	}
	return nil
}

func (r *Relay) runOnce(ctx context.Context, leaseTTL time.Duration) error {
	key := lease.OrderRelayKey(r.chainID, r.collection)
	l, err := r.leases.Acquire(ctx, key, leaseTTL)
	if err != nil {
		return fmt.Errorf("relay: acquire lease: %w", err)
	}
	defer l.Release(context.Background())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.Done():
			r.log.Warn("order-relay lease lost, cancelling")
			cancel()
		case <-runCtx.Done():
		}
	}()

	cursor, err := r.cursors.Load(runCtx, r.chainID, r.collection)
	if err != nil {
		return fmt.Errorf("relay: load cursor: %w", err)
	}
	if cursor == nil {
		cursor, err = r.bootstrap(runCtx)
		if err != nil {
			return fmt.Errorf("relay: bootstrap: %w", err)
		}
	}

	cursor, err = r.catchUp(runCtx, *cursor)
	if err != nil {
		return fmt.Errorf("relay: catch-up: %w", err)
	}

	return r.tail(runCtx, *cursor)
}

// bootstrap implements spec.md §4.2 step 2: stream the snapshot and insert
// every record as active.
func (r *Relay) bootstrap(ctx context.Context) (*upstream.Cursor, error) {
	snapshot, records, err := r.stream.FetchSnapshot(ctx, r.chainID, r.collection)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	for raw := range records {
		var order domain.Order
		if err := json.Unmarshal(raw, &order); err != nil {
			r.log.Warn("dropping unparseable snapshot record", "error", err)
			continue
		}
		if err := r.processOrder(ctx, &order, domain.StatusActive); err != nil {
			r.log.Warn("snapshot order rejected", "order", order.ID, "error", err)
		}
	}

	cursor := upstream.Cursor{Timestamp: snapshot.AsOf}
	if err := r.cursors.Save(ctx, r.chainID, r.collection, cursor); err != nil {
		return nil, fmt.Errorf("save bootstrap cursor: %w", err)
	}
	return &cursor, nil
}

// catchUp implements spec.md §4.2 step 3: page the stream from cursor
// until caught up to "now", saving the cursor after every page.
func (r *Relay) catchUp(ctx context.Context, cursor upstream.Cursor) (*upstream.Cursor, error) {
	for {
		events, more, err := r.stream.Page(ctx, r.chainID, r.collection, cursor)
		if err != nil {
			return nil, fmt.Errorf("page events: %w", err)
		}
		for _, ev := range events {
			r.handleEvent(ctx, ev)
			cursor = upstream.Cursor{Timestamp: ev.Timestamp, OrderID: ev.ID, EventID: ev.EventID}
		}
		if err := r.cursors.Save(ctx, r.chainID, r.collection, cursor); err != nil {
			return nil, fmt.Errorf("save cursor: %w", err)
		}
		if !more {
			return &cursor, nil
		}
	}
}

// tail implements spec.md §4.2 step 4: subscribe live, process `added`
// events, log (but do not act on) `modified` events, and save the cursor
// after every batch.
func (r *Relay) tail(ctx context.Context, cursor upstream.Cursor) error {
	batches := make(chan []upstream.Event, 16)
	go func() {
		if err := r.stream.Tail(ctx, r.chainID, r.collection, cursor, batches); err != nil && ctx.Err() == nil {
			r.log.Error("tail subscription ended", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return fmt.Errorf("tail stream closed")
			}
			r.queueDepth.Store(int64(len(batches)))
			if r.metrics != nil {
				r.metrics.RelayQueueDepth.WithLabelValues(r.collection).Set(float64(len(batches)))
			}
			for _, ev := range batch {
				r.handleEvent(ctx, ev)
				cursor = upstream.Cursor{Timestamp: ev.Timestamp, OrderID: ev.ID, EventID: ev.EventID}
			}
			if err := r.cursors.Save(ctx, r.chainID, r.collection, cursor); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
		}
	}
}

func (r *Relay) handleEvent(ctx context.Context, ev upstream.Event) {
	switch ev.Type {
	case upstream.EventAdded:
		var order domain.Order
		if err := json.Unmarshal(ev.OrderData, &order); err != nil {
			r.log.Warn("dropping unparseable event", "event_id", ev.EventID, "error", err)
			return
		}
		if err := r.processOrder(ctx, &order, domain.StatusActive); err != nil {
			r.log.Warn("order rejected by admission rule", "order", order.ID, "error", err)
		}
	case upstream.EventModified:
		// spec.md §4.2: orders in scope are immutable once signed; a
		// `modified` event violates that assumption. Logged, never acted
		// on (Open Questions: dropped with a warning, not an error).
		r.log.Warn("modified event violates immutability assumption, dropping", "event_id", ev.EventID, "order_id", ev.ID)
	}
}

// processOrder implements processJob from spec.md §4.2: validate against
// the admission rule, write to C1, and push a matching-engine job if
// active.
func (r *Relay) processOrder(ctx context.Context, order *domain.Order, status domain.Status) error {
	if err := order.Validate(r.allowedComplications); err != nil {
		return &domain.AdmissionError{OrderID: order.ID, Reason: err.Error()}
	}
	if err := r.store.Put(ctx, order, status); err != nil {
		return fmt.Errorf("write order: %w", err)
	}
	if status != domain.StatusActive {
		return nil
	}
	if err := r.matcher.MatchOrder(ctx, order); err != nil {
		return fmt.Errorf("match order: %w", err)
	}
	return nil
}
