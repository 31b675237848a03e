// Package bridge turns engine transitions into durable shadow records and
// queued backend operations.
//
// Every persisted transition is enqueued before anything is sent. When the
// backend is reachable the bridge also attempts an immediate delivery of the
// affected match key; whatever the outcome, the queued operation remains the
// retry path, so the backend must apply each operation id at most once.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/roach88/takedown/internal/ids"
	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/outbox"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithIDs sets the generator for operation ids.
func WithIDs(g ids.Generator) Option {
	return func(b *Bridge) { b.ids = g }
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithConnectivity enables direct writes while c reports online.
func WithConnectivity(c outbox.Connectivity) Option {
	return func(b *Bridge) { b.conn = c }
}

// WithMedia sets the chunking policy for SubmitMedia.
func WithMedia(cfg MediaConfig) Option {
	return func(b *Bridge) { b.media = cfg }
}

type offline struct{}

func (offline) Online() bool { return false }

// Bridge persists engine transitions.
type Bridge struct {
	store  *store.Store
	queue  *outbox.Queue
	ids    ids.Generator
	conn   outbox.Connectivity
	logger *slog.Logger
	media  MediaConfig

	wg sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// New creates a bridge writing to st and q.
func New(st *store.Store, q *outbox.Queue, opts ...Option) *Bridge {
	b := &Bridge{
		store:  st,
		queue:  q,
		ids:    ids.UUIDv7Generator{},
		conn:   offline{},
		logger: slog.Default(),
		media:  DefaultMediaConfig(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach subscribes to e. Persistence errors are logged and kept for
// LastError; they never reach the caller of the engine operation.
func (b *Bridge) Attach(ctx context.Context, e *match.Engine) (detach func()) {
	return e.Subscribe(func(tr match.Transition) {
		err := b.Handle(ctx, tr)
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		if err != nil {
			b.logger.Error("persist transition", "kind", tr.Kind, "match_id", tr.After.ID, "error", err)
		}
	})
}

// LastError returns the error of the most recent transition, if any.
func (b *Bridge) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Handle persists one transition. Restores and plain clock ticks are not
// persisted; a tick that ends a period is.
func (b *Bridge) Handle(ctx context.Context, tr match.Transition) error {
	switch {
	case tr.Kind == match.ActionRestore:
		return nil
	case tr.Kind == match.ActionTick && tr.Before.Status == tr.After.Status:
		return nil
	}

	m := tr.After
	version, err := b.putShadow(ctx, m)
	if err != nil {
		return err
	}

	if tr.Kind == match.ActionStart {
		if err := b.enqueueCreate(ctx, m, version); err != nil {
			return err
		}
		b.deliver(ctx, m.ID)
		return nil
	}

	if tr.Event != nil {
		if err := b.enqueueEvent(ctx, tr); err != nil {
			return err
		}
	}
	if err := b.enqueueUpdate(ctx, m, version); err != nil {
		return err
	}
	b.deliver(ctx, m.ID)
	return nil
}

func (b *Bridge) putShadow(ctx context.Context, m match.Match) (int64, error) {
	data, err := wire.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encode match snapshot: %w", err)
	}
	return b.store.PutRecord(ctx, store.Record{
		ID:          m.ID,
		Kind:        store.RecordMatch,
		MatchID:     m.ID,
		Data:        data,
		ContentType: "application/json",
	})
}

func (b *Bridge) enqueueCreate(ctx context.Context, m match.Match, version int64) error {
	payload, err := wire.Marshal(CreatePayload(m))
	if err != nil {
		return err
	}
	_, err = b.queue.Enqueue(ctx, outbox.Request{
		Kind:          wire.KindMatchCreate,
		Endpoint:      wire.MatchesPath,
		Method:        http.MethodPost,
		Payload:       payload,
		MatchID:       m.ID,
		RecordID:      m.ID,
		RecordVersion: version,
	})
	return err
}

func (b *Bridge) enqueueUpdate(ctx context.Context, m match.Match, version int64) error {
	payload, err := wire.Marshal(UpdatePayload(m))
	if err != nil {
		return err
	}
	_, err = b.queue.Enqueue(ctx, outbox.Request{
		Kind:          wire.KindMatchUpdate,
		Endpoint:      wire.MatchPath(m.ID),
		Method:        http.MethodPut,
		Payload:       payload,
		MatchID:       m.ID,
		RecordID:      m.ID,
		RecordVersion: version,
	})
	return err
}

func (b *Bridge) enqueueEvent(ctx context.Context, tr match.Transition) error {
	opID := b.ids.Generate()
	payload, err := wire.Marshal(EventPayload(opID, tr))
	if err != nil {
		return err
	}
	_, err = b.queue.Enqueue(ctx, outbox.Request{
		ID:       opID,
		Kind:     wire.KindMatchEvent,
		Endpoint: wire.EventsPath(tr.After.ID),
		Method:   http.MethodPost,
		Payload:  payload,
		MatchID:  tr.After.ID,
	})
	return err
}

// deliver attempts an immediate delivery of key when online. It does not
// block the caller.
func (b *Bridge) deliver(ctx context.Context, key string) {
	if !b.conn.Online() {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		rep, err := b.queue.DeliverKey(ctx, key)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("direct write failed", "match_id", key, "error", err)
			return
		}
		if rep.Retried > 0 || rep.Failed > 0 {
			b.logger.Debug("direct write deferred to queue", "match_id", key)
		}
	}()
}

// Wait blocks until in-flight direct writes finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
