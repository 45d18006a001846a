package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/metrics"
)

// Resolution actions for a dead-lettered event.
const (
	ResolveRetry   = "retry"
	ResolveDiscard = "discard"
)

var (
	// ErrNotStarted rejects submissions before Start.
	ErrNotStarted = errors.New("relayer: not started")
	// ErrUnknownResolution rejects operator actions outside retry/discard.
	ErrUnknownResolution = errors.New("relayer: unknown resolution action")
)

// Relayer fans received custody events out to per-asset sequencers. Delivery
// is at-least-once end to end: the journal absorbs duplicates, the sequencers
// enforce strict per-asset nonce order, and the registry apply is idempotent.
// Assets are independent; a halted pipeline never blocks another asset.
type Relayer struct {
	registry applier
	journal  *Journal
	policy   RetryPolicy
	logger   *slog.Logger
	emitter  events.Emitter
	metrics  *metrics.RelayerMetrics

	mu         sync.Mutex
	sequencers map[uint64]*sequencer
	ctx        context.Context
	wg         sync.WaitGroup
}

// Option customises relayer construction.
type Option func(*Relayer)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEmitter wires the downstream event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Relayer) {
		if emitter != nil {
			r.emitter = emitter
		}
	}
}

// NewRelayer constructs a relayer over the given registry and journal.
func NewRelayer(registry applier, journal *Journal, policy RetryPolicy, opts ...Option) *Relayer {
	r := &Relayer{
		registry:   registry,
		journal:    journal,
		policy:     policy.Normalize(),
		logger:     slog.Default().With("component", "relayer"),
		emitter:    events.NoopEmitter{},
		metrics:    metrics.Relayer(),
		sequencers: make(map[uint64]*sequencer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start spins up sequencers for every asset with journaled pending events and
// replays those events, restoring delivery state after a restart. The relayer
// runs until ctx is cancelled.
func (r *Relayer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return errors.New("relayer: already started")
	}
	r.ctx = ctx
	r.mu.Unlock()

	assets, err := r.journal.PendingAssets(ctx)
	if err != nil {
		return fmt.Errorf("relayer: load pending assets: %w", err)
	}
	for _, assetID := range assets {
		pending, err := r.journal.PendingByAsset(ctx, assetID)
		if err != nil {
			return fmt.Errorf("relayer: load pending events for asset %d: %w", assetID, err)
		}
		seq := r.sequencerFor(assetID)
		for _, stored := range pending {
			seq.submit(stored)
		}
		r.logger.Info("replayed pending custody events", "asset", assetID, "count", len(pending))
	}
	return nil
}

// Wait blocks until every sequencer goroutine has exited.
func (r *Relayer) Wait() {
	r.wg.Wait()
}

// Submit journals a custody event and dispatches it to its asset's sequencer.
// Redelivered receipts acknowledge idempotently without a second dispatch.
// Returns the journal id.
func (r *Relayer) Submit(ctx context.Context, event CustodyEvent) (string, error) {
	r.mu.Lock()
	started := r.ctx != nil
	r.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	if err := event.Validate(); err != nil {
		return "", err
	}

	id, duplicate, err := r.journal.Record(ctx, event)
	if err != nil {
		return "", err
	}
	r.metrics.ObserveReceived(duplicate)
	if duplicate {
		r.logger.Debug("duplicate custody receipt",
			"asset", event.OriginAssetID, "nonce", event.Nonce, "id", id)
		return id, nil
	}

	r.sequencerFor(event.OriginAssetID).submit(&StoredEvent{
		ID:     id,
		Event:  event,
		Status: StatusPending,
	})
	return id, nil
}

// DeadLetters lists every event awaiting operator resolution.
func (r *Relayer) DeadLetters(ctx context.Context) ([]*StoredEvent, error) {
	return r.journal.DeadLetters(ctx)
}

// ResolveDeadLetter applies an operator decision to a parked event. Retry
// requeues it for delivery; discard skips it permanently. Either way the
// asset's pipeline resumes.
func (r *Relayer) ResolveDeadLetter(ctx context.Context, id, action string) error {
	stored, err := r.journal.Get(ctx, id)
	if err != nil {
		return err
	}
	switch action {
	case ResolveRetry:
		requeued, err := r.journal.Requeue(ctx, id)
		if err != nil {
			return err
		}
		seq := r.sequencerFor(stored.Event.OriginAssetID)
		seq.submit(requeued)
		seq.unhalt()
		r.logger.Info("dead letter requeued", "id", id, "asset", stored.Event.OriginAssetID)
		return nil
	case ResolveDiscard:
		if err := r.journal.Discard(ctx, id); err != nil {
			return err
		}
		r.sequencerFor(stored.Event.OriginAssetID).unhalt()
		r.logger.Warn("dead letter discarded",
			"id", id, "asset", stored.Event.OriginAssetID, "nonce", stored.Event.Nonce)
		return nil
	default:
		return ErrUnknownResolution
	}
}

func (r *Relayer) sequencerFor(assetID uint64) *sequencer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.sequencers[assetID]; ok {
		return seq
	}
	seq := newSequencer(assetID, r.registry, r.journal, r.policy, r.logger, r.emitter, r.metrics)
	r.sequencers[assetID] = seq
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		seq.run(r.ctx)
	}()
	return seq
}
