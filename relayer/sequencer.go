package relayer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/metrics"
)

// applier is the slice of the mirror registry the sequencer drives.
type applier interface {
	Apply(update mirror.CustodyUpdate) (*mirror.Record, error)
	LastAppliedNonce(originAssetID uint64) (uint64, error)
}

// sequencer linearizes one origin asset's custody events. Events may arrive in
// any order; the sequencer buffers them by nonce and applies strictly
// ascending from the registry's idempotency cursor. A delivery that exhausts
// its retry budget dead-letters and halts the asset: nothing later may apply
// until an operator resolves the parked event.
type sequencer struct {
	assetID uint64
	applier applier
	journal *Journal
	policy  RetryPolicy
	logger  *slog.Logger
	emitter events.Emitter
	metrics *metrics.RelayerMetrics

	incoming chan *StoredEvent
	resume   chan struct{}

	mu     sync.Mutex
	buffer map[uint64]*StoredEvent
	halted bool
}

func newSequencer(assetID uint64, reg applier, journal *Journal, policy RetryPolicy, logger *slog.Logger, emitter events.Emitter, relayerMetrics *metrics.RelayerMetrics) *sequencer {
	return &sequencer{
		assetID:  assetID,
		applier:  reg,
		journal:  journal,
		policy:   policy.Normalize(),
		logger:   logger.With("component", "sequencer", "asset", assetID),
		emitter:  emitter,
		metrics:  relayerMetrics,
		incoming: make(chan *StoredEvent, 64),
		resume:   make(chan struct{}, 1),
		buffer:   make(map[uint64]*StoredEvent),
	}
}

// submit hands an event to the sequencer goroutine. It never blocks the
// caller indefinitely: a full channel falls back to buffering directly.
func (s *sequencer) submit(event *StoredEvent) {
	select {
	case s.incoming <- event:
	default:
		s.mu.Lock()
		s.buffer[event.Event.Nonce] = event
		s.mu.Unlock()
		s.wake()
	}
}

// unhalt resumes delivery after an operator resolved the blocking dead letter.
func (s *sequencer) unhalt() {
	s.mu.Lock()
	if s.halted {
		s.halted = false
		s.metrics.AddHalted(-1)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *sequencer) wake() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *sequencer) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// run is the sequencer's single goroutine.
func (s *sequencer) run(ctx context.Context) {
	for {
		s.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case event := <-s.incoming:
			s.mu.Lock()
			s.buffer[event.Event.Nonce] = event
			s.mu.Unlock()
		case <-s.resume:
		}
	}
}

// drain applies every buffered event that is next in line. It stops on a gap
// (waiting for the missing nonce), on halt, or on context cancellation.
func (s *sequencer) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.halted {
			s.mu.Unlock()
			return
		}
		s.metrics.SetBuffered(s.assetID, len(s.buffer))
		s.mu.Unlock()

		last, err := s.applier.LastAppliedNonce(s.assetID)
		if err != nil {
			// A failed cursor read must not strand the buffer until the
			// next submit; retry after the base delay.
			s.logger.Error("read nonce cursor", "error", err)
			time.AfterFunc(s.policy.Delay(1), s.wake)
			return
		}

		s.mu.Lock()
		next, ok := s.buffer[last+1]
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(s.buffer, last+1)
		s.mu.Unlock()

		if !s.deliver(ctx, next) {
			return
		}
	}
}

// deliver pushes one event into the registry with the retry schedule. Returns
// false when the pipeline must stop (halt or cancelled context).
func (s *sequencer) deliver(ctx context.Context, stored *StoredEvent) bool {
	attempts := stored.Attempts
	for {
		attempts++
		start := time.Now()
		_, err := s.applier.Apply(stored.Event.Update())
		s.metrics.ObserveApplyDuration(time.Since(start).Seconds())

		switch {
		case err == nil, errors.Is(err, mirror.ErrDuplicateNonce):
			// A duplicate means an earlier delivery already landed this
			// nonce; the journal row still resolves as applied.
			if markErr := s.journal.MarkApplied(ctx, stored.ID, attempts); markErr != nil {
				s.logger.Error("mark applied", "id", stored.ID, "error", markErr)
			}
			s.emitter.Emit(events.CustodyApplied{
				OriginAssetID: stored.Event.OriginAssetID,
				Nonce:         stored.Event.Nonce,
				Attempts:      attempts,
			})
			s.metrics.ObserveApplied()
			s.logger.Info("custody event applied",
				"nonce", stored.Event.Nonce, "attempts", attempts)
			return true

		case errors.Is(err, mirror.ErrNonceGap):
			// The cursor moved backwards relative to our read, or the
			// predecessor vanished; requeue and wait for it.
			s.mu.Lock()
			s.buffer[stored.Event.Nonce] = stored
			s.mu.Unlock()
			return true
		}

		if attempts >= s.policy.MaxAttempts {
			if markErr := s.journal.MarkDead(ctx, stored.ID, attempts, err.Error()); markErr != nil {
				s.logger.Error("mark dead", "id", stored.ID, "error", markErr)
			}
			s.mu.Lock()
			s.halted = true
			s.mu.Unlock()
			s.metrics.AddHalted(1)
			s.metrics.ObserveDeadLettered()
			s.emitter.Emit(events.CustodyDeadLettered{
				ID:            stored.ID,
				OriginAssetID: stored.Event.OriginAssetID,
				Nonce:         stored.Event.Nonce,
				Reason:        err.Error(),
			})
			s.logger.Error("custody event dead-lettered, pipeline halted",
				"id", stored.ID, "nonce", stored.Event.Nonce, "error", err)
			return false
		}

		s.metrics.ObserveRetry()
		if markErr := s.journal.MarkRetrying(ctx, stored.ID, attempts, err.Error()); markErr != nil {
			s.logger.Error("persist retry state", "id", stored.ID, "error", markErr)
		}
		stored.Attempts = attempts
		s.logger.Warn("apply failed, retrying",
			"nonce", stored.Event.Nonce, "attempt", attempts, "error", err)
		timer := time.NewTimer(s.policy.Delay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
