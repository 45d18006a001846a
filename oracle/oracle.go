package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Quote is a point-in-time valuation of a mirrored domain asset, denominated
// in BAS. Quotes are never persisted by the core; consumers read them fresh or
// from the manager's bounded-age cache.
type Quote struct {
	AssetID    uint64
	Value      *big.Int
	AsOf       time.Time
	Confidence float64
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := q
	if q.Value != nil {
		clone.Value = new(big.Int).Set(q.Value)
	}
	return clone
}

// Source resolves a valuation for an origin asset. Implementations may block
// on network I/O and must honour the context deadline.
type Source interface {
	Name() string
	Fetch(ctx context.Context, assetID uint64) (Quote, error)
}

// FixedSource serves static valuations, useful for tests and for bootstrap
// deployments where appraisals are set by hand.
type FixedSource struct {
	name string
	mu   sync.RWMutex
	vals map[uint64]*big.Int
}

// NewFixedSource constructs a fixed source with the provided valuations.
func NewFixedSource(name string, vals map[uint64]*big.Int) *FixedSource {
	copied := make(map[uint64]*big.Int, len(vals))
	for id, v := range vals {
		if v != nil {
			copied[id] = new(big.Int).Set(v)
		}
	}
	if name == "" {
		name = "fixed"
	}
	return &FixedSource{name: name, vals: copied}
}

func (s *FixedSource) Name() string { return s.name }

// Set updates the valuation served for an asset.
func (s *FixedSource) Set(assetID uint64, value *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.vals, assetID)
		return
	}
	s.vals[assetID] = new(big.Int).Set(value)
}

func (s *FixedSource) Fetch(_ context.Context, assetID uint64) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.vals[assetID]
	if !ok {
		return Quote{}, fmt.Errorf("oracle source %s: no valuation for asset %d", s.name, assetID)
	}
	return Quote{
		AssetID:    assetID,
		Value:      new(big.Int).Set(value),
		AsOf:       time.Now(),
		Confidence: 1,
	}, nil
}
