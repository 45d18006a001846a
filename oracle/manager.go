package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/metrics"
)

// ErrNoValue is returned when a quote is unavailable and no fallback value is
// configured for the asset.
var ErrNoValue = errors.New("oracle: no valuation available")

// Valuation is the manager's answer for an asset: a value plus a degraded flag
// marking that the value came from a stale cache entry or a configured
// fallback. Degraded valuations must never drive a liquidation.
type Valuation struct {
	AssetID  uint64
	Value    *big.Int
	AsOf     time.Time
	Degraded bool
}

type cachedQuote struct {
	quote Quote
}

// Manager aggregates quotes across configured sources with a bounded-age
// cache and explicit fallback values for graceful degradation.
type Manager struct {
	logger          *slog.Logger
	sources         []Source
	maxAge          time.Duration
	fetchTimeout    time.Duration
	refreshInterval time.Duration
	fallbacks       map[uint64]*big.Int
	defaultFallback *big.Int
	clock           func() time.Time

	mu      sync.RWMutex
	cache   map[uint64]cachedQuote
	tracked map[uint64]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithFallback registers a per-asset fallback valuation used when every
// source fails and the cache has aged out.
func WithFallback(assetID uint64, value *big.Int) Option {
	return func(m *Manager) {
		if value != nil && value.Sign() > 0 {
			m.fallbacks[assetID] = new(big.Int).Set(value)
		}
	}
}

// WithDefaultFallback registers the fallback valuation for assets without a
// dedicated entry.
func WithDefaultFallback(value *big.Int) Option {
	return func(m *Manager) {
		if value != nil && value.Sign() > 0 {
			m.defaultFallback = new(big.Int).Set(value)
		}
	}
}

// NewManager constructs a manager. maxAge bounds how old a cached quote may be
// before reads degrade; refreshInterval drives the background Run loop.
func NewManager(sources []Source, maxAge, fetchTimeout, refreshInterval time.Duration, opts ...Option) (*Manager, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("oracle: at least one source required")
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	m := &Manager{
		logger:          slog.Default(),
		sources:         append([]Source{}, sources...),
		maxAge:          maxAge,
		fetchTimeout:    fetchTimeout,
		refreshInterval: refreshInterval,
		fallbacks:       make(map[uint64]*big.Int),
		clock:           time.Now,
		cache:           make(map[uint64]cachedQuote),
		tracked:         make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Track registers an asset for background refresh. The collateral manager
// tracks every deposited token's origin asset.
func (m *Manager) Track(assetID uint64) {
	m.mu.Lock()
	m.tracked[assetID] = struct{}{}
	metrics.Oracle().SetTrackedAssets(len(m.tracked))
	m.mu.Unlock()
}

// Untrack stops background refresh for an asset.
func (m *Manager) Untrack(assetID uint64) {
	m.mu.Lock()
	delete(m.tracked, assetID)
	metrics.Oracle().SetTrackedAssets(len(m.tracked))
	m.mu.Unlock()
}

// Run blocks, refreshing tracked assets until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.refreshTracked(ctx)
		}
	}
}

func (m *Manager) refreshTracked(ctx context.Context) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.fetch(ctx, id); err != nil {
			m.logger.Warn("oracle refresh failed", "asset", id, "err", err)
		}
	}
}

// Value answers the current valuation for an asset. A fresh cache hit or a
// successful fetch yields a non-degraded valuation; otherwise the manager
// degrades to the stale cache entry or a configured fallback rather than
// failing the read outright.
func (m *Manager) Value(ctx context.Context, assetID uint64) (Valuation, error) {
	now := m.clock()

	m.mu.RLock()
	cached, ok := m.cache[assetID]
	m.mu.RUnlock()
	if ok && now.Sub(cached.quote.AsOf) <= m.maxAge {
		return Valuation{AssetID: assetID, Value: new(big.Int).Set(cached.quote.Value), AsOf: cached.quote.AsOf}, nil
	}

	quote, err := m.fetch(ctx, assetID)
	if err == nil {
		return Valuation{AssetID: assetID, Value: new(big.Int).Set(quote.Value), AsOf: quote.AsOf}, nil
	}
	m.logger.Warn("oracle fetch failed, degrading", "asset", assetID, "err", err)
	metrics.Oracle().ObserveDegradedRead()

	if ok {
		return Valuation{
			AssetID:  assetID,
			Value:    new(big.Int).Set(cached.quote.Value),
			AsOf:     cached.quote.AsOf,
			Degraded: true,
		}, nil
	}
	if fallback := m.fallbackFor(assetID); fallback != nil {
		return Valuation{AssetID: assetID, Value: fallback, AsOf: now, Degraded: true}, nil
	}
	return Valuation{}, fmt.Errorf("%w: asset %d", ErrNoValue, assetID)
}

func (m *Manager) fallbackFor(assetID uint64) *big.Int {
	if v, ok := m.fallbacks[assetID]; ok {
		return new(big.Int).Set(v)
	}
	if m.defaultFallback != nil {
		return new(big.Int).Set(m.defaultFallback)
	}
	return nil
}

// fetch polls every source and caches the median of the valid answers.
func (m *Manager) fetch(ctx context.Context, assetID uint64) (Quote, error) {
	now := m.clock()
	quotes := make([]Quote, 0, len(m.sources))
	var lastErr error
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		quote, err := src.Fetch(fetchCtx, assetID)
		cancel()
		if err != nil {
			lastErr = err
			metrics.Oracle().ObserveFetchFailure(src.Name())
			m.logger.Debug("oracle source failed", "source", src.Name(), "asset", assetID, "err", err)
			continue
		}
		if quote.Value == nil || quote.Value.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle source %s: non-positive value", src.Name())
			continue
		}
		if quote.AsOf.After(now.Add(5 * time.Second)) {
			lastErr = fmt.Errorf("oracle source %s: future timestamp", src.Name())
			continue
		}
		if now.Sub(quote.AsOf) > m.maxAge {
			lastErr = fmt.Errorf("oracle source %s: quote expired", src.Name())
			continue
		}
		quotes = append(quotes, quote.Clone())
	}
	if len(quotes) == 0 {
		if lastErr == nil {
			lastErr = ErrNoValue
		}
		return Quote{}, lastErr
	}
	median := medianQuote(quotes)
	median.AssetID = assetID
	m.mu.Lock()
	m.cache[assetID] = cachedQuote{quote: median.Clone()}
	m.mu.Unlock()
	return median, nil
}

func medianQuote(quotes []Quote) Quote {
	sorted := append([]Quote{}, quotes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Value.Cmp(sorted[j].Value) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid].Clone()
	}
	lower := sorted[mid-1]
	upper := sorted[mid]
	avg := new(big.Int).Add(lower.Value, upper.Value)
	avg.Rsh(avg, 1)
	out := upper.Clone()
	out.Value = avg
	if lower.AsOf.Before(out.AsOf) {
		out.AsOf = lower.AsOf
	}
	return out
}
