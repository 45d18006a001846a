package oracle

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedSource returns a fixed quote until failed, counting fetches.
type scriptedSource struct {
	name    string
	value   *big.Int
	asOf    time.Time
	fail    bool
	fetches int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(context.Context, uint64) (Quote, error) {
	s.fetches++
	if s.fail {
		return Quote{}, errors.New("upstream unavailable")
	}
	return Quote{Value: new(big.Int).Set(s.value), AsOf: s.asOf, Confidence: 1}, nil
}

func testClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func TestValueTakesMedianAcrossSources(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&scriptedSource{name: "a", value: big.NewInt(90), asOf: now},
		&scriptedSource{name: "b", value: big.NewInt(100), asOf: now},
		&scriptedSource{name: "c", value: big.NewInt(250), asOf: now},
	}
	mgr, err := NewManager(sources, time.Hour, time.Second, time.Minute, WithClock(testClock(now)))
	require.NoError(t, err)

	val, err := mgr.Value(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), val.Value)
	require.False(t, val.Degraded)
}

func TestValueAveragesEvenQuoteCount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&scriptedSource{name: "a", value: big.NewInt(100), asOf: now},
		&scriptedSource{name: "b", value: big.NewInt(200), asOf: now},
	}
	mgr, err := NewManager(sources, time.Hour, time.Second, time.Minute, WithClock(testClock(now)))
	require.NoError(t, err)

	val, err := mgr.Value(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150), val.Value)
}

func TestValueServesFreshCacheWithoutRefetch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &scriptedSource{name: "a", value: big.NewInt(55), asOf: now}
	mgr, err := NewManager([]Source{src}, time.Hour, time.Second, time.Minute, WithClock(testClock(now)))
	require.NoError(t, err)

	_, err = mgr.Value(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, src.fetches)

	val, err := mgr.Value(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, src.fetches)
	require.Equal(t, big.NewInt(55), val.Value)
	require.False(t, val.Degraded)
}

func TestValueDegradesToStaleCacheWhenSourcesFail(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &scriptedSource{name: "a", value: big.NewInt(80), asOf: now}
	clockNow := now
	mgr, err := NewManager([]Source{src}, time.Hour, time.Second, time.Minute,
		WithClock(func() time.Time { return clockNow }))
	require.NoError(t, err)

	_, err = mgr.Value(context.Background(), 3)
	require.NoError(t, err)

	clockNow = now.Add(2 * time.Hour)
	src.fail = true

	val, err := mgr.Value(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, val.Degraded)
	require.Equal(t, big.NewInt(80), val.Value)
	require.Equal(t, now, val.AsOf)
}

func TestValueDegradesToFallbackWithoutCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &scriptedSource{name: "a", fail: true}
	mgr, err := NewManager([]Source{src}, time.Hour, time.Second, time.Minute,
		WithClock(testClock(now)),
		WithFallback(9, big.NewInt(1234)),
		WithDefaultFallback(big.NewInt(500)),
	)
	require.NoError(t, err)

	val, err := mgr.Value(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, val.Degraded)
	require.Equal(t, big.NewInt(1234), val.Value)

	val, err = mgr.Value(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, val.Degraded)
	require.Equal(t, big.NewInt(500), val.Value)
}

func TestValueFailsWhenNothingAvailable(t *testing.T) {
	src := &scriptedSource{name: "a", fail: true}
	mgr, err := NewManager([]Source{src}, time.Hour, time.Second, time.Minute)
	require.NoError(t, err)

	_, err = mgr.Value(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoValue)
}

func TestFetchRejectsExpiredAndFutureQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&scriptedSource{name: "expired", value: big.NewInt(70), asOf: now.Add(-2 * time.Hour)},
		&scriptedSource{name: "future", value: big.NewInt(80), asOf: now.Add(time.Minute)},
		&scriptedSource{name: "good", value: big.NewInt(90), asOf: now},
	}
	mgr, err := NewManager(sources, time.Hour, time.Second, time.Minute, WithClock(testClock(now)))
	require.NoError(t, err)

	val, err := mgr.Value(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(90), val.Value)
}

func TestFixedSourceServesConfiguredValues(t *testing.T) {
	src := NewFixedSource("manual", map[uint64]*big.Int{11: big.NewInt(42)})
	quote, err := src.Fetch(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), quote.Value)

	_, err = src.Fetch(context.Background(), 12)
	require.Error(t, err)

	src.Set(12, big.NewInt(9))
	quote, err = src.Fetch(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(9), quote.Value)
}

func TestConfigBuildsManagerFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.yaml")
	raw := `
maxAge: 30m
fetchTimeout: 5s
refreshInterval: 1m
sources:
  - name: manual
    type: fixed
    values:
      17: "75000"
fallbacks:
  - assetId: 17
    value: "60000"
defaultFallback: "1000"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.MaxAge.Duration)

	mgr, err := cfg.Build()
	require.NoError(t, err)

	val, err := mgr.Value(context.Background(), 17)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(75000), val.Value)
	require.False(t, val.Degraded)
}

func TestConfigRejectsUnknownSourceType(t *testing.T) {
	cfg := &Config{Sources: []SourceConfig{{Name: "x", Type: "carrier-pigeon"}}}
	_, err := cfg.Build()
	require.Error(t, err)
}
