package relayer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeOriginClient struct {
	head uint64
	logs []ethtypes.Log
}

func (c *fakeOriginClient) BlockNumber(context.Context) (uint64, error) {
	return c.head, nil
}

func (c *fakeOriginClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []ethtypes.Log
	for _, entry := range c.logs {
		if entry.BlockNumber >= from && entry.BlockNumber <= to {
			out = append(out, entry)
		}
	}
	return out, nil
}

// fakeSubmitter mirrors Relayer.Submit's contract: structural validation
// first, then journaling, which may fail transiently.
type fakeSubmitter struct {
	mu     sync.Mutex
	events []CustodyEvent
	err    error
}

func (s *fakeSubmitter) Submit(_ context.Context, event CustodyEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := event.Validate(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	return "journal-id", nil
}

func (s *fakeSubmitter) received() []CustodyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CustodyEvent, len(s.events))
	copy(out, s.events)
	return out
}

type memCheckpoints struct {
	mu      sync.Mutex
	heights map[string]uint64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{heights: make(map[string]uint64)}
}

func (m *memCheckpoints) RelayCheckpoint(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heights[name], nil
}

func (m *memCheckpoints) PutRelayCheckpoint(name string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[name] = height
	return nil
}

var watcherContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func custodyLog(t *testing.T, assetID uint64, prev, next common.Address, nonce uint64, domain string, block uint64) ethtypes.Log {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	require.NoError(t, err)
	event := parsed.Events["CustodyChanged"]
	data, err := event.Inputs.NonIndexed().Pack(prev, next, nonce, domain)
	require.NoError(t, err)
	var txHash common.Hash
	txHash[0] = byte(assetID)
	txHash[1] = byte(nonce)
	return ethtypes.Log{
		Address:     watcherContract,
		Topics:      []common.Hash{event.ID, common.BigToHash(new(big.Int).SetUint64(assetID))},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func newTestWatcher(t *testing.T, client *fakeOriginClient, sink submitter, checkpoints checkpointStore) *Watcher {
	t.Helper()
	w, err := NewWatcher(client, sink, checkpoints, WatcherConfig{
		Contract:      watcherContract,
		Confirmations: 2,
	}, nil)
	require.NoError(t, err)
	return w
}

func TestWatcherDeliversConfirmedCustodyLogs(t *testing.T) {
	holder := common.HexToAddress("0x0000000000000000000000000000000000000001")
	client := &fakeOriginClient{
		head: 12,
		logs: []ethtypes.Log{
			custodyLog(t, 1, common.Address{}, holder, 1, "vault.example.com", 5),
		},
	}
	sink := &fakeSubmitter{}
	checkpoints := newMemCheckpoints()
	w := newTestWatcher(t, client, sink, checkpoints)

	require.NoError(t, w.poll(context.Background()))

	events := sink.received()
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].OriginAssetID)
	require.Equal(t, uint64(1), events[0].Nonce)
	require.Equal(t, "vault.example.com", events[0].Domain)
	require.True(t, events[0].PreviousHolder.IsZero(), "mint carries no previous holder")
	require.False(t, events[0].NewHolder.IsZero())
	require.Equal(t, uint64(5), events[0].OriginBlockHeight)

	height, err := checkpoints.RelayCheckpoint(checkpointName)
	require.NoError(t, err)
	require.Equal(t, uint64(10), height, "checkpoint lands on head minus confirmations")
}

func TestWatcherSkipsStructurallyInvalidEvents(t *testing.T) {
	// A custody change to the zero address can never validate. The window
	// must still checkpoint, and later assets behind it must still deliver.
	holder := common.HexToAddress("0x0000000000000000000000000000000000000002")
	client := &fakeOriginClient{
		head: 12,
		logs: []ethtypes.Log{
			custodyLog(t, 1, common.Address{}, common.Address{}, 1, "vault.example.com", 5),
			custodyLog(t, 2, common.Address{}, holder, 1, "other.example.com", 6),
		},
	}
	sink := &fakeSubmitter{}
	checkpoints := newMemCheckpoints()
	w := newTestWatcher(t, client, sink, checkpoints)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.poll(ctx))
	}

	events := sink.received()
	require.Len(t, events, 1, "the invalid event is dropped, not redelivered")
	require.Equal(t, uint64(2), events[0].OriginAssetID)

	height, err := checkpoints.RelayCheckpoint(checkpointName)
	require.NoError(t, err)
	require.Equal(t, uint64(10), height)
}

func TestWatcherHoldsCheckpointOnTransientSubmitError(t *testing.T) {
	holder := common.HexToAddress("0x0000000000000000000000000000000000000003")
	client := &fakeOriginClient{
		head: 12,
		logs: []ethtypes.Log{
			custodyLog(t, 1, common.Address{}, holder, 1, "vault.example.com", 5),
		},
	}
	sink := &fakeSubmitter{err: errors.New("journal unavailable")}
	checkpoints := newMemCheckpoints()
	w := newTestWatcher(t, client, sink, checkpoints)
	ctx := context.Background()

	require.Error(t, w.poll(ctx))
	height, err := checkpoints.RelayCheckpoint(checkpointName)
	require.NoError(t, err)
	require.Zero(t, height, "transient failures must replay the window")

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	require.NoError(t, w.poll(ctx))
	require.Len(t, sink.received(), 1)
	height, err = checkpoints.RelayCheckpoint(checkpointName)
	require.NoError(t, err)
	require.Equal(t, uint64(10), height)
}
