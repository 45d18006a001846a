package relayer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

// custodyABI describes the origin registry's custody event. Only this one
// event matters to the relayer.
const custodyABI = `[{"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"uint256","name":"assetId","type":"uint256"},
    {"indexed":false,"internalType":"address","name":"previousHolder","type":"address"},
    {"indexed":false,"internalType":"address","name":"newHolder","type":"address"},
    {"indexed":false,"internalType":"uint64","name":"nonce","type":"uint64"},
    {"indexed":false,"internalType":"string","name":"domain","type":"string"}],
    "name":"CustodyChanged","type":"event"}]`

// originClient is the slice of ethclient.Client the watcher needs.
type originClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// submitter receives decoded custody events; satisfied by *Relayer.
type submitter interface {
	Submit(ctx context.Context, event CustodyEvent) (string, error)
}

// checkpointStore durably tracks the watcher's processed origin height.
type checkpointStore interface {
	RelayCheckpoint(name string) (uint64, error)
	PutRelayCheckpoint(name string, height uint64) error
}

const (
	checkpointName = "origin"
	// maxBlockRange bounds a single log query so a cold start does not ask
	// the origin node for the whole chain at once.
	maxBlockRange = 5_000
)

// WatcherConfig parameterises the origin chain subscription.
type WatcherConfig struct {
	// Contract is the origin custody registry address.
	Contract common.Address
	// Confirmations is the reorg safety depth; only blocks at least this
	// far behind the head are read.
	Confirmations uint64
	// PollInterval is the head polling cadence.
	PollInterval time.Duration
	// StartHeight seeds the checkpoint on first run.
	StartHeight uint64
}

// Watcher tails the origin chain for custody changes and feeds them into the
// relayer. Heights are checkpointed only after every event in the batch has
// been journaled, so a crash replays the batch; the journal digest makes the
// replay harmless.
type Watcher struct {
	client      originClient
	relayer     submitter
	checkpoints checkpointStore
	config      WatcherConfig
	logger      *slog.Logger
	custodyABI  abi.ABI
	eventID     common.Hash
}

// NewWatcher builds an origin watcher. Confirmations defaults to 6 and the
// poll interval to 15 seconds when unset.
func NewWatcher(client originClient, relayer submitter, checkpoints checkpointStore, config WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("relayer watcher: parse abi: %w", err)
	}
	if config.Confirmations == 0 {
		config.Confirmations = 6
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:      client,
		relayer:     relayer,
		checkpoints: checkpoints,
		config:      config,
		logger:      logger.With("component", "origin-watcher"),
		custodyABI:  parsed,
		eventID:     parsed.Events["CustodyChanged"].ID,
	}, nil
}

// Run polls the origin chain until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.poll(ctx); err != nil {
			w.logger.Error("poll origin chain", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll processes one confirmed block window.
func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head height: %w", err)
	}
	if head < w.config.Confirmations {
		return nil
	}
	safe := head - w.config.Confirmations

	last, err := w.checkpoints.RelayCheckpoint(checkpointName)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if last == 0 && w.config.StartHeight > 0 {
		last = w.config.StartHeight
	}
	if last >= safe {
		return nil
	}

	from := last + 1
	to := safe
	if to-from > maxBlockRange {
		to = from + maxBlockRange
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.config.Contract},
		Topics:    [][]common.Hash{{w.eventID}},
	})
	if err != nil {
		return fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		event, err := w.decode(entry)
		if err != nil {
			w.logger.Error("decode custody log",
				"block", entry.BlockNumber, "tx", entry.TxHash.Hex(), "error", err)
			continue
		}
		if _, err := w.relayer.Submit(ctx, event); err != nil {
			// Structurally invalid events never become valid; holding the
			// checkpoint on them would wedge every asset behind this window.
			if IsValidationError(err) {
				w.logger.Error("invalid custody event skipped",
					"asset", event.OriginAssetID, "nonce", event.Nonce,
					"block", entry.BlockNumber, "tx", entry.TxHash.Hex(), "error", err)
				continue
			}
			return fmt.Errorf("submit custody event asset=%d nonce=%d: %w",
				event.OriginAssetID, event.Nonce, err)
		}
	}

	if err := w.checkpoints.PutRelayCheckpoint(checkpointName, to); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	if len(logs) > 0 {
		w.logger.Info("processed origin window", "from", from, "to", to, "events", len(logs))
	}
	return nil
}

// decode unpacks a CustodyChanged log into the relayer's event form. Origin
// holders are projected onto the mirror ledger by reusing their 20 account
// bytes under the bastion prefix.
func (w *Watcher) decode(entry ethtypes.Log) (CustodyEvent, error) {
	if len(entry.Topics) < 2 {
		return CustodyEvent{}, fmt.Errorf("missing asset id topic")
	}
	assetID := new(big.Int).SetBytes(entry.Topics[1].Bytes())
	if !assetID.IsUint64() {
		return CustodyEvent{}, fmt.Errorf("asset id out of range: %s", assetID)
	}

	var payload struct {
		PreviousHolder common.Address
		NewHolder      common.Address
		Nonce          uint64
		Domain         string
	}
	if err := w.custodyABI.UnpackIntoInterface(&payload, "CustodyChanged", entry.Data); err != nil {
		return CustodyEvent{}, fmt.Errorf("unpack data: %w", err)
	}

	event := CustodyEvent{
		OriginAssetID:     assetID.Uint64(),
		Domain:            payload.Domain,
		NewHolder:         bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, payload.NewHolder.Bytes()),
		OriginBlockHeight: entry.BlockNumber,
		Nonce:             payload.Nonce,
		EventHash:         [32]byte(entry.TxHash),
	}
	if payload.PreviousHolder != (common.Address{}) {
		event.PreviousHolder = bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, payload.PreviousHolder.Bytes())
	}
	return event, nil
}
