package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/storage"
)

// Key prefixes. Every record is stored as JSON under a typed prefix so the
// engines can share one database without colliding.
const (
	prefixAccount         = "account/"
	prefixMirrorAsset     = "mirror/asset/"
	prefixMirrorToken     = "mirror/token/"
	prefixCollateral      = "collateral/"
	keyLendingPool        = "lending/pool"
	prefixLendingShares   = "lending/shares/"
	prefixLendingLoan     = "lending/loan/"
	prefixRelayCheckpoint = "relay/checkpoint/"
)

// Manager is the persistence boundary shared by the mirror registry, the
// collateral manager, the lending engine and the relayer. It satisfies each
// engine's narrow state interface; loads return nil for absent records.
type Manager struct {
	db storage.Database
}

// NewManager wraps a key-value database in the typed persistence layer.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) get(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

func accountKey(prefix string, addr bastioncrypto.Address) string {
	return prefix + addr.String()
}

// GetAccount loads the ledger account for an address, or nil when absent.
func (m *Manager) GetAccount(addr bastioncrypto.Address) (*types.Account, error) {
	account := new(types.Account)
	ok, err := m.get(accountKey(prefixAccount, addr), account)
	if err != nil || !ok {
		return nil, err
	}
	account.Normalize()
	return account, nil
}

// PutAccount persists the ledger account for an address.
func (m *Manager) PutAccount(addr bastioncrypto.Address, account *types.Account) error {
	if account == nil {
		return errors.New("state: nil account")
	}
	account.Normalize()
	return m.put(accountKey(prefixAccount, addr), account)
}

// GetMirrorRecord loads a mirror record by origin asset id.
func (m *Manager) GetMirrorRecord(originAssetID uint64) (*mirror.Record, error) {
	record := new(mirror.Record)
	ok, err := m.get(mirrorAssetKey(originAssetID), record)
	if err != nil || !ok {
		return nil, err
	}
	if err := record.DecodeHolder(); err != nil {
		return nil, err
	}
	return record, nil
}

// GetMirrorRecordByToken resolves a record through the token index.
func (m *Manager) GetMirrorRecordByToken(mirrorTokenID string) (*mirror.Record, error) {
	raw, err := m.db.Get([]byte(prefixMirrorToken + mirrorTokenID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("state: corrupt mirror token index for %s", mirrorTokenID)
	}
	return m.GetMirrorRecord(binary.BigEndian.Uint64(raw))
}

// PutMirrorRecord persists a mirror record and its token index entry.
func (m *Manager) PutMirrorRecord(record *mirror.Record) error {
	if record == nil {
		return errors.New("state: nil mirror record")
	}
	if err := m.put(mirrorAssetKey(record.OriginAssetID), record); err != nil {
		return err
	}
	index := make([]byte, 8)
	binary.BigEndian.PutUint64(index, record.OriginAssetID)
	return m.db.Put([]byte(prefixMirrorToken+record.MirrorTokenID), index)
}

func mirrorAssetKey(originAssetID uint64) string {
	return fmt.Sprintf("%s%d", prefixMirrorAsset, originAssetID)
}

// GetCollateralAccount loads a holder's collateral account, or nil.
func (m *Manager) GetCollateralAccount(addr bastioncrypto.Address) (*collateral.Account, error) {
	account := new(collateral.Account)
	ok, err := m.get(accountKey(prefixCollateral, addr), account)
	if err != nil || !ok {
		return nil, err
	}
	if err := account.DecodeAddress(); err != nil {
		return nil, err
	}
	return account, nil
}

// PutCollateralAccount persists a holder's collateral account.
func (m *Manager) PutCollateralAccount(account *collateral.Account) error {
	if account == nil {
		return errors.New("state: nil collateral account")
	}
	account.EncodeAddress()
	return m.put(accountKey(prefixCollateral, account.Address), account)
}

// LendingPool loads the global pool record, or nil before the first write.
func (m *Manager) LendingPool() (*lending.Pool, error) {
	pool := new(lending.Pool)
	ok, err := m.get(keyLendingPool, pool)
	if err != nil || !ok {
		return nil, err
	}
	pool.Normalize()
	return pool, nil
}

// PutLendingPool persists the global pool record.
func (m *Manager) PutLendingPool(pool *lending.Pool) error {
	if pool == nil {
		return errors.New("state: nil lending pool")
	}
	pool.Normalize()
	return m.put(keyLendingPool, pool)
}

// GetShareAccount loads a lender's share account, or nil.
func (m *Manager) GetShareAccount(addr bastioncrypto.Address) (*lending.ShareAccount, error) {
	account := new(lending.ShareAccount)
	ok, err := m.get(accountKey(prefixLendingShares, addr), account)
	if err != nil || !ok {
		return nil, err
	}
	if err := account.DecodeAddress(); err != nil {
		return nil, err
	}
	account.Normalize()
	return account, nil
}

// PutShareAccount persists a lender's share account.
func (m *Manager) PutShareAccount(account *lending.ShareAccount) error {
	if account == nil {
		return errors.New("state: nil share account")
	}
	account.EncodeAddress()
	return m.put(accountKey(prefixLendingShares, account.Address), account)
}

// GetLoan loads a borrower's loan, or nil.
func (m *Manager) GetLoan(addr bastioncrypto.Address) (*lending.Loan, error) {
	loan := new(lending.Loan)
	ok, err := m.get(accountKey(prefixLendingLoan, addr), loan)
	if err != nil || !ok {
		return nil, err
	}
	if err := loan.DecodeAddress(); err != nil {
		return nil, err
	}
	loan.Normalize()
	return loan, nil
}

// PutLoan persists a borrower's loan.
func (m *Manager) PutLoan(loan *lending.Loan) error {
	if loan == nil {
		return errors.New("state: nil loan")
	}
	loan.EncodeAddress()
	return m.put(accountKey(prefixLendingLoan, loan.Borrower), loan)
}

// RelayCheckpoint reports the last fully processed origin block height for a
// named watcher; zero when the watcher has never checkpointed.
func (m *Manager) RelayCheckpoint(name string) (uint64, error) {
	raw, err := m.db.Get([]byte(prefixRelayCheckpoint + name))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: corrupt relay checkpoint for %s", name)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// PutRelayCheckpoint durably records the watcher's processed height.
func (m *Manager) PutRelayCheckpoint(name string, height uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, height)
	return m.db.Put([]byte(prefixRelayCheckpoint+name), raw)
}
