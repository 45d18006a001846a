package mirror

import (
	"errors"
	"sync"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
)

var (
	errNilState       = errors.New("mirror registry: state not configured")
	ErrRecordNotFound = errors.New("mirror registry: record not found")
	ErrInvalidAssetID = errors.New("mirror registry: asset id must be positive")
	ErrInvalidHolder  = errors.New("mirror registry: holder address required")
	ErrDuplicateNonce = errors.New("mirror registry: nonce already applied")
	ErrNonceGap       = errors.New("mirror registry: nonce gap, predecessor not applied")
	ErrRecordLocked   = errors.New("mirror registry: token locked as collateral")
	ErrNotHolder      = errors.New("mirror registry: caller does not hold token")
	ErrNotLocked      = errors.New("mirror registry: token not locked")
	ErrAlreadyLocked  = errors.New("mirror registry: token already locked")
	ErrUnmintedToken  = errors.New("mirror registry: token not minted")
	ErrHolderMismatch = errors.New("mirror registry: previous holder mismatch")
	ErrTokenUnknown   = errors.New("mirror registry: unknown mirror token id")
	ErrDomainRequired = errors.New("mirror registry: mint requires a domain name")
)

const moduleName = "mirror"

// registryState is the persistence boundary for mirror records. Both loads
// return ErrRecordNotFound (or a nil record) when the asset is unknown.
type registryState interface {
	GetMirrorRecord(originAssetID uint64) (*Record, error)
	GetMirrorRecordByToken(mirrorTokenID string) (*Record, error)
	PutMirrorRecord(record *Record) error
}

// Registry owns every MirrorRecord on the lending ledger. All custody-state
// mutations flow through Apply (driven by the relayer) or through the
// lock/unlock/seize operations used by the collateral vault.
type Registry struct {
	mu      sync.RWMutex
	state   registryState
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewRegistry constructs a registry bound to the given persistence layer.
func NewRegistry(state registryState) *Registry {
	return &Registry{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter wires the downstream event sink.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// Get returns a copy of the record for the asset, or ErrRecordNotFound.
func (r *Registry) Get(originAssetID uint64) (*Record, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load(originAssetID)
}

// GetByToken resolves a record by its mirror token identifier.
func (r *Registry) GetByToken(mirrorTokenID string) (*Record, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, err := r.state.GetMirrorRecordByToken(mirrorTokenID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrTokenUnknown
	}
	return record.Clone(), nil
}

// LastAppliedNonce reports the idempotency cursor for an asset; zero when the
// asset has never been mirrored.
func (r *Registry) LastAppliedNonce(originAssetID uint64) (uint64, error) {
	record, err := r.Get(originAssetID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.LastAppliedNonce, nil
}

// Apply performs the atomic mirror mutation for a validated custody update.
// The nonce must be exactly one greater than the record's LastAppliedNonce;
// lower nonces are duplicates, higher ones are gaps. The first applied nonce
// mints the mirror token.
func (r *Registry) Apply(update CustodyUpdate) (*Record, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	if update.OriginAssetID == 0 {
		return nil, ErrInvalidAssetID
	}
	if update.NewHolder.IsZero() {
		return nil, ErrInvalidHolder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.load(update.OriginAssetID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	last := uint64(0)
	if record != nil {
		last = record.LastAppliedNonce
	}
	switch {
	case update.Nonce <= last:
		return nil, ErrDuplicateNonce
	case update.Nonce != last+1:
		return nil, ErrNonceGap
	}

	if record == nil || record.Status == StatusUnminted {
		domain, err := NormalizeDomain(update.Domain)
		if err != nil {
			return nil, errors.Join(ErrDomainRequired, err)
		}
		record = &Record{
			OriginAssetID: update.OriginAssetID,
			Domain:        domain,
			MirrorTokenID: TokenID(update.OriginAssetID, domain),
			Holder:        update.NewHolder,
			Status:        StatusMinted,
		}
		record.LastAppliedNonce = update.Nonce
		if err := r.persist(record); err != nil {
			return nil, err
		}
		r.emitter.Emit(events.MirrorMinted{
			OriginAssetID: record.OriginAssetID,
			Domain:        record.Domain,
			MirrorTokenID: record.MirrorTokenID,
			Holder:        record.Holder,
			Nonce:         update.Nonce,
			EventHash:     update.EventHash,
		})
		return record.Clone(), nil
	}

	// A locked token sits in the collateral vault; an origin-side custody
	// change for it is an inconsistency the operator has to look at, so the
	// submission fails instead of silently rewriting the holder.
	if record.Status == StatusLocked {
		return nil, ErrRecordLocked
	}

	if !update.PreviousHolder.IsZero() && update.PreviousHolder.String() != record.Holder.String() {
		return nil, ErrHolderMismatch
	}

	from := record.Holder
	record.Holder = update.NewHolder
	record.LastAppliedNonce = update.Nonce
	if err := r.persist(record); err != nil {
		return nil, err
	}
	r.emitter.Emit(events.MirrorTransferred{
		OriginAssetID: record.OriginAssetID,
		MirrorTokenID: record.MirrorTokenID,
		From:          from,
		To:            record.Holder,
		Nonce:         update.Nonce,
		EventHash:     update.EventHash,
	})
	return record.Clone(), nil
}

// Lock pledges a minted token as collateral. Only the current holder may
// pledge, and a token can back at most one pledge at a time.
func (r *Registry) Lock(mirrorTokenID string, holder bastioncrypto.Address) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.loadByToken(mirrorTokenID)
	if err != nil {
		return err
	}
	switch record.Status {
	case StatusUnminted:
		return ErrUnmintedToken
	case StatusLocked:
		return ErrAlreadyLocked
	}
	if record.Holder.String() != holder.String() {
		return ErrNotHolder
	}
	record.Status = StatusLocked
	if err := r.persist(record); err != nil {
		return err
	}
	r.emitter.Emit(events.MirrorLocked{
		OriginAssetID: record.OriginAssetID,
		MirrorTokenID: record.MirrorTokenID,
		Holder:        record.Holder,
	})
	return nil
}

// Unlock releases a pledge back to the holder.
func (r *Registry) Unlock(mirrorTokenID string, holder bastioncrypto.Address) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.loadByToken(mirrorTokenID)
	if err != nil {
		return err
	}
	if record.Status != StatusLocked {
		return ErrNotLocked
	}
	if record.Holder.String() != holder.String() {
		return ErrNotHolder
	}
	record.Status = StatusMinted
	if err := r.persist(record); err != nil {
		return err
	}
	r.emitter.Emit(events.MirrorUnlocked{
		OriginAssetID: record.OriginAssetID,
		MirrorTokenID: record.MirrorTokenID,
		Holder:        record.Holder,
	})
	return nil
}

// SeizeTransfer moves a locked token to a liquidator and releases the lock.
// It is only reachable from the liquidation path, which already holds the
// borrower's serialization lock.
func (r *Registry) SeizeTransfer(mirrorTokenID string, to bastioncrypto.Address) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if to.IsZero() {
		return ErrInvalidHolder
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.loadByToken(mirrorTokenID)
	if err != nil {
		return err
	}
	if record.Status != StatusLocked {
		return ErrNotLocked
	}
	from := record.Holder
	record.Holder = to
	record.Status = StatusMinted
	if err := r.persist(record); err != nil {
		return err
	}
	r.emitter.Emit(events.MirrorTransferred{
		OriginAssetID: record.OriginAssetID,
		MirrorTokenID: record.MirrorTokenID,
		From:          from,
		To:            to,
		Nonce:         record.LastAppliedNonce,
	})
	return nil
}

func (r *Registry) load(originAssetID uint64) (*Record, error) {
	record, err := r.state.GetMirrorRecord(originAssetID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (r *Registry) loadByToken(mirrorTokenID string) (*Record, error) {
	record, err := r.state.GetMirrorRecordByToken(mirrorTokenID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrTokenUnknown
	}
	return record.Clone(), nil
}

func (r *Registry) persist(record *Record) error {
	record.EncodeHolder()
	return r.state.PutMirrorRecord(record)
}
