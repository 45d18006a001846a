package collateral

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/oracle"
)

var (
	errNilState           = errors.New("collateral manager: state not configured")
	ErrNotTokenHolder     = errors.New("collateral manager: token not held by depositor")
	ErrTokenAlreadyBacked = errors.New("collateral manager: token already backs a position")
	ErrPositionNotFound   = errors.New("collateral manager: position not found")
	ErrUnhealthyWithdraw  = errors.New("collateral manager: withdrawal would leave position unhealthy")
	ErrDegradedPrice      = errors.New("collateral manager: price read degraded")
	ErrOutstandingDebt    = errors.New("collateral manager: outstanding debt blocks release")
)

const moduleName = "collateral"

var basisPoints = big.NewInt(10_000)

// managerState is the persistence boundary for collateral accounts.
type managerState interface {
	GetCollateralAccount(addr bastioncrypto.Address) (*Account, error)
	PutCollateralAccount(account *Account) error
}

// registryView is the slice of the mirror registry the manager drives.
type registryView interface {
	GetByToken(mirrorTokenID string) (*mirror.Record, error)
	Lock(mirrorTokenID string, holder bastioncrypto.Address) error
	Unlock(mirrorTokenID string, holder bastioncrypto.Address) error
	SeizeTransfer(mirrorTokenID string, to bastioncrypto.Address) error
}

// priceView is the slice of the oracle manager the manager consults.
type priceView interface {
	Value(ctx context.Context, assetID uint64) (oracle.Valuation, error)
	Track(assetID uint64)
	Untrack(assetID uint64)
}

// DebtSource reports a borrower's current total debt (principal plus accrued
// interest). Implemented by the lending engine; the indirection keeps the
// package dependency one-way.
type DebtSource interface {
	DebtOf(holder bastioncrypto.Address) (*big.Int, error)
}

// Manager gates deposit and withdrawal of mirrored tokens as collateral and
// computes position value, borrowing capacity and health.
type Manager struct {
	state    managerState
	registry registryView
	prices   priceView
	debts    DebtSource
	params   RiskParameters
	locks    *nativecommon.KeyedMutex
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	clock    func() time.Time
}

// NewManager constructs a collateral manager. The keyed mutex must be the
// same instance shared with the lending and liquidation engines so all
// per-borrower operations are linearized.
func NewManager(state managerState, registry registryView, prices priceView, params RiskParameters, locks *nativecommon.KeyedMutex) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if locks == nil {
		locks = nativecommon.NewKeyedMutex()
	}
	return &Manager{
		state:    state,
		registry: registry,
		prices:   prices,
		params:   params,
		locks:    locks,
		emitter:  events.NoopEmitter{},
		clock:    time.Now,
	}, nil
}

// SetDebtSource wires the lending engine's debt view.
func (m *Manager) SetDebtSource(debts DebtSource) {
	if m != nil {
		m.debts = debts
	}
}

// SetEmitter wires the downstream event sink.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

func (m *Manager) SetPauses(p nativecommon.PauseView) {
	if m != nil {
		m.pauses = p
	}
}

// SetClock overrides the time source for deterministic tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m != nil && clock != nil {
		m.clock = clock
	}
}

// Params returns the configured risk parameters.
func (m *Manager) Params() RiskParameters {
	return m.params
}

// Deposit pledges a mirror token as collateral. The depositor must hold the
// token per the mirror registry and the token must not already back a
// position. Custody passes to the collateral vault via the registry lock.
func (m *Manager) Deposit(ctx context.Context, holder bastioncrypto.Address, mirrorTokenID string) (*Position, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}

	key := holder.String()
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	record, err := m.registry.GetByToken(mirrorTokenID)
	if err != nil {
		return nil, err
	}
	if record.Holder.String() != key {
		return nil, ErrNotTokenHolder
	}
	if record.Status == mirror.StatusLocked {
		return nil, ErrTokenAlreadyBacked
	}

	valuation, err := m.prices.Value(ctx, record.OriginAssetID)
	if err != nil {
		return nil, err
	}

	account, err := m.ensureAccount(holder)
	if err != nil {
		return nil, err
	}
	for _, pos := range account.Positions {
		if pos.MirrorTokenID == mirrorTokenID {
			return nil, ErrTokenAlreadyBacked
		}
	}

	if err := m.registry.Lock(mirrorTokenID, holder); err != nil {
		return nil, err
	}

	position := &Position{
		MirrorTokenID:  mirrorTokenID,
		OriginAssetID:  record.OriginAssetID,
		DepositedAt:    m.clock().Unix(),
		ValueAtDeposit: new(big.Int).Set(valuation.Value),
	}
	account.Positions = append(account.Positions, position)
	if err := m.persist(account); err != nil {
		return nil, err
	}
	m.prices.Track(record.OriginAssetID)
	return position.Clone(), nil
}

// Withdraw releases a pledged token back to the holder. When the holder has
// outstanding debt the withdrawal only succeeds if the remaining collateral
// keeps the health factor at or above one. Degraded price reads are permitted
// here: the operation can only reduce risk for the pool when it passes the
// health check.
func (m *Manager) Withdraw(ctx context.Context, holder bastioncrypto.Address, mirrorTokenID string) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return err
	}

	key := holder.String()
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	return m.withdrawLocked(ctx, holder, mirrorTokenID)
}

// withdrawLocked is the body of Withdraw for callers that already hold the
// borrower's serialization lock (full repayment releasing collateral).
func (m *Manager) withdrawLocked(ctx context.Context, holder bastioncrypto.Address, mirrorTokenID string) error {
	account, err := m.ensureAccount(holder)
	if err != nil {
		return err
	}
	idx := -1
	for i, pos := range account.Positions {
		if pos.MirrorTokenID == mirrorTokenID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrPositionNotFound
	}

	debt := big.NewInt(0)
	if m.debts != nil {
		current, err := m.debts.DebtOf(holder)
		if err != nil {
			return err
		}
		if current != nil {
			debt = current
		}
	}
	if debt.Sign() > 0 {
		remaining := big.NewInt(0)
		for i, pos := range account.Positions {
			if i == idx {
				continue
			}
			valuation, err := m.prices.Value(ctx, pos.OriginAssetID)
			if err != nil {
				return err
			}
			remaining.Add(remaining, valuation.Value)
		}
		if !m.healthy(remaining, debt) {
			return ErrUnhealthyWithdraw
		}
	}

	withdrawn := account.Positions[idx]
	if err := m.registry.Unlock(mirrorTokenID, holder); err != nil {
		return err
	}
	account.Positions = append(account.Positions[:idx], account.Positions[idx+1:]...)
	if err := m.persist(account); err != nil {
		return err
	}
	if !m.assetStillPledged(account, withdrawn.OriginAssetID) {
		m.prices.Untrack(withdrawn.OriginAssetID)
	}
	return nil
}

// Release unlocks every pledged token for a holder whose debt is fully
// settled. Any outstanding debt rejects the release; partial exits go
// through Withdraw.
func (m *Manager) Release(ctx context.Context, holder bastioncrypto.Address) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return err
	}

	key := holder.String()
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	if m.debts != nil {
		debt, err := m.debts.DebtOf(holder)
		if err != nil {
			return err
		}
		if debt != nil && debt.Sign() > 0 {
			return ErrOutstandingDebt
		}
	}
	return m.releaseAllLocked(ctx, holder)
}

// releaseAllLocked unlocks every pledged token. The caller holds the
// borrower lock and has confirmed the debt is zero.
func (m *Manager) releaseAllLocked(_ context.Context, holder bastioncrypto.Address) error {
	account, err := m.ensureAccount(holder)
	if err != nil {
		return err
	}
	for _, pos := range account.Positions {
		if err := m.registry.Unlock(pos.MirrorTokenID, holder); err != nil {
			return err
		}
		m.prices.Untrack(pos.OriginAssetID)
	}
	account.Positions = nil
	return m.persist(account)
}

// Positions returns copies of the holder's open positions.
func (m *Manager) Positions(holder bastioncrypto.Address) ([]*Position, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	account, err := m.ensureAccount(holder)
	if err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(account.Positions))
	for _, pos := range account.Positions {
		out = append(out, pos.Clone())
	}
	return out, nil
}

// Value sums the live oracle valuation of every pledged token. The degraded
// flag is set when any component valuation came from a stale cache or a
// fallback; the liquidation engine must not act on a degraded read.
func (m *Manager) Value(ctx context.Context, holder bastioncrypto.Address) (*big.Int, bool, error) {
	if m == nil || m.state == nil {
		return nil, false, errNilState
	}
	account, err := m.ensureAccount(holder)
	if err != nil {
		return nil, false, err
	}
	total := big.NewInt(0)
	degraded := false
	for _, pos := range account.Positions {
		valuation, err := m.prices.Value(ctx, pos.OriginAssetID)
		if err != nil {
			return nil, false, err
		}
		total.Add(total, valuation.Value)
		degraded = degraded || valuation.Degraded
	}
	return total, degraded, nil
}

// MaxBorrow computes the borrowing capacity: collateral value times max LTV.
func (m *Manager) MaxBorrow(ctx context.Context, holder bastioncrypto.Address) (*big.Int, bool, error) {
	value, degraded, err := m.Value(ctx, holder)
	if err != nil {
		return nil, false, err
	}
	capacity := new(big.Int).Mul(value, new(big.Int).SetUint64(m.params.MaxLTVBps))
	capacity.Quo(capacity, basisPoints)
	return capacity, degraded, nil
}

// HealthFactor computes (collateralValue * liquidationThreshold) / debt from
// live inputs. A nil factor means the holder carries no debt. The factor is
// never persisted.
func (m *Manager) HealthFactor(ctx context.Context, holder bastioncrypto.Address, debt *big.Int) (*big.Rat, bool, error) {
	if debt == nil || debt.Sign() == 0 {
		return nil, false, nil
	}
	value, degraded, err := m.Value(ctx, holder)
	if err != nil {
		return nil, false, err
	}
	num := new(big.Int).Mul(value, new(big.Int).SetUint64(m.params.LiquidationThresholdBps))
	den := new(big.Int).Mul(debt, basisPoints)
	return new(big.Rat).SetFrac(num, den), degraded, nil
}

// Liquidatable reports whether the holder's health factor is below one.
func (m *Manager) Liquidatable(ctx context.Context, holder bastioncrypto.Address, debt *big.Int) (bool, bool, error) {
	factor, degraded, err := m.HealthFactor(ctx, holder, debt)
	if err != nil {
		return false, false, err
	}
	if factor == nil {
		return false, degraded, nil
	}
	return factor.Cmp(big.NewRat(1, 1)) < 0, degraded, nil
}

// Seize transfers pledged tokens to the liquidator, smallest live value first,
// until the cumulative seized value reaches targetValue or the collateral is
// exhausted. The caller (liquidation engine) holds the borrower lock and has
// already vetoed degraded prices.
func (m *Manager) Seize(ctx context.Context, borrower, liquidator bastioncrypto.Address, targetValue *big.Int) (*big.Int, []string, error) {
	if m == nil || m.state == nil {
		return nil, nil, errNilState
	}
	account, err := m.ensureAccount(borrower)
	if err != nil {
		return nil, nil, err
	}

	type valued struct {
		pos   *Position
		value *big.Int
	}
	ranked := make([]valued, 0, len(account.Positions))
	for _, pos := range account.Positions {
		valuation, err := m.prices.Value(ctx, pos.OriginAssetID)
		if err != nil {
			return nil, nil, err
		}
		if valuation.Degraded {
			return nil, nil, ErrDegradedPrice
		}
		ranked = append(ranked, valued{pos: pos, value: valuation.Value})
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].value.Cmp(ranked[j-1].value) < 0; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	seizedValue := big.NewInt(0)
	seizedTokens := make([]string, 0, len(ranked))
	seized := make(map[string]bool, len(ranked))
	for _, entry := range ranked {
		if seizedValue.Cmp(targetValue) >= 0 {
			break
		}
		if err := m.registry.SeizeTransfer(entry.pos.MirrorTokenID, liquidator); err != nil {
			return nil, nil, err
		}
		seizedValue.Add(seizedValue, entry.value)
		seizedTokens = append(seizedTokens, entry.pos.MirrorTokenID)
		seized[entry.pos.MirrorTokenID] = true
	}

	kept := account.Positions[:0]
	for _, pos := range account.Positions {
		if seized[pos.MirrorTokenID] {
			if !m.assetStillPledgedExcept(account, pos.OriginAssetID, seized) {
				m.prices.Untrack(pos.OriginAssetID)
			}
			continue
		}
		kept = append(kept, pos)
	}
	account.Positions = kept
	if err := m.persist(account); err != nil {
		return nil, nil, err
	}
	return seizedValue, seizedTokens, nil
}

func (m *Manager) healthy(collateralValue, debt *big.Int) bool {
	if debt == nil || debt.Sign() == 0 {
		return true
	}
	if collateralValue == nil || collateralValue.Sign() == 0 {
		return false
	}
	num := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(m.params.LiquidationThresholdBps))
	den := new(big.Int).Mul(debt, basisPoints)
	return num.Cmp(den) >= 0
}

func (m *Manager) assetStillPledged(account *Account, assetID uint64) bool {
	for _, pos := range account.Positions {
		if pos.OriginAssetID == assetID {
			return true
		}
	}
	return false
}

func (m *Manager) assetStillPledgedExcept(account *Account, assetID uint64, excluded map[string]bool) bool {
	for _, pos := range account.Positions {
		if excluded[pos.MirrorTokenID] {
			continue
		}
		if pos.OriginAssetID == assetID {
			return true
		}
	}
	return false
}

func (m *Manager) ensureAccount(addr bastioncrypto.Address) (*Account, error) {
	account, err := m.state.GetCollateralAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &Account{Address: addr}
	}
	return account, nil
}

func (m *Manager) persist(account *Account) error {
	account.EncodeAddress()
	return m.state.PutCollateralAccount(account)
}
