package liquidation

import (
	"context"
	"errors"
	"math/big"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
)

var (
	ErrInvalidAmount   = errors.New("liquidation engine: repay amount must be positive")
	ErrNoDebt          = errors.New("liquidation engine: borrower has no outstanding debt")
	ErrHealthyPosition = errors.New("liquidation engine: position health factor is not below one")
	ErrDegradedPrice   = errors.New("liquidation engine: refusing to act on degraded price data")
	ErrRepayTooLarge   = errors.New("liquidation engine: repay amount exceeds the partial liquidation cap")
)

const moduleName = "liquidation"

var basisPoints = big.NewInt(10_000)

// Params bounds a single liquidation call.
type Params struct {
	// MaxLiquidationRatioBps caps the debt fraction one call may repay.
	MaxLiquidationRatioBps uint64
	// LiquidationBonusBps is the liquidator's premium over the repaid value.
	LiquidationBonusBps uint64
}

// Validate enforces sane bounds on the parameters.
func (p Params) Validate() error {
	if p.MaxLiquidationRatioBps == 0 || p.MaxLiquidationRatioBps > 10_000 {
		return errors.New("liquidation engine: max liquidation ratio must be in (0, 10000] bps")
	}
	if p.LiquidationBonusBps > 10_000 {
		return errors.New("liquidation engine: liquidation bonus must not exceed 10000 bps")
	}
	return nil
}

// collateralView is the slice of the collateral manager the engine drives.
type collateralView interface {
	Liquidatable(ctx context.Context, holder bastioncrypto.Address, debt *big.Int) (bool, bool, error)
	Seize(ctx context.Context, borrower, liquidator bastioncrypto.Address, targetValue *big.Int) (*big.Int, []string, error)
	Positions(holder bastioncrypto.Address) ([]*collateral.Position, error)
}

// lendingView is the slice of the lending engine the engine drives. All three
// methods assume the caller already holds the borrower's key.
type lendingView interface {
	DebtOf(borrower bastioncrypto.Address) (*big.Int, error)
	RepayForLiquidation(borrower, liquidator bastioncrypto.Address, amount *big.Int) (*big.Int, error)
	WriteOff(borrower bastioncrypto.Address) (*big.Int, error)
}

// Result summarizes a completed liquidation.
type Result struct {
	Repaid        *big.Int
	SeizedValue   *big.Int
	SeizedTokens  []string
	RemainingDebt *big.Int
	// BadDebt is the written-off debt when seizure exhausted the collateral
	// without covering it. Zero on a clean liquidation.
	BadDebt *big.Int
}

// Engine restores solvency on unsafe positions. Any caller may act as the
// liquidator: they repay a bounded slice of the borrower's debt and receive
// collateral worth the repayment plus a bonus, seized smallest value first.
type Engine struct {
	collateral collateralView
	lending    lendingView
	params     Params
	locks      *nativecommon.KeyedMutex
	emitter    events.Emitter
	pauses     nativecommon.PauseView
}

// NewEngine constructs a liquidation engine. The keyed mutex must be the same
// instance shared with the collateral manager and the lending engine so the
// whole liquidation runs under the borrower's key.
func NewEngine(collateralMgr collateralView, lendingEng lendingView, params Params, locks *nativecommon.KeyedMutex) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if locks == nil {
		locks = nativecommon.NewKeyedMutex()
	}
	return &Engine{
		collateral: collateralMgr,
		lending:    lendingEng,
		params:     params,
		locks:      locks,
		emitter:    events.NoopEmitter{},
	}, nil
}

// SetEmitter wires the downstream event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e != nil {
		e.pauses = p
	}
}

// Params returns the configured liquidation parameters.
func (e *Engine) Params() Params {
	return e.params
}

// MaxRepay reports the largest repay amount a single call may apply against
// the given total debt.
func (e *Engine) MaxRepay(totalDebt *big.Int) *big.Int {
	if totalDebt == nil || totalDebt.Sign() <= 0 {
		return big.NewInt(0)
	}
	capped := new(big.Int).Mul(totalDebt, new(big.Int).SetUint64(e.params.MaxLiquidationRatioBps))
	capped.Quo(capped, basisPoints)
	if capped.Cmp(totalDebt) > 0 {
		capped.Set(totalDebt)
	}
	return capped
}

// Liquidate repays part of an unsafe borrower's debt from the liquidator's
// balance and seizes collateral worth repayAmount plus the bonus. It refuses
// healthy positions, degraded price reads and repayments above the partial
// liquidation cap. When seizure drains the collateral without clearing the
// debt, the residual is written off against the pool and reported as bad debt.
func (e *Engine) Liquidate(ctx context.Context, borrower, liquidator bastioncrypto.Address, repayAmount *big.Int) (*Result, error) {
	if e == nil || e.collateral == nil || e.lending == nil {
		return nil, errors.New("liquidation engine: not configured")
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	key := borrower.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	debt, err := e.lending.DebtOf(borrower)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return nil, ErrNoDebt
	}

	unsafe, degraded, err := e.collateral.Liquidatable(ctx, borrower, debt)
	if err != nil {
		return nil, err
	}
	if degraded {
		return nil, ErrDegradedPrice
	}
	if !unsafe {
		return nil, ErrHealthyPosition
	}
	if repayAmount.Cmp(e.MaxRepay(debt)) > 0 {
		return nil, ErrRepayTooLarge
	}

	remaining, err := e.lending.RepayForLiquidation(borrower, liquidator, repayAmount)
	if err != nil {
		return nil, err
	}

	target := new(big.Int).Mul(repayAmount, new(big.Int).SetUint64(10_000+e.params.LiquidationBonusBps))
	target.Quo(target, basisPoints)

	seizedValue, seizedTokens, err := e.collateral.Seize(ctx, borrower, liquidator, target)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Repaid:        new(big.Int).Set(repayAmount),
		SeizedValue:   seizedValue,
		SeizedTokens:  seizedTokens,
		RemainingDebt: remaining,
		BadDebt:       big.NewInt(0),
	}

	if seizedValue.Cmp(target) < 0 && remaining.Sign() > 0 {
		left, err := e.collateral.Positions(borrower)
		if err != nil {
			return nil, err
		}
		if len(left) == 0 {
			shortfall, err := e.lending.WriteOff(borrower)
			if err != nil {
				return nil, err
			}
			result.BadDebt = shortfall
			result.RemainingDebt = big.NewInt(0)
			e.emitter.Emit(events.BadDebt{Borrower: borrower, Liquidator: liquidator, Shortfall: shortfall})
		}
	}

	e.emitter.Emit(events.LiquidationExecuted{
		Borrower:      borrower,
		Liquidator:    liquidator,
		Repaid:        result.Repaid,
		SeizedValue:   result.SeizedValue,
		SeizedTokens:  result.SeizedTokens,
		RemainingDebt: result.RemainingDebt,
	})
	return result, nil
}
