package events

import (
	"math/big"
	"strconv"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

const (
	// TypeLiquidationExecuted is emitted when a liquidator repays part of an
	// unsafe position and seizes collateral.
	TypeLiquidationExecuted = "liquidation.executed"
	// TypeBadDebt is emitted when seizing every remaining token still left a
	// shortfall against the bonus-adjusted repay value. It affects pool
	// solvency accounting and must never be silent.
	TypeBadDebt = "liquidation.baddebt"
)

type LiquidationExecuted struct {
	Borrower      crypto.Address
	Liquidator    crypto.Address
	Repaid        *big.Int
	SeizedValue   *big.Int
	SeizedTokens  []string
	RemainingDebt *big.Int
}

func (LiquidationExecuted) EventType() string { return TypeLiquidationExecuted }

func (e LiquidationExecuted) Event() *types.Event {
	return &types.Event{Type: TypeLiquidationExecuted, Attributes: map[string]string{
		"borrower":      e.Borrower.String(),
		"liquidator":    e.Liquidator.String(),
		"repaid":        formatAmount(e.Repaid),
		"seizedValue":   formatAmount(e.SeizedValue),
		"seizedTokens":  strconv.Itoa(len(e.SeizedTokens)),
		"remainingDebt": formatAmount(e.RemainingDebt),
	}}
}

type BadDebt struct {
	Borrower   crypto.Address
	Liquidator crypto.Address
	Shortfall  *big.Int
}

func (BadDebt) EventType() string { return TypeBadDebt }

func (e BadDebt) Event() *types.Event {
	return &types.Event{Type: TypeBadDebt, Attributes: map[string]string{
		"borrower":   e.Borrower.String(),
		"liquidator": e.Liquidator.String(),
		"shortfall":  formatAmount(e.Shortfall),
	}}
}
