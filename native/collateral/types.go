package collateral

import (
	"fmt"
	"math/big"
	"strings"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

// Position records one pledged mirror token. A mirror token backs at most one
// open position at a time; the registry lock enforces the mutual exclusion
// between "free to transfer" and "pledged".
type Position struct {
	MirrorTokenID  string   `json:"mirrorTokenId"`
	OriginAssetID  uint64   `json:"originAssetId"`
	DepositedAt    int64    `json:"depositedAt"`
	ValueAtDeposit *big.Int `json:"valueAtDeposit"`
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	if p.ValueAtDeposit != nil {
		clone.ValueAtDeposit = new(big.Int).Set(p.ValueAtDeposit)
	}
	return &clone
}

// Account groups every open position for one holder.
type Account struct {
	Address   bastioncrypto.Address `json:"-"`
	Encoded   string                `json:"address"`
	Positions []*Position           `json:"positions"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Address: a.Address, Encoded: a.Encoded}
	clone.Positions = make([]*Position, 0, len(a.Positions))
	for _, pos := range a.Positions {
		clone.Positions = append(clone.Positions, pos.Clone())
	}
	return clone
}

// EncodeAddress refreshes the serialisable address form before persisting.
func (a *Account) EncodeAddress() {
	if a == nil {
		return
	}
	if a.Address.IsZero() {
		a.Encoded = ""
		return
	}
	a.Encoded = a.Address.String()
}

// DecodeAddress restores the typed address after loading.
func (a *Account) DecodeAddress() error {
	if a == nil || strings.TrimSpace(a.Encoded) == "" {
		return nil
	}
	addr, err := bastioncrypto.DecodeAddress(a.Encoded)
	if err != nil {
		return fmt.Errorf("collateral account: decode address: %w", err)
	}
	a.Address = addr
	return nil
}

// RiskParameters groups the safety limits governing collateralised borrowing,
// expressed in basis points for deterministic accounting.
type RiskParameters struct {
	// MaxLTVBps is the maximum loan-to-value ratio a borrower may draw.
	MaxLTVBps uint64
	// LiquidationThresholdBps is the LTV boundary where positions become
	// liquidatable. Must exceed MaxLTVBps so a fresh max borrow starts
	// healthy.
	LiquidationThresholdBps uint64
}

// Validate rejects parameter sets without the design safety margin.
func (p RiskParameters) Validate() error {
	if p.MaxLTVBps == 0 || p.MaxLTVBps > 10_000 {
		return fmt.Errorf("collateral: max LTV out of range: %d", p.MaxLTVBps)
	}
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("collateral: liquidation threshold out of range: %d", p.LiquidationThresholdBps)
	}
	if p.LiquidationThresholdBps <= p.MaxLTVBps {
		return fmt.Errorf("collateral: liquidation threshold %d must exceed max LTV %d", p.LiquidationThresholdBps, p.MaxLTVBps)
	}
	return nil
}
