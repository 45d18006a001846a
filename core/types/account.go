package types

import "math/big"

// Account is the ledger-level value record for an address. BalanceBAS is the
// spendable native balance; everything position-related (shares, debt,
// collateral) is owned by the native engines, not the account.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceBAS *big.Int `json:"balanceBAS"`
}

// Clone returns a deep copy so engines can stage mutations before persisting.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce, BalanceBAS: big.NewInt(0)}
	if a.BalanceBAS != nil {
		clone.BalanceBAS = new(big.Int).Set(a.BalanceBAS)
	}
	return clone
}

// Normalize replaces nil big.Int fields with zero values.
func (a *Account) Normalize() {
	if a == nil {
		return
	}
	if a.BalanceBAS == nil {
		a.BalanceBAS = big.NewInt(0)
	}
}
