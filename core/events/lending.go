package events

import (
	"math/big"
	"strconv"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

const (
	// TypeLiquiditySupplied is emitted when a lender deposits BAS into the pool.
	TypeLiquiditySupplied = "lending.supplied"
	// TypeLiquidityWithdrawn is emitted when a lender redeems shares for BAS.
	TypeLiquidityWithdrawn = "lending.withdrawn"
	// TypeLoanBorrowed is emitted when a borrower draws BAS against collateral.
	TypeLoanBorrowed = "lending.borrowed"
	// TypeLoanRepaid is emitted on every repayment; closed reports whether the
	// loan was fully settled.
	TypeLoanRepaid = "lending.repaid"
)

type LiquiditySupplied struct {
	Lender crypto.Address
	Amount *big.Int
	Shares *big.Int
}

func (LiquiditySupplied) EventType() string { return TypeLiquiditySupplied }

func (e LiquiditySupplied) Event() *types.Event {
	return &types.Event{Type: TypeLiquiditySupplied, Attributes: map[string]string{
		"lender": e.Lender.String(),
		"amount": formatAmount(e.Amount),
		"shares": formatAmount(e.Shares),
	}}
}

type LiquidityWithdrawn struct {
	Lender crypto.Address
	Amount *big.Int
	Shares *big.Int
}

func (LiquidityWithdrawn) EventType() string { return TypeLiquidityWithdrawn }

func (e LiquidityWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeLiquidityWithdrawn, Attributes: map[string]string{
		"lender": e.Lender.String(),
		"amount": formatAmount(e.Amount),
		"shares": formatAmount(e.Shares),
	}}
}

type LoanBorrowed struct {
	Borrower crypto.Address
	Amount   *big.Int
	Debt     *big.Int
}

func (LoanBorrowed) EventType() string { return TypeLoanBorrowed }

func (e LoanBorrowed) Event() *types.Event {
	return &types.Event{Type: TypeLoanBorrowed, Attributes: map[string]string{
		"borrower": e.Borrower.String(),
		"amount":   formatAmount(e.Amount),
		"debt":     formatAmount(e.Debt),
	}}
}

type LoanRepaid struct {
	Borrower  crypto.Address
	Interest  *big.Int
	Principal *big.Int
	Refund    *big.Int
	Closed    bool
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{Type: TypeLoanRepaid, Attributes: map[string]string{
		"borrower":  e.Borrower.String(),
		"interest":  formatAmount(e.Interest),
		"principal": formatAmount(e.Principal),
		"refund":    formatAmount(e.Refund),
		"closed":    strconv.FormatBool(e.Closed),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
