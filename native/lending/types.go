package lending

import (
	"fmt"
	"math/big"
	"strings"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
)

// LoanStatus tracks the lifecycle of a borrower's aggregate loan position.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanLiquidated:
		return "liquidated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Pool captures the global accounting state for the lending pool. Amounts are
// denominated in the smallest BAS unit and expressed as big integers.
type Pool struct {
	// TotalLiquidity is the aggregate principal claim of all lenders: pool
	// cash plus outstanding borrowed principal.
	TotalLiquidity *big.Int `json:"totalLiquidity"`
	// TotalBorrowed tracks outstanding borrowed principal across all loans.
	// The pool is never over-lent: TotalBorrowed <= TotalLiquidity.
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	// TotalShares is the sum of all minted liquidity shares.
	TotalShares *big.Int `json:"totalShares"`
	// OutstandingInterest is accrued-but-unpaid borrower interest across all
	// active loans. The lenders' slice of it appreciates share value before
	// it is ever repaid.
	OutstandingInterest *big.Int `json:"outstandingInterest"`
	// Reserve accumulates the protocol's slice of repaid interest.
	Reserve *big.Int `json:"reserve"`
	// ReserveFactorBps is the share of repaid interest routed to the
	// reserve instead of lender shares.
	ReserveFactorBps uint64 `json:"reserveFactorBps"`
}

// Normalize replaces nil big.Int fields with zeros.
func (p *Pool) Normalize() {
	if p == nil {
		return
	}
	if p.TotalLiquidity == nil {
		p.TotalLiquidity = big.NewInt(0)
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
	if p.TotalShares == nil {
		p.TotalShares = big.NewInt(0)
	}
	if p.OutstandingInterest == nil {
		p.OutstandingInterest = big.NewInt(0)
	}
	if p.Reserve == nil {
		p.Reserve = big.NewInt(0)
	}
}

// ShareAccount maintains one lender's proportional claim on the pool.
type ShareAccount struct {
	Address bastioncrypto.Address `json:"-"`
	Encoded string                `json:"address"`
	Shares  *big.Int              `json:"shares"`
}

// Normalize replaces nil big.Int fields with zeros.
func (a *ShareAccount) Normalize() {
	if a != nil && a.Shares == nil {
		a.Shares = big.NewInt(0)
	}
}

// EncodeAddress refreshes the serialisable address form before persisting.
func (a *ShareAccount) EncodeAddress() {
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
func (a *ShareAccount) DecodeAddress() error {
	if a == nil || strings.TrimSpace(a.Encoded) == "" {
		return nil
	}
	addr, err := bastioncrypto.DecodeAddress(a.Encoded)
	if err != nil {
		return fmt.Errorf("share account: decode address: %w", err)
	}
	a.Address = addr
	return nil
}

// Loan is a borrower's aggregate position across all of their pledged
// collateral. One active loan per borrower keeps health-factor accounting
// simple.
type Loan struct {
	Borrower bastioncrypto.Address `json:"-"`
	Encoded  string                `json:"borrower"`
	// Principal is the outstanding borrowed amount before interest.
	Principal *big.Int `json:"principal"`
	// AccruedInterest is compounded, unpaid interest.
	AccruedInterest *big.Int `json:"accruedInterest"`
	// RateAtOrigination records the borrow APR (as a decimal string) in
	// effect when the loan was first opened. Informational only; accrual
	// always uses the live utilization-derived rate.
	RateAtOrigination string `json:"rateAtOrigination"`
	// LastAccrualUnix is the unix second of the last interest accrual.
	LastAccrualUnix int64      `json:"lastAccrualUnix"`
	Status          LoanStatus `json:"status"`
}

// Normalize replaces nil big.Int fields with zeros.
func (l *Loan) Normalize() {
	if l == nil {
		return
	}
	if l.Principal == nil {
		l.Principal = big.NewInt(0)
	}
	if l.AccruedInterest == nil {
		l.AccruedInterest = big.NewInt(0)
	}
}

// Debt returns principal plus accrued interest.
func (l *Loan) Debt() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.Normalize()
	return new(big.Int).Add(l.Principal, l.AccruedInterest)
}

// EncodeAddress refreshes the serialisable borrower form before persisting.
func (l *Loan) EncodeAddress() {
	if l == nil {
		return
	}
	if l.Borrower.IsZero() {
		l.Encoded = ""
		return
	}
	l.Encoded = l.Borrower.String()
}

// DecodeAddress restores the typed borrower address after loading.
func (l *Loan) DecodeAddress() error {
	if l == nil || strings.TrimSpace(l.Encoded) == "" {
		return nil
	}
	addr, err := bastioncrypto.DecodeAddress(l.Encoded)
	if err != nil {
		return fmt.Errorf("loan: decode borrower: %w", err)
	}
	l.Borrower = addr
	return nil
}

// PoolStats is the read-only snapshot served to external collaborators.
type PoolStats struct {
	TotalLiquidity      *big.Int `json:"totalLiquidity"`
	TotalBorrowed       *big.Int `json:"totalBorrowed"`
	AvailableLiquidity  *big.Int `json:"availableLiquidity"`
	TotalShares         *big.Int `json:"totalShares"`
	OutstandingInterest *big.Int `json:"outstandingInterest"`
	Reserve             *big.Int `json:"reserve"`
	// Utilization and BorrowAPR are decimal strings derived from the
	// interest model at snapshot time.
	Utilization string `json:"utilization"`
	BorrowAPR   string `json:"borrowAPR"`
}
