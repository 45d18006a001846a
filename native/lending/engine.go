package lending

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
)

var (
	errNilState                = errors.New("lending engine: state not configured")
	ErrInvalidAmount           = errors.New("lending engine: amount must be positive")
	ErrInsufficientBalance     = errors.New("lending engine: insufficient balance")
	ErrInsufficientShares      = errors.New("lending engine: insufficient pool shares")
	ErrInsufficientLiquidity   = errors.New("lending engine: insufficient pool liquidity")
	ErrBorrowExceedsCapacity   = errors.New("lending engine: borrow exceeds collateral capacity")
	ErrNoActiveLoan            = errors.New("lending engine: no active loan")
	ErrPriceDegraded           = errors.New("lending engine: collateral price degraded")
	ErrCollateralNotConfigured = errors.New("lending engine: collateral view not configured")
)

const moduleName = "lending"

// engineState is the persistence boundary the lending engine mutates through.
type engineState interface {
	LendingPool() (*Pool, error)
	PutLendingPool(pool *Pool) error
	GetShareAccount(addr bastioncrypto.Address) (*ShareAccount, error)
	PutShareAccount(account *ShareAccount) error
	GetLoan(addr bastioncrypto.Address) (*Loan, error)
	PutLoan(loan *Loan) error
	GetAccount(addr bastioncrypto.Address) (*types.Account, error)
	PutAccount(addr bastioncrypto.Address, account *types.Account) error
}

// CollateralView is the slice of the collateral manager the engine consults
// when sizing a borrow. The degraded flag reports whether any price behind the
// capacity figure came from a stale cache or a fallback.
type CollateralView interface {
	MaxBorrow(ctx context.Context, holder bastioncrypto.Address) (*big.Int, bool, error)
}

// Engine owns the shared BAS lending pool: lender share accounting, borrower
// loans, utilization-driven interest accrual and the reserve.
//
// Pool cash lives in a dedicated module account. The invariant is
//
//	moduleBalance = TotalLiquidity - TotalBorrowed + Reserve
//
// and TotalBorrowed never exceeds TotalLiquidity.
type Engine struct {
	state      engineState
	collateral CollateralView
	model      *InterestModel
	moduleAddr bastioncrypto.Address
	locks      *nativecommon.KeyedMutex
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	clock      func() time.Time
}

// NewEngine constructs a lending engine. The keyed mutex must be the same
// instance shared with the collateral manager and the liquidation engine.
func NewEngine(state engineState, model *InterestModel, moduleAddr bastioncrypto.Address, locks *nativecommon.KeyedMutex) *Engine {
	if model == nil {
		model = DefaultInterestModel
	}
	if locks == nil {
		locks = nativecommon.NewKeyedMutex()
	}
	return &Engine{
		state:      state,
		model:      model,
		moduleAddr: moduleAddr,
		locks:      locks,
		emitter:    events.NoopEmitter{},
		clock:      time.Now,
	}
}

// SetCollateral wires the collateral manager's capacity view.
func (e *Engine) SetCollateral(view CollateralView) {
	if e != nil {
		e.collateral = view
	}
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

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e != nil && clock != nil {
		e.clock = clock
	}
}

// Model returns the configured interest model.
func (e *Engine) Model() *InterestModel {
	if e == nil {
		return nil
	}
	return e.model
}

// Supply deposits BAS into the pool and mints proportional shares. The first
// deposit mints shares one to one.
func (e *Engine) Supply(lender bastioncrypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	key := lender.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	account, err := e.loadBalance(lender)
	if err != nil {
		return nil, err
	}
	if account.BalanceBAS.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	shares := sharesForDeposit(amount, e.poolValue(pool), pool.TotalShares)

	shareAccount, err := e.loadShares(lender)
	if err != nil {
		return nil, err
	}
	shareAccount.Shares = new(big.Int).Add(shareAccount.Shares, shares)

	account.BalanceBAS.Sub(account.BalanceBAS, amount)
	if err := e.credit(e.moduleAddr, amount); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(lender, account); err != nil {
		return nil, err
	}

	pool.TotalLiquidity.Add(pool.TotalLiquidity, amount)
	pool.TotalShares.Add(pool.TotalShares, shares)
	if err := e.persistShares(shareAccount); err != nil {
		return nil, err
	}
	if err := e.state.PutLendingPool(pool); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.LiquiditySupplied{Lender: lender, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(shares)})
	return shares, nil
}

// WithdrawLiquidity redeems BAS from the lender's slice of the pool. The
// amount is denominated in BAS and converted to shares at the current share
// price; requests beyond the lender's share value fail with
// ErrInsufficientShares. The payout is further capped by uncommitted pool
// cash; withdrawals that would dip into lent-out principal fail with
// ErrInsufficientLiquidity. Returns the shares burned.
func (e *Engine) WithdrawLiquidity(lender bastioncrypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	key := lender.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	shareAccount, err := e.loadShares(lender)
	if err != nil {
		return nil, err
	}
	value := e.poolValue(pool)
	lenderValue := amountForShares(shareAccount.Shares, value, pool.TotalShares)
	if amount.Cmp(lenderValue) > 0 {
		return nil, ErrInsufficientShares
	}
	shares := sharesForAmount(amount, value, pool.TotalShares)
	if shares.Cmp(shareAccount.Shares) > 0 {
		shares.Set(shareAccount.Shares)
	}

	available := new(big.Int).Sub(pool.TotalLiquidity, pool.TotalBorrowed)
	if amount.Cmp(available) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	shareAccount.Shares.Sub(shareAccount.Shares, shares)
	pool.TotalShares.Sub(pool.TotalShares, shares)
	pool.TotalLiquidity.Sub(pool.TotalLiquidity, amount)

	if err := e.debit(e.moduleAddr, amount); err != nil {
		return nil, err
	}
	if err := e.credit(lender, amount); err != nil {
		return nil, err
	}
	if err := e.persistShares(shareAccount); err != nil {
		return nil, err
	}
	if err := e.state.PutLendingPool(pool); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.LiquidityWithdrawn{Lender: lender, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(shares)})
	return shares, nil
}

// Borrow draws BAS against the borrower's pledged collateral. The resulting
// total debt must stay within the collateral manager's capacity figure, and
// borrowing is refused outright while any backing price is degraded.
func (e *Engine) Borrow(ctx context.Context, borrower bastioncrypto.Address, amount *big.Int) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.collateral == nil {
		return nil, ErrCollateralNotConfigured
	}

	key := borrower.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return nil, err
	}
	e.accrue(pool, loan)

	maxBorrow, degraded, err := e.collateral.MaxBorrow(ctx, borrower)
	if err != nil {
		return nil, err
	}
	if degraded {
		return nil, ErrPriceDegraded
	}
	newDebt := new(big.Int).Add(loan.Debt(), amount)
	if newDebt.Cmp(maxBorrow) > 0 {
		return nil, ErrBorrowExceedsCapacity
	}

	available := new(big.Int).Sub(pool.TotalLiquidity, pool.TotalBorrowed)
	if amount.Cmp(available) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	if loan.Principal.Sign() == 0 && loan.AccruedInterest.Sign() == 0 {
		loan.RateAtOrigination = e.model.BorrowAPR(pool.TotalBorrowed, pool.TotalLiquidity).FloatString(6)
	}
	loan.Principal.Add(loan.Principal, amount)
	loan.Status = LoanActive
	pool.TotalBorrowed.Add(pool.TotalBorrowed, amount)

	if err := e.debit(e.moduleAddr, amount); err != nil {
		return nil, err
	}
	if err := e.credit(borrower, amount); err != nil {
		return nil, err
	}
	if err := e.persistLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutLendingPool(pool); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.LoanBorrowed{Borrower: borrower, Amount: new(big.Int).Set(amount), Debt: loan.Debt()})
	return loan.snapshot(), nil
}

// Repay settles a borrower's debt, interest first, then principal. Payments
// beyond the outstanding debt are refunded rather than absorbed. Returns the
// refunded amount.
func (e *Engine) Repay(borrower bastioncrypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	key := borrower.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	refund, _, err := e.repayLocked(borrower, borrower, amount, false)
	return refund, err
}

// RepayForLiquidation applies a liquidator-funded repayment to the borrower's
// loan and returns the remaining debt. The caller must already hold the
// borrower's key on the shared mutex.
func (e *Engine) RepayForLiquidation(borrower, liquidator bastioncrypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	_, remaining, err := e.repayLocked(borrower, liquidator, amount, true)
	return remaining, err
}

func (e *Engine) repayLocked(borrower, payer bastioncrypto.Address, amount *big.Int, liquidation bool) (*big.Int, *big.Int, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, nil, err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return nil, nil, err
	}
	e.accrue(pool, loan)

	debt := loan.Debt()
	if debt.Sign() == 0 {
		return nil, nil, ErrNoActiveLoan
	}

	applied := new(big.Int).Set(amount)
	if applied.Cmp(debt) > 0 {
		applied.Set(debt)
	}
	refund := new(big.Int).Sub(amount, applied)

	payerAccount, err := e.loadBalance(payer)
	if err != nil {
		return nil, nil, err
	}
	if payerAccount.BalanceBAS.Cmp(applied) < 0 {
		return nil, nil, ErrInsufficientBalance
	}

	interestPaid := new(big.Int).Set(applied)
	if interestPaid.Cmp(loan.AccruedInterest) > 0 {
		interestPaid.Set(loan.AccruedInterest)
	}
	principalPaid := new(big.Int).Sub(applied, interestPaid)

	loan.AccruedInterest.Sub(loan.AccruedInterest, interestPaid)
	loan.Principal.Sub(loan.Principal, principalPaid)
	closed := loan.Debt().Sign() == 0
	if closed {
		if liquidation {
			loan.Status = LoanLiquidated
		} else {
			loan.Status = LoanRepaid
		}
	}

	// Repaid interest splits between the reserve and lender share value.
	reserveCut := bpsShare(interestPaid, pool.ReserveFactorBps)
	lenderCut := new(big.Int).Sub(interestPaid, reserveCut)
	pool.OutstandingInterest.Sub(pool.OutstandingInterest, interestPaid)
	if pool.OutstandingInterest.Sign() < 0 {
		pool.OutstandingInterest.SetInt64(0)
	}
	pool.Reserve.Add(pool.Reserve, reserveCut)
	pool.TotalLiquidity.Add(pool.TotalLiquidity, lenderCut)
	pool.TotalBorrowed.Sub(pool.TotalBorrowed, principalPaid)
	if pool.TotalBorrowed.Sign() < 0 {
		pool.TotalBorrowed.SetInt64(0)
	}

	payerAccount.BalanceBAS.Sub(payerAccount.BalanceBAS, applied)
	if err := e.state.PutAccount(payer, payerAccount); err != nil {
		return nil, nil, err
	}
	if err := e.credit(e.moduleAddr, applied); err != nil {
		return nil, nil, err
	}
	if err := e.persistLoan(loan); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutLendingPool(pool); err != nil {
		return nil, nil, err
	}

	if !liquidation {
		e.emitter.Emit(events.LoanRepaid{
			Borrower:  borrower,
			Interest:  interestPaid,
			Principal: principalPaid,
			Refund:    new(big.Int).Set(refund),
			Closed:    closed,
		})
	}
	return refund, loan.Debt(), nil
}

// WriteOff absorbs a liquidated borrower's residual debt into the pool after
// every pledged token has been seized. Lenders eat the principal shortfall via
// TotalLiquidity. The caller must hold the borrower's key. Returns the total
// written-off debt.
func (e *Engine) WriteOff(borrower bastioncrypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return nil, err
	}
	e.accrue(pool, loan)

	shortfall := loan.Debt()
	if shortfall.Sign() == 0 {
		return big.NewInt(0), nil
	}

	pool.TotalBorrowed.Sub(pool.TotalBorrowed, loan.Principal)
	if pool.TotalBorrowed.Sign() < 0 {
		pool.TotalBorrowed.SetInt64(0)
	}
	pool.TotalLiquidity.Sub(pool.TotalLiquidity, loan.Principal)
	if pool.TotalLiquidity.Sign() < 0 {
		pool.TotalLiquidity.SetInt64(0)
	}
	pool.OutstandingInterest.Sub(pool.OutstandingInterest, loan.AccruedInterest)
	if pool.OutstandingInterest.Sign() < 0 {
		pool.OutstandingInterest.SetInt64(0)
	}

	loan.Principal.SetInt64(0)
	loan.AccruedInterest.SetInt64(0)
	loan.Status = LoanLiquidated

	if err := e.persistLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutLendingPool(pool); err != nil {
		return nil, err
	}
	return shortfall, nil
}

// Accrue folds elapsed interest into the borrower's loan and the pool's
// outstanding interest at the live utilization rate.
func (e *Engine) Accrue(borrower bastioncrypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	key := borrower.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return err
	}
	if !e.accrue(pool, loan) {
		return nil
	}
	if err := e.persistLoan(loan); err != nil {
		return err
	}
	return e.state.PutLendingPool(pool)
}

// DebtOf reports the borrower's live debt including interest accrued since the
// last persisted accrual. It does not take the borrower key: collateral and
// liquidation call it while already holding that key.
func (e *Engine) DebtOf(borrower bastioncrypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return nil, err
	}
	e.accrue(pool, loan)
	return loan.Debt(), nil
}

// LoanOf returns a snapshot of the borrower's loan with interest accrued to
// the current instant.
func (e *Engine) LoanOf(borrower bastioncrypto.Address) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	key := borrower.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(borrower)
	if err != nil {
		return nil, err
	}
	e.accrue(pool, loan)
	return loan.snapshot(), nil
}

// SharesOf reports the lender's current pool shares.
func (e *Engine) SharesOf(lender bastioncrypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account, err := e.loadShares(lender)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Shares), nil
}

// PoolStats snapshots the pool with utilization and the live borrow APR.
func (e *Engine) PoolStats() (*PoolStats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		TotalLiquidity:      new(big.Int).Set(pool.TotalLiquidity),
		TotalBorrowed:       new(big.Int).Set(pool.TotalBorrowed),
		AvailableLiquidity:  new(big.Int).Sub(pool.TotalLiquidity, pool.TotalBorrowed),
		TotalShares:         new(big.Int).Set(pool.TotalShares),
		OutstandingInterest: new(big.Int).Set(pool.OutstandingInterest),
		Reserve:             new(big.Int).Set(pool.Reserve),
		Utilization:         e.model.Utilization(pool.TotalBorrowed, pool.TotalLiquidity).FloatString(6),
		BorrowAPR:           e.model.BorrowAPR(pool.TotalBorrowed, pool.TotalLiquidity).FloatString(6),
	}, nil
}

// accrue folds interest elapsed since the loan's last accrual into both the
// loan and the pool. Reports whether anything changed. Mutates in memory only;
// callers persist.
func (e *Engine) accrue(pool *Pool, loan *Loan) bool {
	if pool == nil || loan == nil {
		return false
	}
	now := e.clock().Unix()
	if loan.LastAccrualUnix == 0 || loan.Debt().Sign() == 0 {
		loan.LastAccrualUnix = now
		return false
	}
	if now <= loan.LastAccrualUnix {
		return false
	}
	elapsed := uint64(now - loan.LastAccrualUnix)
	apr := e.model.BorrowAPR(pool.TotalBorrowed, pool.TotalLiquidity)
	interest := computeInterest(loan.Debt(), apr, elapsed)
	loan.LastAccrualUnix = now
	if interest.Sign() == 0 {
		return false
	}
	loan.AccruedInterest.Add(loan.AccruedInterest, interest)
	pool.OutstandingInterest.Add(pool.OutstandingInterest, interest)
	return true
}

// poolValue is the lenders' claim: principal liquidity plus their slice of
// interest that has accrued but not yet been repaid.
func (e *Engine) poolValue(pool *Pool) *big.Int {
	value := new(big.Int).Set(pool.TotalLiquidity)
	if pool.OutstandingInterest.Sign() > 0 {
		lenderBps := uint64(10_000)
		if pool.ReserveFactorBps < lenderBps {
			lenderBps -= pool.ReserveFactorBps
		} else {
			lenderBps = 0
		}
		value.Add(value, bpsShare(pool.OutstandingInterest, lenderBps))
	}
	return value
}

func (e *Engine) loadPool() (*Pool, error) {
	pool, err := e.state.LendingPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &Pool{}
	}
	pool.Normalize()
	return pool, nil
}

func (e *Engine) loadShares(addr bastioncrypto.Address) (*ShareAccount, error) {
	account, err := e.state.GetShareAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &ShareAccount{Address: addr}
	}
	account.Normalize()
	return account, nil
}

func (e *Engine) loadLoan(addr bastioncrypto.Address) (*Loan, error) {
	loan, err := e.state.GetLoan(addr)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		loan = &Loan{Borrower: addr, LastAccrualUnix: e.clock().Unix()}
	}
	loan.Normalize()
	return loan, nil
}

func (e *Engine) loadBalance(addr bastioncrypto.Address) (*types.Account, error) {
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{}
	}
	account.Normalize()
	return account, nil
}

func (e *Engine) credit(addr bastioncrypto.Address, amount *big.Int) error {
	account, err := e.loadBalance(addr)
	if err != nil {
		return err
	}
	account.BalanceBAS.Add(account.BalanceBAS, amount)
	return e.state.PutAccount(addr, account)
}

func (e *Engine) debit(addr bastioncrypto.Address, amount *big.Int) error {
	account, err := e.loadBalance(addr)
	if err != nil {
		return err
	}
	if account.BalanceBAS.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	account.BalanceBAS.Sub(account.BalanceBAS, amount)
	return e.state.PutAccount(addr, account)
}

func (e *Engine) persistShares(account *ShareAccount) error {
	account.EncodeAddress()
	return e.state.PutShareAccount(account)
}

func (e *Engine) persistLoan(loan *Loan) error {
	loan.EncodeAddress()
	return e.state.PutLoan(loan)
}

func (l *Loan) snapshot() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		Borrower:          l.Borrower,
		Encoded:           l.Encoded,
		Principal:         big.NewInt(0),
		AccruedInterest:   big.NewInt(0),
		RateAtOrigination: l.RateAtOrigination,
		LastAccrualUnix:   l.LastAccrualUnix,
		Status:            l.Status,
	}
	if l.Principal != nil {
		clone.Principal.Set(l.Principal)
	}
	if l.AccruedInterest != nil {
		clone.AccruedInterest.Set(l.AccruedInterest)
	}
	return clone
}
