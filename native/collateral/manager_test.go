package collateral

import (
	"context"
	"errors"
	"math/big"
	"testing"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/oracle"
)

type mockManagerState struct {
	accounts map[string]*Account
}

func newMockManagerState() *mockManagerState {
	return &mockManagerState{accounts: make(map[string]*Account)}
}

func (m *mockManagerState) GetCollateralAccount(addr bastioncrypto.Address) (*Account, error) {
	return m.accounts[string(addr.Bytes())], nil
}

func (m *mockManagerState) PutCollateralAccount(account *Account) error {
	m.accounts[string(account.Address.Bytes())] = account
	return nil
}

type mockToken struct {
	assetID uint64
	holder  bastioncrypto.Address
	status  mirror.Status
}

type mockRegistry struct {
	tokens map[string]*mockToken
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{tokens: make(map[string]*mockToken)}
}

func (m *mockRegistry) add(tokenID string, assetID uint64, holder bastioncrypto.Address) {
	m.tokens[tokenID] = &mockToken{assetID: assetID, holder: holder, status: mirror.StatusMinted}
}

func (m *mockRegistry) GetByToken(mirrorTokenID string) (*mirror.Record, error) {
	token, ok := m.tokens[mirrorTokenID]
	if !ok {
		return nil, mirror.ErrTokenUnknown
	}
	return &mirror.Record{
		OriginAssetID: token.assetID,
		MirrorTokenID: mirrorTokenID,
		Holder:        token.holder,
		Status:        token.status,
	}, nil
}

func (m *mockRegistry) Lock(mirrorTokenID string, holder bastioncrypto.Address) error {
	token := m.tokens[mirrorTokenID]
	if token.status == mirror.StatusLocked {
		return mirror.ErrAlreadyLocked
	}
	token.status = mirror.StatusLocked
	return nil
}

func (m *mockRegistry) Unlock(mirrorTokenID string, holder bastioncrypto.Address) error {
	token := m.tokens[mirrorTokenID]
	if token.status != mirror.StatusLocked {
		return mirror.ErrNotLocked
	}
	token.status = mirror.StatusMinted
	return nil
}

func (m *mockRegistry) SeizeTransfer(mirrorTokenID string, to bastioncrypto.Address) error {
	token := m.tokens[mirrorTokenID]
	if token.status != mirror.StatusLocked {
		return mirror.ErrNotLocked
	}
	token.status = mirror.StatusMinted
	token.holder = to
	return nil
}

type mockPrices struct {
	values   map[uint64]*big.Int
	degraded map[uint64]bool
	tracked  map[uint64]bool
}

func newMockPrices() *mockPrices {
	return &mockPrices{
		values:   make(map[uint64]*big.Int),
		degraded: make(map[uint64]bool),
		tracked:  make(map[uint64]bool),
	}
}

func (m *mockPrices) set(assetID uint64, value int64) {
	m.values[assetID] = big.NewInt(value)
}

func (m *mockPrices) Value(_ context.Context, assetID uint64) (oracle.Valuation, error) {
	value, ok := m.values[assetID]
	if !ok {
		return oracle.Valuation{}, oracle.ErrNoValue
	}
	return oracle.Valuation{
		AssetID:  assetID,
		Value:    new(big.Int).Set(value),
		Degraded: m.degraded[assetID],
	}, nil
}

func (m *mockPrices) Track(assetID uint64)   { m.tracked[assetID] = true }
func (m *mockPrices) Untrack(assetID uint64) { delete(m.tracked, assetID) }

type mockDebt struct {
	amount *big.Int
}

func (m *mockDebt) DebtOf(bastioncrypto.Address) (*big.Int, error) {
	if m.amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.amount), nil
}

func makeAddress(suffix byte) bastioncrypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, raw)
}

func newTestManager(t *testing.T) (*Manager, *mockRegistry, *mockPrices, *mockDebt) {
	t.Helper()
	registry := newMockRegistry()
	prices := newMockPrices()
	debt := &mockDebt{}
	manager, err := NewManager(newMockManagerState(), registry, prices, RiskParameters{
		MaxLTVBps:               7_000,
		LiquidationThresholdBps: 7_500,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.SetDebtSource(debt)
	return manager, registry, prices, debt
}

func TestDepositLocksTokenAndTracksPrice(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)

	position, err := manager.Deposit(context.Background(), holder, "mdom-aa")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if position.ValueAtDeposit.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("value at deposit: got %s want 100", position.ValueAtDeposit)
	}
	if registry.tokens["mdom-aa"].status != mirror.StatusLocked {
		t.Fatalf("token should be locked after deposit")
	}
	if !prices.tracked[7] {
		t.Fatalf("asset should be tracked by the oracle after deposit")
	}
}

func TestDepositRejectsNonHolderAndDoublePledge(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	stranger := makeAddress(0x02)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)

	if _, err := manager.Deposit(context.Background(), stranger, "mdom-aa"); !errors.Is(err, ErrNotTokenHolder) {
		t.Fatalf("expected ErrNotTokenHolder, got %v", err)
	}
	if _, err := manager.Deposit(context.Background(), holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := manager.Deposit(context.Background(), holder, "mdom-aa"); !errors.Is(err, ErrTokenAlreadyBacked) {
		t.Fatalf("expected ErrTokenAlreadyBacked, got %v", err)
	}
}

func TestWithdrawGuardsHealthFactor(t *testing.T) {
	manager, registry, prices, debt := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	registry.add("mdom-bb", 8, holder)
	prices.set(7, 100)
	prices.set(8, 40)
	ctx := context.Background()

	if _, err := manager.Deposit(ctx, holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := manager.Deposit(ctx, holder, "mdom-bb"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Debt of 70 against 140: dropping the 100 token leaves 40*0.75 = 30 < 70.
	debt.amount = big.NewInt(70)
	if err := manager.Withdraw(ctx, holder, "mdom-aa"); !errors.Is(err, ErrUnhealthyWithdraw) {
		t.Fatalf("expected ErrUnhealthyWithdraw, got %v", err)
	}
	// Dropping the 40 token leaves 100*0.75 = 75 >= 70.
	if err := manager.Withdraw(ctx, holder, "mdom-bb"); err != nil {
		t.Fatalf("withdraw within health: %v", err)
	}
	if registry.tokens["mdom-bb"].status != mirror.StatusMinted {
		t.Fatalf("withdrawn token should be unlocked")
	}
	if prices.tracked[8] {
		t.Fatalf("asset with no remaining positions should be untracked")
	}

	// With the debt cleared the remaining token is free to leave.
	debt.amount = nil
	if err := manager.Withdraw(ctx, holder, "mdom-aa"); err != nil {
		t.Fatalf("withdraw after repayment: %v", err)
	}
	positions, err := manager.Positions(holder)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected no open positions, got %d", len(positions))
	}
}

func TestMaxBorrowAppliesLoanToValue(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)

	if _, err := manager.Deposit(context.Background(), holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	capacity, degraded, err := manager.MaxBorrow(context.Background(), holder)
	if err != nil {
		t.Fatalf("max borrow: %v", err)
	}
	if degraded {
		t.Fatalf("fresh price should not be degraded")
	}
	if capacity.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("capacity: got %s want 70", capacity)
	}
}

func TestHealthFactorTracksOracle(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)
	ctx := context.Background()

	if _, err := manager.Deposit(ctx, holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	debt := big.NewInt(70)
	factor, _, err := manager.HealthFactor(ctx, holder, debt)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// 100 * 0.75 / 70 = 75/70 > 1: healthy.
	if factor.Cmp(big.NewRat(75, 70)) != 0 {
		t.Fatalf("health factor: got %s want 75/70", factor.FloatString(4))
	}
	unsafe, _, err := manager.Liquidatable(ctx, holder, debt)
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if unsafe {
		t.Fatalf("healthy position reported liquidatable")
	}

	// Oracle drop to 60: 60 * 0.75 / 70 < 1.
	prices.set(7, 60)
	unsafe, _, err = manager.Liquidatable(ctx, holder, debt)
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if !unsafe {
		t.Fatalf("underwater position not reported liquidatable")
	}

	// No debt means no factor at all.
	factor, _, err = manager.HealthFactor(ctx, holder, big.NewInt(0))
	if err != nil || factor != nil {
		t.Fatalf("zero debt should yield nil factor, got %v %v", factor, err)
	}
}

func TestHealthFactorPropagatesDegradedFlag(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)
	prices.degraded[7] = true

	if _, err := manager.Deposit(context.Background(), holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, degraded, err := manager.Liquidatable(context.Background(), holder, big.NewInt(70))
	if err != nil {
		t.Fatalf("liquidatable: %v", err)
	}
	if !degraded {
		t.Fatalf("degraded valuation must surface in the read")
	}
}

func TestSeizeSmallestValueFirst(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	liquidator := makeAddress(0x05)
	registry.add("mdom-aa", 7, holder)
	registry.add("mdom-bb", 8, holder)
	registry.add("mdom-cc", 9, holder)
	prices.set(7, 30)
	prices.set(8, 10)
	prices.set(9, 20)
	ctx := context.Background()

	for _, token := range []string{"mdom-aa", "mdom-bb", "mdom-cc"} {
		if _, err := manager.Deposit(ctx, holder, token); err != nil {
			t.Fatalf("deposit %s: %v", token, err)
		}
	}

	seizedValue, seizedTokens, err := manager.Seize(ctx, holder, liquidator, big.NewInt(25))
	if err != nil {
		t.Fatalf("seize: %v", err)
	}
	// Smallest first: 10, then 20, stopping once the target is met.
	if len(seizedTokens) != 2 || seizedTokens[0] != "mdom-bb" || seizedTokens[1] != "mdom-cc" {
		t.Fatalf("seize order: got %v want [mdom-bb mdom-cc]", seizedTokens)
	}
	if seizedValue.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("seized value: got %s want 30", seizedValue)
	}
	if registry.tokens["mdom-bb"].holder.String() != liquidator.String() {
		t.Fatalf("seized token should belong to the liquidator")
	}
	if registry.tokens["mdom-aa"].status != mirror.StatusLocked {
		t.Fatalf("unseized collateral must stay pledged")
	}

	positions, err := manager.Positions(holder)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].MirrorTokenID != "mdom-aa" {
		t.Fatalf("remaining positions: %+v", positions)
	}
}

func TestSeizeVetoesDegradedPrices(t *testing.T) {
	manager, registry, prices, _ := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	prices.set(7, 100)

	if _, err := manager.Deposit(context.Background(), holder, "mdom-aa"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	prices.degraded[7] = true
	if _, _, err := manager.Seize(context.Background(), holder, makeAddress(0x05), big.NewInt(50)); !errors.Is(err, ErrDegradedPrice) {
		t.Fatalf("expected ErrDegradedPrice, got %v", err)
	}
}

func TestRiskParametersValidate(t *testing.T) {
	bad := RiskParameters{MaxLTVBps: 8_000, LiquidationThresholdBps: 7_500}
	if err := bad.Validate(); err == nil {
		t.Fatalf("threshold at or below max LTV must be rejected")
	}
	good := RiskParameters{MaxLTVBps: 7_000, LiquidationThresholdBps: 7_500}
	if err := good.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReleaseRequiresSettledDebt(t *testing.T) {
	manager, registry, prices, debt := newTestManager(t)
	holder := makeAddress(0x01)
	registry.add("mdom-aa", 7, holder)
	registry.add("mdom-bb", 8, holder)
	prices.set(7, 100)
	prices.set(8, 40)

	for _, token := range []string{"mdom-aa", "mdom-bb"} {
		if _, err := manager.Deposit(context.Background(), holder, token); err != nil {
			t.Fatalf("deposit %s: %v", token, err)
		}
	}

	debt.amount = big.NewInt(50)
	if err := manager.Release(context.Background(), holder); !errors.Is(err, ErrOutstandingDebt) {
		t.Fatalf("expected ErrOutstandingDebt, got %v", err)
	}

	debt.amount = nil
	if err := manager.Release(context.Background(), holder); err != nil {
		t.Fatalf("release: %v", err)
	}
	for _, token := range []string{"mdom-aa", "mdom-bb"} {
		if registry.tokens[token].status != mirror.StatusMinted {
			t.Fatalf("token %s should be unlocked after release", token)
		}
	}
	if len(prices.tracked) != 0 {
		t.Fatalf("all assets should be untracked after release")
	}
	positions, err := manager.Positions(holder)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions should be empty after release, got %d", len(positions))
	}
}
