package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/state"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/types"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/liquidation"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/oracle"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/storage"
)

const testSecret = "integration-secret"

var nonceCounter atomic.Uint64

type testNode struct {
	server   *httptest.Server
	registry *mirror.Registry
	state    *state.Manager
	pauses   *nativecommon.PauseSet
}

func testAddr(t *testing.T, suffix byte) bastioncrypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = suffix
	return bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, raw)
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	locks := nativecommon.NewKeyedMutex()
	pauses := nativecommon.NewPauseSet()

	registry := mirror.NewRegistry(st)
	registry.SetPauses(pauses)

	prices, err := oracle.NewManager(
		[]oracle.Source{oracle.NewFixedSource("manual", map[uint64]*big.Int{1: big.NewInt(100_000)})},
		time.Hour, time.Second, time.Minute,
	)
	require.NoError(t, err)

	collateralMgr, err := collateral.NewManager(st, registry, prices, collateral.RiskParameters{
		MaxLTVBps:               7000,
		LiquidationThresholdBps: 7500,
	}, locks)
	require.NoError(t, err)
	collateralMgr.SetPauses(pauses)

	moduleAddr := testAddr(t, 0xff)
	lend := lending.NewEngine(st, lending.NewInterestModel(0.10, 0, 0, 1), moduleAddr, locks)
	lend.SetCollateral(collateralMgr)
	lend.SetPauses(pauses)
	collateralMgr.SetDebtSource(lend)

	liq, err := liquidation.NewEngine(collateralMgr, lend, liquidation.Params{
		MaxLiquidationRatioBps: 5000,
		LiquidationBonusBps:    1000,
	}, locks)
	require.NoError(t, err)
	liq.SetPauses(pauses)

	srv := NewServer(Deps{
		Lending:      lend,
		Collateral:   collateralMgr,
		Liquidations: liq,
		Mirrors:      registry,
		Pauses:       pauses,
	}, NewAuthenticator(testSecret, nil), NewRateLimiter(1000, 1000), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testNode{server: ts, registry: registry, state: st, pauses: pauses}
}

func (n *testNode) fund(t *testing.T, addr bastioncrypto.Address, amount int64) {
	t.Helper()
	require.NoError(t, n.state.PutAccount(addr, &types.Account{BalanceBAS: big.NewInt(amount)}))
}

func (n *testNode) mint(t *testing.T, assetID, nonce uint64, holder bastioncrypto.Address) string {
	t.Helper()
	record, err := n.registry.Apply(mirror.CustodyUpdate{
		OriginAssetID: assetID,
		Domain:        "vault.example.com",
		NewHolder:     holder,
		Nonce:         nonce,
	})
	require.NoError(t, err)
	return record.MirrorTokenID
}

func (n *testNode) signedPost(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, n.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := fmt.Sprintf("n-%d", nonceCounter.Add(1))
	sig := ComputeSignature(testSecret, ts, nonce, http.MethodPost, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	resp, err := n.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSupplyBorrowRepayOverHTTP(t *testing.T) {
	node := newTestNode(t)
	lender := testAddr(t, 0x01)
	borrower := testAddr(t, 0x02)
	node.fund(t, lender, 200_000)
	node.fund(t, borrower, 10_000)
	tokenID := node.mint(t, 1, 1, borrower)

	resp := node.signedPost(t, "/v1/lending/supply", amountRequest{Address: lender.String(), Amount: "100000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "100000", decodeJSON(t, resp)["shares"])

	resp = node.signedPost(t, "/v1/collateral/deposit", tokenRequest{Address: borrower.String(), MirrorTokenID: tokenID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = node.signedPost(t, "/v1/lending/borrow", amountRequest{Address: borrower.String(), Amount: "50000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loan := decodeJSON(t, resp)
	require.Equal(t, float64(50000), loan["principal"])

	getResp, err := node.server.Client().Get(node.server.URL + "/v1/positions/" + borrower.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	position := decodeJSON(t, getResp)
	require.Equal(t, "50000", position["debt"])
	require.Equal(t, "1.500000", position["healthFactor"])
	require.False(t, position["degraded"].(bool))

	resp = node.signedPost(t, "/v1/lending/repay", amountRequest{Address: borrower.String(), Amount: "50000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", decodeJSON(t, resp)["refund"])

	statsResp, err := node.server.Client().Get(node.server.URL + "/v1/lending/pool")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	stats := decodeJSON(t, statsResp)
	require.Equal(t, float64(100000), stats["totalLiquidity"])
	require.Equal(t, float64(0), stats["totalBorrowed"])

	// The withdraw command is BAS-denominated; the payout equals the request.
	resp = node.signedPost(t, "/v1/lending/withdraw", amountRequest{Address: lender.String(), Amount: "40000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	withdrawal := decodeJSON(t, resp)
	require.Equal(t, "40000", withdrawal["amount"])
	require.Equal(t, "40000", withdrawal["sharesBurned"])
	account, err := node.state.GetAccount(lender)
	require.NoError(t, err)
	require.Equal(t, "140000", account.BalanceBAS.String())
}

func TestMutationsRequireSignature(t *testing.T) {
	node := newTestNode(t)
	lender := testAddr(t, 0x01)
	body, err := json.Marshal(amountRequest{Address: lender.String(), Amount: "100"})
	require.NoError(t, err)
	resp, err := node.server.Client().Post(node.server.URL+"/v1/lending/supply", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignatureReplayRejected(t *testing.T) {
	node := newTestNode(t)
	lender := testAddr(t, 0x01)
	node.fund(t, lender, 10_000)

	path := "/v1/lending/supply"
	body, err := json.Marshal(amountRequest{Address: lender.String(), Amount: "100"})
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "replayed-nonce"
	sig := hex.EncodeToString(ComputeSignature(testSecret, ts, nonce, http.MethodPost, path, body))

	send := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, node.server.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, sig)
		resp, err := node.server.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	first := send()
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := send()
	second.Body.Close()
	require.Equal(t, http.StatusUnauthorized, second.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	node := newTestNode(t)
	borrower := testAddr(t, 0x03)
	node.fund(t, borrower, 1_000)

	// No collateral pledged, any borrow exceeds capacity.
	resp := node.signedPost(t, "/v1/lending/borrow", amountRequest{Address: borrower.String(), Amount: "10"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	getResp, err := node.server.Client().Get(node.server.URL + "/v1/mirror/assets/999")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)

	resp = node.signedPost(t, "/v1/lending/supply", amountRequest{Address: borrower.String(), Amount: "-5"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPauseBlocksModule(t *testing.T) {
	node := newTestNode(t)
	lender := testAddr(t, 0x01)
	node.fund(t, lender, 10_000)

	resp := node.signedPost(t, "/v1/admin/pause", pauseRequest{Module: "lending", Paused: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = node.signedPost(t, "/v1/lending/supply", amountRequest{Address: lender.String(), Amount: "100"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp = node.signedPost(t, "/v1/admin/pause", pauseRequest{Module: "lending", Paused: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = node.signedPost(t, "/v1/lending/supply", amountRequest{Address: lender.String(), Amount: "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimiterThrottlesClients(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	require.True(t, limiter.allow("10.0.0.1"))
	require.False(t, limiter.allow("10.0.0.1"))
	require.True(t, limiter.allow("10.0.0.2"))
}
