package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/liquidation"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/metrics"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/relayer"
)

// Server exposes the lending protocol over HTTP. Mutating routes require an
// HMAC signature when a shared secret is configured; queries stay open.
type Server struct {
	lending      *lending.Engine
	collateral   *collateral.Manager
	liquidations *liquidation.Engine
	mirrors      *mirror.Registry
	relay        *relayer.Relayer
	pauses       *nativecommon.PauseSet
	auth         *Authenticator
	limiter      *RateLimiter
	logger       *slog.Logger
}

// Deps carries the wired engines the server fronts. Relay may be nil when
// the node runs without an origin chain connection.
type Deps struct {
	Lending      *lending.Engine
	Collateral   *collateral.Manager
	Liquidations *liquidation.Engine
	Mirrors      *mirror.Registry
	Relay        *relayer.Relayer
	Pauses       *nativecommon.PauseSet
}

// NewServer wires the HTTP surface.
func NewServer(deps Deps, auth *Authenticator, limiter *RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = NewAuthenticator("", nil)
	}
	return &Server{
		lending:      deps.Lending,
		collateral:   deps.Collateral,
		liquidations: deps.Liquidations,
		mirrors:      deps.Mirrors,
		relay:        deps.Relay,
		pauses:       deps.Pauses,
		auth:         auth,
		limiter:      limiter,
		logger:       logger,
	}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/lending/pool", s.handlePoolStats)
		v1.Get("/positions/{address}", s.handlePosition)
		v1.Get("/mirror/assets/{assetID}", s.handleMirrorAsset)

		v1.Group(func(signed chi.Router) {
			signed.Use(requireAuth(s.auth))
			signed.Post("/lending/supply", s.handleSupply)
			signed.Post("/lending/withdraw", s.handleWithdrawLiquidity)
			signed.Post("/lending/borrow", s.handleBorrow)
			signed.Post("/lending/repay", s.handleRepay)
			signed.Post("/collateral/deposit", s.handleDeposit)
			signed.Post("/collateral/withdraw", s.handleCollateralWithdraw)
			signed.Post("/collateral/release", s.handleRelease)
			signed.Post("/liquidations", s.handleLiquidate)

			signed.Get("/relayer/deadletters", s.handleDeadLetters)
			signed.Post("/relayer/deadletters/{id}/resolve", s.handleResolveDeadLetter)
			signed.Post("/admin/pause", s.handlePause)
		})
	})

	return otelhttp.NewHandler(r, "bastiond.rpc")
}

type amountRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type tokenRequest struct {
	Address       string `json:"address"`
	MirrorTokenID string `json:"mirrorTokenId"`
}

type liquidateRequest struct {
	Borrower    string `json:"borrower"`
	Liquidator  string `json:"liquidator"`
	RepayAmount string `json:"repayAmount"`
}

type resolveRequest struct {
	Action string `json:"action"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	addr, amount, ok := s.decodeAmountRequest(w, r, &req)
	if !ok {
		return
	}
	shares, err := s.lending.Supply(addr, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.refreshPoolMetrics()
	s.writeJSON(w, http.StatusOK, map[string]any{"shares": shares.String()})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	addr, amount, ok := s.decodeAmountRequest(w, r, &req)
	if !ok {
		return
	}
	shares, err := s.lending.WithdrawLiquidity(addr, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.refreshPoolMetrics()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"amount":       amount.String(),
		"sharesBurned": shares.String(),
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	addr, amount, ok := s.decodeAmountRequest(w, r, &req)
	if !ok {
		return
	}
	loan, err := s.lending.Borrow(r.Context(), addr, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.refreshPoolMetrics()
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	addr, amount, ok := s.decodeAmountRequest(w, r, &req)
	if !ok {
		return
	}
	refund, err := s.lending.Repay(addr, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.refreshPoolMetrics()
	s.writeJSON(w, http.StatusOK, map[string]any{"refund": refund.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	addr, ok := s.decodeAddress(w, req.Address)
	if !ok {
		return
	}
	position, err := s.collateral.Deposit(r.Context(), addr, req.MirrorTokenID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleCollateralWithdraw(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	addr, ok := s.decodeAddress(w, req.Address)
	if !ok {
		return
	}
	if err := s.collateral.Withdraw(r.Context(), addr, req.MirrorTokenID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"released": req.MirrorTokenID})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	addr, ok := s.decodeAddress(w, req.Address)
	if !ok {
		return
	}
	if err := s.collateral.Release(r.Context(), addr); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"address": addr.String()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	borrower, ok := s.decodeAddress(w, req.Borrower)
	if !ok {
		return
	}
	liquidator, ok := s.decodeAddress(w, req.Liquidator)
	if !ok {
		return
	}
	amount, ok := s.decodeAmount(w, req.RepayAmount)
	if !ok {
		return
	}
	result, err := s.liquidations.Liquidate(r.Context(), borrower, liquidator, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.Lending().ObserveLiquidation(result.BadDebt)
	s.refreshPoolMetrics()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"repaid":        result.Repaid.String(),
		"seizedValue":   result.SeizedValue.String(),
		"seizedTokens":  result.SeizedTokens,
		"remainingDebt": result.RemainingDebt.String(),
		"badDebt":       result.BadDebt.String(),
	})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.lending.PoolStats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.decodeAddress(w, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	positions, err := s.collateral.Positions(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	debt, err := s.lending.DebtOf(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	factor, degraded, err := s.collateral.HealthFactor(r.Context(), addr, debt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"address":   addr.String(),
		"positions": positions,
		"debt":      debt.String(),
		"degraded":  degraded,
	}
	// A nil factor means no debt; the position cannot be liquidated.
	if factor == nil {
		resp["healthFactor"] = nil
	} else {
		resp["healthFactor"] = factor.FloatString(6)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMirrorAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := strconv.ParseUint(chi.URLParam(r, "assetID"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid asset id")
		return
	}
	record, err := s.mirrors.Get(assetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type deadLetterResponse struct {
	ID            string `json:"id"`
	OriginAssetID uint64 `json:"originAssetId"`
	Nonce         uint64 `json:"nonce"`
	Domain        string `json:"domain"`
	Attempts      int    `json:"attempts"`
	Reason        string `json:"reason"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeJSON(w, http.StatusOK, []deadLetterResponse{})
		return
	}
	letters, err := s.relay.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]deadLetterResponse, 0, len(letters))
	for _, letter := range letters {
		resp = append(resp, deadLetterResponse{
			ID:            letter.ID,
			OriginAssetID: letter.Event.OriginAssetID,
			Nonce:         letter.Event.Nonce,
			Domain:        letter.Event.Domain,
			Attempts:      letter.Attempts,
			Reason:        letter.Reason,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "relayer not running")
		return
	}
	var req resolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.relay.ResolveDeadLetter(r.Context(), id, req.Action); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "action": req.Action})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if s.pauses == nil || req.Module == "" {
		s.writeJSONError(w, http.StatusBadRequest, "module required")
		return
	}
	s.pauses.SetPaused(req.Module, req.Paused)
	s.writeJSON(w, http.StatusOK, map[string]any{"module": req.Module, "paused": req.Paused})
}

func (s *Server) decodeAmountRequest(w http.ResponseWriter, r *http.Request, req *amountRequest) (bastioncrypto.Address, *big.Int, bool) {
	if !s.decodeBody(w, r, req) {
		return bastioncrypto.Address{}, nil, false
	}
	addr, ok := s.decodeAddress(w, req.Address)
	if !ok {
		return bastioncrypto.Address{}, nil, false
	}
	amount, ok := s.decodeAmount(w, req.Amount)
	if !ok {
		return bastioncrypto.Address{}, nil, false
	}
	return addr, amount, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignedBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) decodeAddress(w http.ResponseWriter, raw string) (bastioncrypto.Address, bool) {
	addr, err := bastioncrypto.DecodeAddress(raw)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid address")
		return bastioncrypto.Address{}, false
	}
	return addr, true
}

func (s *Server) decodeAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "amount must be a positive decimal string")
		return nil, false
	}
	return amount, true
}

// refreshPoolMetrics pushes the latest pool snapshot to the Prometheus
// gauges after a mutating lending operation.
func (s *Server) refreshPoolMetrics() {
	stats, err := s.lending.PoolStats()
	if err != nil {
		return
	}
	utilization, _ := strconv.ParseFloat(stats.Utilization, 64)
	borrowAPR, _ := strconv.ParseFloat(stats.BorrowAPR, 64)
	metrics.Lending().SetPool(stats.TotalLiquidity, stats.TotalBorrowed, stats.Reserve, utilization, borrowAPR)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "err", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSONError(w, statusFor(err), err.Error())
}

// statusFor maps engine sentinels onto HTTP statuses: malformed input is
// 400, missing entities 404, rejected business rules 409, degraded oracle
// reads and paused modules 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, liquidation.ErrInvalidAmount),
		errors.Is(err, mirror.ErrInvalidAssetID),
		errors.Is(err, mirror.ErrInvalidHolder),
		errors.Is(err, mirror.ErrDomainRequired):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrNoActiveLoan),
		errors.Is(err, collateral.ErrPositionNotFound),
		errors.Is(err, mirror.ErrRecordNotFound),
		errors.Is(err, mirror.ErrTokenUnknown),
		errors.Is(err, relayer.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrBorrowExceedsCapacity),
		errors.Is(err, collateral.ErrNotTokenHolder),
		errors.Is(err, collateral.ErrTokenAlreadyBacked),
		errors.Is(err, collateral.ErrUnhealthyWithdraw),
		errors.Is(err, collateral.ErrOutstandingDebt),
		errors.Is(err, liquidation.ErrNoDebt),
		errors.Is(err, liquidation.ErrHealthyPosition),
		errors.Is(err, liquidation.ErrRepayTooLarge),
		errors.Is(err, mirror.ErrRecordLocked),
		errors.Is(err, mirror.ErrNotHolder),
		errors.Is(err, mirror.ErrAlreadyLocked),
		errors.Is(err, mirror.ErrNotLocked),
		errors.Is(err, relayer.ErrNotDeadLettered),
		errors.Is(err, relayer.ErrUnknownResolution):
		return http.StatusConflict
	case errors.Is(err, lending.ErrPriceDegraded),
		errors.Is(err, collateral.ErrDegradedPrice),
		errors.Is(err, liquidation.ErrDegradedPrice),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, relayer.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
