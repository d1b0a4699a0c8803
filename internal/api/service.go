// Package api provides the HTTP handlers for the futures engine: opening
// and settling positions, funding the custody pool, and querying
// positions, events, and the oracle price.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/engine"
	"github.com/clearline/futures-engine/internal/model"
	"github.com/clearline/futures-engine/internal/oracle"
)

// Service handles HTTP requests against the position ledger.
type Service struct {
	ledger *engine.Ledger
	oracle *oracle.ManualOracle
}

// NewService creates the HTTP service. The manual oracle is exposed for
// the operator price-set endpoint; pass the same instance the ledger
// consumes.
func NewService(ledger *engine.Ledger, manual *oracle.ManualOracle) *Service {
	return &Service{ledger: ledger, oracle: manual}
}

// --- Request/Response types ---

// OpenRequest is the JSON body for POST /positions.
type OpenRequest struct {
	Trader     string          `json:"trader"`
	Direction  string          `json:"direction"`  // "long" or "short"
	Collateral decimal.Decimal `json:"collateral"` // smallest asset unit
}

// OpenResponse is returned from POST /positions.
type OpenResponse struct {
	ID         uint64          `json:"id"`
	Trader     string          `json:"trader"`
	Instrument string          `json:"instrument"`
	Direction  string          `json:"direction"`
	Margin     decimal.Decimal `json:"margin"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Expiry     time.Time       `json:"expiry"`
}

// SettleRequest is the JSON body for close/settle/liquidate calls.
type SettleRequest struct {
	Caller string `json:"caller"`
}

// FundRequest is the JSON body for POST /fund.
type FundRequest struct {
	Sender string          `json:"sender"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /withdraw.
type WithdrawRequest struct {
	Caller string          `json:"caller"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// SetPriceRequest is the JSON body for POST /oracle/price.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"` // native oracle scale
}

// --- Handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id, err := s.ledger.Open(ctx, req.Trader, direction(req.Direction), req.Collateral)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	pos, err := s.ledger.GetPosition(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(OpenResponse{
		ID:         pos.ID,
		Trader:     pos.Trader,
		Instrument: pos.Instrument,
		Direction:  string(pos.Direction),
		Margin:     pos.Margin,
		EntryPrice: pos.EntryPrice,
		Expiry:     pos.Expiry,
	})
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	pos, err := s.ledger.GetPosition(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.ledger.Close)
}

// SettleExpired handles POST /api/v1/positions/{positionID}/settle
func (s *Service) SettleExpired(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.ledger.SettleExpired)
}

// Liquidate handles POST /api/v1/positions/{positionID}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.ledger.Liquidate)
}

func (s *Service) settle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uint64, caller string) error) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), id, req.Caller); err != nil {
		writeEngineError(w, err)
		return
	}

	pos, err := s.ledger.GetPosition(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// Fund handles POST /api/v1/fund
func (s *Service) Fund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		writeError(w, "sender is required", http.StatusBadRequest)
		return
	}

	if err := s.ledger.Fund(r.Context(), req.Sender, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeBalance(w, r)
}

// Withdraw handles POST /api/v1/withdraw — owner only.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		writeError(w, "to is required", http.StatusBadRequest)
		return
	}

	if err := s.ledger.Withdraw(r.Context(), req.Caller, req.To, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeBalance(w, r)
}

// GetOraclePrice handles GET /api/v1/oracle/price
// Returns the raw feed price, its native scale, and the 18-decimal
// scaled value the engine settles against.
func (s *Service) GetOraclePrice(w http.ResponseWriter, r *http.Request) {
	raw, setAt := s.oracle.RawPrice()
	resp := map[string]interface{}{
		"raw":      raw,
		"decimals": s.oracle.Decimals(),
		"set_at":   setAt,
	}
	scaled, err := s.oracle.LatestScaledPrice(r.Context())
	if err == nil {
		resp["scaled"] = scaled
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SetOraclePrice handles POST /api/v1/oracle/price — operator surface for
// the manual oracle.
func (s *Service) SetOraclePrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.oracle.SetPrice(req.Price); err != nil {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	slog.Info("oracle price set", "price", req.Price.String())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ListEvents handles GET /api/v1/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledger.Events(r.Context())
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// ListPositionEvents handles GET /api/v1/positions/{positionID}/events
func (s *Service) ListPositionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	events, err := s.ledger.EventsByPosition(r.Context(), id)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// --- Helpers ---

func (s *Service) writeBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.PoolBalance(r.Context())
	if err != nil {
		writeError(w, "failed to read pool balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"pool_balance": balance})
}

func positionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func direction(s string) model.Direction {
	return model.Direction(s)
}

// writeEngineError maps ledger failures to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidCollateral), errors.Is(err, engine.ErrInvalidDirection):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrAlreadyClosed),
		errors.Is(err, engine.ErrNotExpired),
		errors.Is(err, engine.ErrNotLiquidatable):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidPrice), errors.Is(err, engine.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
