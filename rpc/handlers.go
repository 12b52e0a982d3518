package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowpay/escrow"
	"escrowpay/observability/logging"
)

// CallerHeader carries the resolved caller identity. Authentication happens
// upstream; the engine only needs the resulting account address.
const CallerHeader = "X-Escrow-Caller"

type contextKey string

const requestIDKey contextKey = "requestID"

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps the engine's typed errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, escrow.ErrUnknownPayment):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrCallerMismatch):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrAlreadyInProcess):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrArithmeticOverflow), errors.Is(err, escrow.ErrArithmeticUnderflow),
		errors.Is(err, escrow.ErrRemarkTooLong), errors.Is(err, escrow.ErrTooManyFees):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrLedgerOperation):
		status = http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrIDUnavailable), errors.Is(err, escrow.ErrSchedulerOperation):
		status = http.StatusServiceUnavailable
	}
	s.logger.Info("operation rejected",
		"request", requestIDFrom(r.Context()),
		"error", err.Error(),
	)
	writeError(w, status, err.Error())
}

func caller(r *http.Request) (escrow.Address, error) {
	return escrow.ParseAddress(r.Header.Get(CallerHeader))
}

func paymentIDParam(r *http.Request) (escrow.PaymentID, error) {
	return escrow.ParsePaymentID(chi.URLParam(r, "id"))
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, errors.New("malformed decimal amount")
	}
	return amount, nil
}

type payRequest struct {
	Beneficiary string `json:"beneficiary"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Remark      string `json:"remark,omitempty"`
}

type paymentCreatedResponse struct {
	ID string `json:"id"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	sender, err := caller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or malformed caller header")
		return
	}
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	beneficiary, err := escrow.ParseAddress(req.Beneficiary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var id escrow.PaymentID
	err = s.withOperation("pay", func() error {
		var opErr error
		id, opErr = s.engine.Pay(sender, beneficiary, req.Asset, amount, req.Remark)
		return opErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Info("payment escrowed",
		"operation", "pay",
		"payment", id.Hex(),
		"asset", req.Asset,
		"request", requestIDFrom(r.Context()),
		logging.MaskField("remark", req.Remark),
	)
	writeJSON(w, http.StatusCreated, paymentCreatedResponse{ID: id.Hex()})
}

type requestPaymentRequest struct {
	Sender string `json:"sender"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	beneficiary, err := caller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or malformed caller header")
		return
	}
	var req requestPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sender, err := escrow.ParseAddress(req.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var id escrow.PaymentID
	err = s.withOperation("request_payment", func() error {
		var opErr error
		id, opErr = s.engine.RequestPayment(beneficiary, sender, req.Asset, amount)
		return opErr
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentCreatedResponse{ID: id.Hex()})
}

// simpleOp handles the operations that need only the caller and the id.
func (s *Server) simpleOp(w http.ResponseWriter, r *http.Request, operation string, fn func(escrow.Address, escrow.PaymentID) error) {
	who, err := caller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or malformed caller header")
		return
	}
	id, err := paymentIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.withOperation(operation, func() error { return fn(who, id) }); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Info("operation committed",
		"operation", operation,
		"payment", id.Hex(),
		"request", requestIDFrom(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, "release", s.engine.Release)
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, "request_refund", s.engine.RequestRefund)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, "dispute_refund", s.engine.DisputeRefund)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, "cancel", s.engine.Cancel)
}

func (s *Server) handleAcceptAndPay(w http.ResponseWriter, r *http.Request) {
	s.simpleOp(w, r, "accept_and_pay", s.engine.AcceptAndPay)
}

type resolveRequest struct {
	PercentToBeneficiaryBps uint32 `json:"percentToBeneficiaryBps"`
	InFavorOf               string `json:"inFavorOf"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	resolver, err := caller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or malformed caller header")
		return
	}
	id, err := paymentIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	var favoured escrow.Role
	switch strings.ToLower(strings.TrimSpace(req.InFavorOf)) {
	case "sender":
		favoured = escrow.RoleSender
	case "beneficiary":
		favoured = escrow.RoleBeneficiary
	default:
		writeError(w, http.StatusBadRequest, "inFavorOf must be sender or beneficiary")
		return
	}
	result := escrow.DisputeResult{
		PercentToBeneficiaryBps: req.PercentToBeneficiaryBps,
		InFavorOf:               favoured,
	}
	err = s.withOperation("resolve_dispute", func() error {
		return s.engine.ResolveDispute(resolver, id, result)
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type paymentResponse struct {
	ID              string      `json:"id"`
	Sender          string      `json:"sender"`
	Beneficiary     string      `json:"beneficiary"`
	Asset           string      `json:"asset"`
	Amount          string      `json:"amount"`
	IncentiveAmount string      `json:"incentiveAmount"`
	Status          string      `json:"status"`
	RefundDeadline  int64       `json:"refundDeadline,omitempty"`
	Fees            escrow.Fees `json:"fees"`
	CreatedAt       int64       `json:"createdAt"`
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := paymentIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	detail, err := s.engine.Payment(id)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{
		ID:              detail.ID.Hex(),
		Sender:          detail.Sender.Hex(),
		Beneficiary:     detail.Beneficiary.Hex(),
		Asset:           detail.Asset,
		Amount:          detail.Amount.String(),
		IncentiveAmount: detail.IncentiveAmount.String(),
		Status:          detail.Status.String(),
		RefundDeadline:  detail.RefundDeadline,
		Fees:            detail.Fees,
		CreatedAt:       detail.CreatedAt,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []escrow.Event{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, s.events.Events(r.URL.Query().Get("prefix"), limit))
}

type fundingRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// handleFunding mints spendable funds on the in-process ledger. It exists
// only for development deployments where no external ledger is wired.
func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	var req fundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	account, err := escrow.ParseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := escrow.NormalizeAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ledger.Mint(asset, account, amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
