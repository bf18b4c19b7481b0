package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/0xOucan/payvvm-relay/pkg/types"
)

const defaultListLimit = 50

// IntakeResponse is returned for every accepted authorization.
type IntakeResponse struct {
	ID           string             `json:"id"`
	Status       types.RecordStatus `json:"status"`
	Deduplicated bool               `json:"deduplicated"`
}

// ConfirmRequest is the body of POST /transactions/confirm.
type ConfirmRequest struct {
	ID     string `json:"id"`
	TxHash string `json:"txHash"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Sugar().Errorw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeMalformed(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:  err.Error(),
		Reason: string(types.ReasonMalformed),
	})
}

// intakeRequest is the shared shape of the three intake bodies: strict
// decoding, exhaustive validation, conversion to an Authorization.
type intakeRequest interface {
	Validate() error
	ToAuthorization() *types.Authorization
}

// handleIntake runs the common intake path. Malformed requests are rejected
// before the pool ever sees them.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, req intakeRequest) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		s.writeMalformed(w, fmt.Errorf("failed to parse request: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeMalformed(w, err)
		return
	}

	result, err := s.pool.Insert(req.ToAuthorization())
	if err != nil {
		s.logger.Sugar().Errorw("Failed to insert authorization", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to queue authorization"})
		return
	}

	s.logger.Sugar().Infow("Queued authorization",
		"id", result.Record.ID,
		"kind", result.Record.Authorization.Kind,
		"sender", result.Record.Authorization.Sender.Hex(),
		"deduplicated", !result.Created,
	)
	s.writeJSON(w, http.StatusAccepted, IntakeResponse{
		ID:           result.Record.ID,
		Status:       result.Record.Status,
		Deduplicated: !result.Created,
	})
}

// handleRelayPay handles the /relay/pay intake endpoint
func (s *Server) handleRelayPay(w http.ResponseWriter, r *http.Request) {
	s.handleIntake(w, r, &types.PayRequest{})
}

// handleRelayDisperse handles the /relay/disperse intake endpoint
func (s *Server) handleRelayDisperse(w http.ResponseWriter, r *http.Request) {
	s.handleIntake(w, r, &types.DisperseRequest{})
}

// handleRelayClaim handles the /relay/claim intake endpoint
func (s *Server) handleRelayClaim(w http.ResponseWriter, r *http.Request) {
	s.handleIntake(w, r, &types.ClaimRequest{})
}

// handleListTransactions handles the /transactions query endpoint
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		records []*types.PendingRecord
		err     error
	)
	if r.URL.Query().Get("pending") == "true" {
		records, err = s.pool.ListPending(limit)
	} else {
		records, err = s.pool.ListRecent(limit)
	}
	if err != nil {
		s.logger.Sugar().Errorw("Failed to list records", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list records"})
		return
	}

	s.writeJSON(w, http.StatusOK, records)
}

// handleConfirmTransaction handles the /transactions/confirm reconciliation
// endpoint
func (s *Server) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("failed to parse request: %v", err)})
		return
	}
	if req.ID == "" || req.TxHash == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id and txHash are required"})
		return
	}

	record, err := s.pool.Get(req.ID)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to read record", "id", req.ID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read record"})
		return
	}
	if record == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "record not found"})
		return
	}

	if err := s.pool.MarkConfirmed(req.ID, req.TxHash); err != nil {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Sugar().Infow("Record confirmed out of band", "id", req.ID, "tx_hash", req.TxHash)
	s.writeJSON(w, http.StatusOK, IntakeResponse{ID: req.ID, Status: types.StatusExecuted})
}

// handleHealth handles the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.pool.HealthCheck(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: fmt.Sprintf("pool unhealthy: %v", err)})
		return
	}
	if s.chainCheck != nil {
		if err := s.chainCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: fmt.Sprintf("chain unreachable: %v", err)})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
