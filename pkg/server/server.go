package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

/*
Server is the public HTTP boundary of the relay.

Intake flow:
  POST /relay/pay      { from, to, token, amount, priorityFee, nonce,
                         signature, executor, priorityFlag }
  POST /relay/disperse { from, recipients: [{amount, to_address,
                         to_identity}], token, amount, priorityFee, nonce,
                         signature, executor, priorityFlag }
  POST /relay/claim    { token, claimer, nonce, signature }

  Each body is decoded strictly (unknown fields rejected), validated field
  by field, converted to an Authorization and inserted into the submission
  pool. A well-formed request is answered 202 with {id, status,
  deduplicated}; a malformed one is answered 400 and never queued. The
  signature is NOT verified here: cryptographic checks happen at execution
  time, intake only guards shape.

Query flow:
  GET  /transactions?pending=true&limit=N
    Lists records: pending oldest-first when pending=true, otherwise all
    records newest-first.
  POST /transactions/confirm { id, txHash }
    Reconciliation for operators: marks a record executed after out-of-band
    confirmation, e.g. when the relay crashed between submission and
    receipt.
  GET  /health
    Pool health plus chain reachability.

All intake endpoints share one token-bucket rate limiter; exhaustion is
answered 429.
*/

const (
	// DefaultRateLimit is the sustained intake rate in requests per second.
	DefaultRateLimit rate.Limit = 20

	// DefaultRateBurst is the intake burst allowance.
	DefaultRateBurst = 40
)

// Server handles HTTP requests for the relay
type Server struct {
	pool       pool.IAuthorizationPool
	logger     *zap.Logger
	httpServer *http.Server
	limiter    *rate.Limiter

	// chainCheck reports chain reachability for /health; nil skips the check.
	chainCheck func(ctx context.Context) error
}

// NewServer creates a new server instance
func NewServer(p pool.IAuthorizationPool, chainCheck func(ctx context.Context) error, port int, logger *zap.Logger) *Server {
	s := &Server{
		pool:       p,
		logger:     logger,
		limiter:    rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		chainCheck: chainCheck,
	}

	mux := http.NewServeMux()

	// Intake endpoints
	mux.HandleFunc("/relay/pay", s.handleRelayPay)
	mux.HandleFunc("/relay/disperse", s.handleRelayDisperse)
	mux.HandleFunc("/relay/claim", s.handleRelayClaim)

	// Query endpoints
	mux.HandleFunc("/transactions", s.handleListTransactions)
	mux.HandleFunc("/transactions/confirm", s.handleConfirmTransaction)

	// Health endpoint
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
