package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/0xOucan/payvvm-relay/pkg/logger"
	"github.com/0xOucan/payvvm-relay/pkg/pool/memory"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T) (*Server, *memory.MemoryPool) {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	p := memory.NewMemoryPool()
	t.Cleanup(func() { _ = p.Close() })
	return NewServer(p, nil, 0, l), p
}

func validPayBody() map[string]any {
	return map[string]any{
		"from":         "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
		"to":           "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		"token":        "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC",
		"amount":       "100",
		"priorityFee":  "10",
		"nonce":        "0",
		"signature":    "0x" + bytes65Hex(),
		"executor":     "any",
		"priorityFlag": false,
	}
}

func bytes65Hex() string {
	raw := make([]byte, 65)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return fmt.Sprintf("%x", raw)
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(w, req)
	return w
}

func TestHandleRelayPay(t *testing.T) {
	t.Run("Accepts valid request", func(t *testing.T) {
		s, p := newTestServer(t)

		w := postJSON(t, s, "/relay/pay", validPayBody())
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp IntakeResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.ID)
		assert.Equal(t, types.StatusPending, resp.Status)
		assert.False(t, resp.Deduplicated)

		record, err := p.Get(resp.ID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, types.OperationPay, record.Authorization.Kind)
	})

	t.Run("Reports duplicates", func(t *testing.T) {
		s, _ := newTestServer(t)

		first := postJSON(t, s, "/relay/pay", validPayBody())
		require.Equal(t, http.StatusAccepted, first.Code)

		second := postJSON(t, s, "/relay/pay", validPayBody())
		require.Equal(t, http.StatusAccepted, second.Code)

		var firstResp, secondResp IntakeResponse
		require.NoError(t, json.NewDecoder(first.Body).Decode(&firstResp))
		require.NoError(t, json.NewDecoder(second.Body).Decode(&secondResp))
		assert.True(t, secondResp.Deduplicated)
		assert.Equal(t, firstResp.ID, secondResp.ID)
	})

	t.Run("Method not allowed", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/relay/pay", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		s, p := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/relay/pay", bytes.NewReader([]byte("invalid json")))
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)

		pending, err := p.ListPending(10)
		require.NoError(t, err)
		assert.Empty(t, pending, "malformed requests must never be queued")
	})

	t.Run("Unknown fields rejected", func(t *testing.T) {
		s, _ := newTestServer(t)
		body := validPayBody()
		body["gasPrice"] = "1000"
		w := postJSON(t, s, "/relay/pay", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Malformed fields rejected with reason", func(t *testing.T) {
		cases := []struct {
			name  string
			field string
			value any
		}{
			{"bad from address", "from", "not-an-address"},
			{"negative amount", "amount", "-5"},
			{"non-decimal nonce", "nonce", "0x10"},
			{"short signature", "signature", "0xdeadbeef"},
			{"bad executor", "executor", "someone"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				s, p := newTestServer(t)
				body := validPayBody()
				body[tc.field] = tc.value
				w := postJSON(t, s, "/relay/pay", body)
				require.Equal(t, http.StatusBadRequest, w.Code)

				var resp struct {
					Reason string `json:"reason"`
				}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.Equal(t, string(types.ReasonMalformed), resp.Reason)

				pending, err := p.ListPending(10)
				require.NoError(t, err)
				assert.Empty(t, pending)
			})
		}
	})
}

func TestHandleRelayDisperse(t *testing.T) {
	body := map[string]any{
		"from": "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
		"recipients": []map[string]any{
			{"amount": "60", "to_address": "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "to_identity": "alice"},
			{"amount": "40", "to_address": "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD", "to_identity": ""},
		},
		"token":        "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC",
		"amount":       "100",
		"priorityFee":  "0",
		"nonce":        "7",
		"signature":    "0x" + bytes65Hex(),
		"executor":     "",
		"priorityFlag": true,
	}

	t.Run("Accepts valid request", func(t *testing.T) {
		s, p := newTestServer(t)
		w := postJSON(t, s, "/relay/disperse", body)
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp IntakeResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		record, err := p.Get(resp.ID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, types.OperationDisperse, record.Authorization.Kind)
		assert.Len(t, record.Authorization.Recipients, 2)
		assert.Equal(t, types.NonceModeUnique, record.Authorization.NonceMode)
	})

	t.Run("Empty recipient list rejected", func(t *testing.T) {
		s, _ := newTestServer(t)
		bad := map[string]any{}
		for k, v := range body {
			bad[k] = v
		}
		bad["recipients"] = []map[string]any{}
		w := postJSON(t, s, "/relay/disperse", bad)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleRelayClaim(t *testing.T) {
	t.Run("Accepts known token kind", func(t *testing.T) {
		s, p := newTestServer(t)
		w := postJSON(t, s, "/relay/claim", map[string]any{
			"token":     "PYUSD",
			"claimer":   "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
			"nonce":     "42",
			"signature": "0x" + bytes65Hex(),
		})
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp IntakeResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		record, err := p.Get(resp.ID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, types.OperationClaim, record.Authorization.Kind)
		assert.Equal(t, types.TokenKindPyusd, record.Authorization.TokenKind)
		assert.Equal(t, types.NonceModeUnique, record.Authorization.NonceMode)
	})

	t.Run("Unknown token kind rejected", func(t *testing.T) {
		s, p := newTestServer(t)
		w := postJSON(t, s, "/relay/claim", map[string]any{
			"token":     "doge",
			"claimer":   "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
			"nonce":     "42",
			"signature": "0x" + bytes65Hex(),
		})
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(types.ReasonMalformed), resp.Reason)

		pending, err := p.ListPending(10)
		require.NoError(t, err)
		assert.Empty(t, pending, "claims for unconfigured faucets must never be queued")
	})
}

func TestHandleListTransactions(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		body := validPayBody()
		body["nonce"] = fmt.Sprintf("%d", i)
		body["signature"] = fmt.Sprintf("0x%x", append(bytes.Repeat([]byte{byte(i + 1)}, 64), 27))
		w := postJSON(t, s, "/relay/pay", body)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	t.Run("Pending list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions?pending=true&limit=2", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var records []*types.PendingRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
		assert.Len(t, records, 2)
	})

	t.Run("Recent list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var records []*types.PendingRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
		assert.Len(t, records, 3)
	})

	t.Run("Bad limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions?limit=zero", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleConfirmTransaction(t *testing.T) {
	s, p := newTestServer(t)

	w := postJSON(t, s, "/relay/pay", validPayBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp IntakeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	t.Run("Confirms pending record", func(t *testing.T) {
		w := postJSON(t, s, "/transactions/confirm", ConfirmRequest{ID: resp.ID, TxHash: "0xabc123"})
		require.Equal(t, http.StatusOK, w.Code)

		record, err := p.Get(resp.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusExecuted, record.Status)
		assert.Equal(t, "0xabc123", record.TxHash)
	})

	t.Run("Rejects double confirmation", func(t *testing.T) {
		w := postJSON(t, s, "/transactions/confirm", ConfirmRequest{ID: resp.ID, TxHash: "0xother"})
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Unknown record", func(t *testing.T) {
		w := postJSON(t, s, "/transactions/confirm", ConfirmRequest{ID: "missing", TxHash: "0xabc"})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Missing fields", func(t *testing.T) {
		w := postJSON(t, s, "/transactions/confirm", ConfirmRequest{ID: resp.ID})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		s, _ := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Pool unhealthy", func(t *testing.T) {
		s, p := newTestServer(t)
		require.NoError(t, p.Close())
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Chain unreachable", func(t *testing.T) {
		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		require.NoError(t, err)
		p := memory.NewMemoryPool()
		defer func() { _ = p.Close() }()
		s := NewServer(p, func(ctx context.Context) error {
			return errors.New("rpc down")
		}, 0, l)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.GetHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestIntakeRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.limiter = rate.NewLimiter(0, 1) // single token, no refill

	first := postJSON(t, s, "/relay/pay", validPayBody())
	require.Equal(t, http.StatusAccepted, first.Code)

	second := postJSON(t, s, "/relay/pay", validPayBody())
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}
