package memory

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"github.com/0xOucan/payvvm-relay/pkg/types"
)

// MemoryPool is an in-memory implementation of IAuthorizationPool.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits, so
// the exactly-once guarantee does not survive restarts. Thread-safe using
// sync.Mutex; deep copies data to prevent external mutation.
type MemoryPool struct {
	mu sync.Mutex

	// Records by id
	records map[string]*types.PendingRecord

	// Dedup index: signature hex -> record id
	bySignature map[string]string

	// Closed flag
	closed bool

	now func() time.Time
}

// NewMemoryPool creates a new in-memory submission pool.
// Prints a loud warning since this should only be used for testing.
func NewMemoryPool() *MemoryPool {
	fmt.Println("⚠️  WARNING: Using in-memory submission pool - ALL DATA WILL BE LOST ON RESTART")
	fmt.Println("⚠️  This should ONLY be used for testing. Set RELAY_PERSISTENCE=badger or redis for production")

	return &MemoryPool{
		records:     make(map[string]*types.PendingRecord),
		bySignature: make(map[string]string),
		now:         time.Now,
	}
}

// Insert queues an authorization, deduplicating on its signature.
func (m *MemoryPool) Insert(auth *types.Authorization) (*pool.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}
	if auth == nil {
		return nil, fmt.Errorf("cannot insert nil authorization")
	}

	if existingID, ok := m.bySignature[pool.DedupKey(auth)]; ok {
		return &pool.InsertResult{Record: deepCopyRecord(m.records[existingID]), Created: false}, nil
	}

	// Deep copy to prevent external mutation
	record, err := pool.NewRecord(deepCopyAuthorization(auth), m.now())
	if err != nil {
		return nil, err
	}

	m.records[record.ID] = record
	m.bySignature[record.DedupKey] = record.ID

	return &pool.InsertResult{Record: deepCopyRecord(record), Created: true}, nil
}

// Get retrieves a record by id.
func (m *MemoryPool) Get(id string) (*types.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	record, exists := m.records[id]
	if !exists {
		return nil, nil // Not found is not an error
	}

	return deepCopyRecord(record), nil
}

// ListPending returns pending records, oldest first.
func (m *MemoryPool) ListPending(limit int) ([]*types.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	pending := make([]*types.PendingRecord, 0)
	for _, record := range m.records {
		if record.Status == types.StatusPending {
			pending = append(pending, deepCopyRecord(record))
		}
	}

	pool.SortPendingOldestFirst(pending)
	return pool.Truncate(pending, limit), nil
}

// ListRecent returns records of any status, newest first.
func (m *MemoryPool) ListRecent(limit int) ([]*types.PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	records := make([]*types.PendingRecord, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, deepCopyRecord(record))
	}

	pool.SortRecentNewestFirst(records)
	return pool.Truncate(records, limit), nil
}

// TryClaim atomically transitions a pending record to claimed.
func (m *MemoryPool) TryClaim(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, fmt.Errorf("submission pool is closed")
	}

	record, exists := m.records[id]
	if !exists || record.Status != types.StatusPending {
		return false, nil
	}

	claimed := m.now().UTC()
	record.Status = types.StatusClaimed
	record.ClaimedAt = &claimed
	return true, nil
}

// Complete applies a terminal outcome to a claimed record.
func (m *MemoryPool) Complete(id string, outcome *types.ExecutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("submission pool is closed")
	}

	record, exists := m.records[id]
	if !exists {
		return fmt.Errorf("record %s does not exist", id)
	}

	return pool.ApplyOutcome(record, outcome, m.now())
}

// MarkConfirmed transitions a record to executed with an external tx hash.
func (m *MemoryPool) MarkConfirmed(id string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("submission pool is closed")
	}

	record, exists := m.records[id]
	if !exists {
		return fmt.Errorf("record %s does not exist", id)
	}

	return pool.ApplyConfirmation(record, txHash, m.now())
}

// Close shuts down the pool.
func (m *MemoryPool) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true // Idempotent
	return nil
}

// HealthCheck verifies the pool is operational.
func (m *MemoryPool) HealthCheck() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("submission pool is closed")
	}
	return nil
}

func deepCopyRecord(record *types.PendingRecord) *types.PendingRecord {
	if record == nil {
		return nil
	}

	copied := *record
	copied.Authorization = deepCopyAuthorization(record.Authorization)
	if record.ClaimedAt != nil {
		claimed := *record.ClaimedAt
		copied.ClaimedAt = &claimed
	}
	if record.CompletedAt != nil {
		completed := *record.CompletedAt
		copied.CompletedAt = &completed
	}
	return &copied
}

func deepCopyAuthorization(auth *types.Authorization) *types.Authorization {
	if auth == nil {
		return nil
	}

	copied := *auth
	copied.Amount = copyBigInt(auth.Amount)
	copied.PriorityFee = copyBigInt(auth.PriorityFee)
	copied.Nonce = copyBigInt(auth.Nonce)
	if auth.Signature != nil {
		copied.Signature = append([]byte{}, auth.Signature...)
	}
	if auth.Recipients != nil {
		copied.Recipients = make([]types.Recipient, len(auth.Recipients))
		for i, r := range auth.Recipients {
			copied.Recipients[i] = r
			copied.Recipients[i].Amount = copyBigInt(r.Amount)
		}
	}
	return &copied
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
