package pool

import "github.com/0xOucan/payvvm-relay/pkg/types"

// IAuthorizationPool is the submission pool: the single shared mutable store
// all relay processes coordinate through. All implementations must be
// thread-safe, and TryClaim must be atomic per record across every process
// sharing the backing store; it is the sole concurrency gate in the system.
//
// The interface supports:
// - Intake with signature-based deduplication (Insert)
// - Lookup and listing for the relay loop and the query boundary
// - The record lifecycle (TryClaim, Complete, MarkConfirmed)
// - Lifecycle management (close, health check)
type IAuthorizationPool interface {
	// Insert queues an authorization as a pending record. Deduplicates on
	// the authorization's signature: re-inserting an already-known
	// authorization is not an error and returns the existing record with
	// Created=false. Payload content is not validated here; invalid
	// authorizations queue and fail at execution time.
	Insert(auth *types.Authorization) (*InsertResult, error)

	// Get retrieves a record by id.
	// Returns nil if the record doesn't exist, error only on storage failure.
	Get(id string) (*types.PendingRecord, error)

	// ListPending returns up to limit pending records, oldest first
	// (creation time, id tiebreak). limit <= 0 means no limit.
	// Returns empty slice if no records exist, error only on storage failure.
	ListPending(limit int) ([]*types.PendingRecord, error)

	// ListRecent returns up to limit records of any status, newest first.
	// limit <= 0 means no limit.
	ListRecent(limit int) ([]*types.PendingRecord, error)

	// TryClaim atomically transitions a pending record to claimed. Exactly
	// one of N concurrent callers succeeds; the rest observe false.
	// Returns false (not an error) if the record is absent, already
	// claimed, or terminal.
	TryClaim(id string) (bool, error)

	// Complete applies a terminal outcome to a claimed record. Errors if
	// the record is absent, was never claimed, or is already terminal.
	Complete(id string, outcome *types.ExecutionOutcome) error

	// MarkConfirmed transitions a non-terminal record straight to executed
	// with an externally observed transaction hash. Reconciliation hook for
	// records whose submission landed on chain after a confirmation
	// timeout. Errors on absent or already-executed records.
	MarkConfirmed(id string, txHash string) error

	// Close cleanly shuts down the pool.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the pool is operational.
	// Returns nil if healthy, error describing the problem if not.
	HealthCheck() error
}

// InsertResult reports what Insert did.
type InsertResult struct {
	// Record is the stored record: freshly created, or the pre-existing one
	// when the authorization was already queued.
	Record *types.PendingRecord

	// Created is false when the insert deduplicated against an existing
	// record.
	Created bool
}
