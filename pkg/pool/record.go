package pool

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/google/uuid"
)

// recordNamespace seeds deterministic record id derivation.
var recordNamespace = uuid.MustParse("8e2f1c6a-4b0d-4f3e-9a71-5c2d8b9e0f14")

// NewRecord wraps an authorization into a fresh pending record. The id is
// derived deterministically from (sender, nonce, creation time); the dedup
// identity is the signature, carried separately as DedupKey.
func NewRecord(auth *types.Authorization, now time.Time) (*types.PendingRecord, error) {
	if auth == nil {
		return nil, fmt.Errorf("cannot create record for nil authorization")
	}
	if len(auth.Signature) == 0 {
		return nil, fmt.Errorf("cannot create record for unsigned authorization")
	}
	if auth.Nonce == nil {
		return nil, fmt.Errorf("cannot create record without a nonce")
	}

	seed := fmt.Sprintf("%s|%s|%d", strings.ToLower(auth.Sender.Hex()), auth.Nonce.String(), now.UnixNano())
	return &types.PendingRecord{
		ID:            uuid.NewSHA1(recordNamespace, []byte(seed)).String(),
		DedupKey:      DedupKey(auth),
		Authorization: auth,
		Status:        types.StatusPending,
		CreatedAt:     now.UTC(),
	}, nil
}

// DedupKey returns the authorization's dedup identity: its signature in
// lowercase hex.
func DedupKey(auth *types.Authorization) string {
	return strings.ToLower(auth.SignatureHex())
}

// SortPendingOldestFirst orders records by creation time ascending with id
// as the tiebreak, the order ListPending must return.
func SortPendingOldestFirst(records []*types.PendingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// SortRecentNewestFirst orders records by creation time descending with id
// as the tiebreak, the order ListRecent must return.
func SortRecentNewestFirst(records []*types.PendingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// Truncate applies a listing limit; limit <= 0 means no limit.
func Truncate(records []*types.PendingRecord, limit int) []*types.PendingRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// ApplyOutcome writes a terminal outcome onto a claimed record. Shared by
// the backends so the transition rules live in one place.
func ApplyOutcome(record *types.PendingRecord, outcome *types.ExecutionOutcome, now time.Time) error {
	if outcome == nil {
		return fmt.Errorf("cannot complete record %s with nil outcome", record.ID)
	}
	if record.Status.Terminal() {
		return fmt.Errorf("record %s is already terminal (%s)", record.ID, record.Status)
	}
	if record.Status != types.StatusClaimed {
		return fmt.Errorf("record %s is %s; Complete requires a prior successful TryClaim", record.ID, record.Status)
	}

	completed := now.UTC()
	record.CompletedAt = &completed
	if outcome.Executed {
		record.Status = types.StatusExecuted
		record.TxHash = outcome.TxHash
		record.GasUsed = outcome.GasUsed
	} else {
		record.Status = types.StatusFailed
		record.FailureReason = outcome.Reason
		record.ErrorDetail = outcome.Detail
	}
	return nil
}

// ApplyConfirmation forces a non-terminal record to executed with an
// externally observed tx hash.
func ApplyConfirmation(record *types.PendingRecord, txHash string, now time.Time) error {
	if record.Status == types.StatusExecuted {
		return fmt.Errorf("record %s is already executed", record.ID)
	}

	completed := now.UTC()
	record.Status = types.StatusExecuted
	record.TxHash = txHash
	record.CompletedAt = &completed
	record.FailureReason = ""
	record.ErrorDetail = ""
	return nil
}
