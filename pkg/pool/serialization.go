package pool

import (
	"encoding/json"
	"fmt"

	"github.com/0xOucan/payvvm-relay/pkg/types"
)

// MarshalRecord serializes a PendingRecord to JSON bytes.
// Uses standard JSON marshaling - big.Int has built-in JSON support.
func MarshalRecord(record *types.PendingRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil PendingRecord")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PendingRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalRecord deserializes a PendingRecord from JSON bytes.
func UnmarshalRecord(data []byte) (*types.PendingRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.PendingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to PendingRecord: %w", err)
	}

	return &record, nil
}
