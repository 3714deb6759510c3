package filestore

import (
	"encoding/json"
	"fmt"

	"github.com/tapgame-core/internal/domain"
)

const recordFile = "record.json"

// encodeRecord renders the on-disk form: indented JSON with a trailing newline.
func encodeRecord(rec *domain.PlayerRecord) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeRecord parses a record file. Anything that does not yield a valid
// snapshot is reported as ErrCorruptRecord.
func decodeRecord(data []byte) (*domain.PlayerRecord, error) {
	var rec domain.PlayerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	return &rec, nil
}
