package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tapgame-core/internal/domain"
)

// PatchMessage is the ingest topic format: a partial update for one player.
type PatchMessage struct {
	OwnerID  string             `json:"owner_id"`
	Username string             `json:"username,omitempty"`
	Patch    domain.PlayerPatch `json:"patch"`
	SentAt   time.Time          `json:"sent_at,omitempty"`
}

// Key returns the target player key.
func (m PatchMessage) Key() domain.PlayerKey {
	return domain.PlayerKey{OwnerID: m.OwnerID, Username: m.Username}.Normalized()
}

// DecodePatchMessage parses and validates an ingest message.
func DecodePatchMessage(data []byte) (PatchMessage, error) {
	var msg PatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PatchMessage{}, fmt.Errorf("%w: %v", domain.ErrInvalidPatch, err)
	}
	if err := msg.Key().Validate(); err != nil {
		return PatchMessage{}, err
	}
	if msg.Patch.IsEmpty() {
		return PatchMessage{}, fmt.Errorf("%w: empty patch for %s", domain.ErrInvalidPatch, msg.Key())
	}
	return msg, nil
}

// StateEvent is published to the state topic after every committed write.
type StateEvent struct {
	PlayerKey string               `json:"player_key"`
	Summary   domain.PlayerSummary `json:"summary"`
	Record    *domain.PlayerRecord `json:"record"`
}
