package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// PlayerKey identifies a player record: the owning account plus display name.
type PlayerKey struct {
	OwnerID  string `json:"owner_id"`
	Username string `json:"username"`
}

// String returns the directory name used for the player's record.
func (k PlayerKey) String() string {
	if k.Username == "" {
		return sanitizeSegment(k.OwnerID)
	}
	return sanitizeSegment(k.OwnerID) + "_" + sanitizeSegment(k.Username)
}

// Normalized returns the key with both parts trimmed and in Unicode NFC, the
// form Validate accepts.
func (k PlayerKey) Normalized() PlayerKey {
	return PlayerKey{
		OwnerID:  norm.NFC.String(strings.TrimSpace(k.OwnerID)),
		Username: norm.NFC.String(strings.TrimSpace(k.Username)),
	}
}

// Validate rejects keys that cannot be mapped to a safe directory name. Both
// parts must already be in sanitized form, so distinct keys never share a
// directory.
func (k PlayerKey) Validate() error {
	if strings.TrimSpace(k.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidKey)
	}
	if strings.Contains(k.OwnerID, "_") {
		return fmt.Errorf("%w: owner id %q must not contain '_'", ErrInvalidKey, k.OwnerID)
	}
	if sanitizeSegment(k.OwnerID) != k.OwnerID {
		return fmt.Errorf("%w: owner id %q contains unsafe characters", ErrInvalidKey, k.OwnerID)
	}
	if sanitizeSegment(k.Username) != k.Username {
		return fmt.Errorf("%w: username %q is not normalized or contains unsafe characters", ErrInvalidKey, k.Username)
	}
	return nil
}

// ParsePlayerKey inverts PlayerKey.String for a record directory name.
func ParsePlayerKey(dir string) (PlayerKey, error) {
	owner, username, _ := strings.Cut(dir, "_")
	key := PlayerKey{OwnerID: owner, Username: username}.Normalized()
	if err := key.Validate(); err != nil {
		return PlayerKey{}, err
	}
	return key, nil
}

// sanitizeSegment normalizes s to NFC and replaces anything that could escape
// a single path segment.
func sanitizeSegment(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "..", "-")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '-'
		case unicode.IsControl(r):
			return '-'
		}
		return r
	}, s)
}

// BoostState is a temporary income multiplier.
type BoostState struct {
	Multiplier float64   `json:"multiplier"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PlayerRecord is one player's save data. It is always persisted as a
// complete snapshot.
type PlayerRecord struct {
	OwnerID  string `json:"owner_id"`
	Username string `json:"username"`

	Points          int64   `json:"points"`
	Gems            int64   `json:"gems"`
	Experience      int64   `json:"experience"`
	Level           int     `json:"level"`
	Energy          int64   `json:"energy"`
	MaxEnergy       int64   `json:"max_energy"`
	EnergyRegenRate float64 `json:"energy_regen_rate"`

	Upgrades            map[string]int `json:"upgrades"`
	UnlockedCharacters  []string       `json:"unlocked_characters"`
	SelectedCharacterID string         `json:"selected_character_id,omitempty"`

	LastLogin       time.Time `json:"last_login"`
	LastEnergyTick  time.Time `json:"last_energy_tick"`
	LastDailyReset  time.Time `json:"last_daily_reset"`
	LastWeeklyReset time.Time `json:"last_weekly_reset"`

	Boost BoostState `json:"boost"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlayerDefaults are the starting values for a freshly created record.
type PlayerDefaults struct {
	Points          int64
	Energy          int64
	MaxEnergy       int64
	EnergyRegenRate float64
}

// DefaultPlayerDefaults returns the built-in starting values.
func DefaultPlayerDefaults() PlayerDefaults {
	return PlayerDefaults{
		Energy:          1000,
		MaxEnergy:       1000,
		EnergyRegenRate: 1,
	}
}

// NewPlayerRecord builds the record created on a player's first authentication.
func NewPlayerRecord(key PlayerKey, defaults PlayerDefaults, now time.Time) *PlayerRecord {
	now = now.UTC()
	return &PlayerRecord{
		OwnerID:            key.OwnerID,
		Username:           key.Username,
		Points:             defaults.Points,
		Level:              1,
		Energy:             defaults.Energy,
		MaxEnergy:          defaults.MaxEnergy,
		EnergyRegenRate:    defaults.EnergyRegenRate,
		Upgrades:           make(map[string]int),
		UnlockedCharacters: []string{},
		LastLogin:          now,
		LastEnergyTick:     now,
		LastDailyReset:     now,
		LastWeeklyReset:    now,
		Boost:              BoostState{Multiplier: 1},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Key returns the record's composite key.
func (r *PlayerRecord) Key() PlayerKey {
	return PlayerKey{OwnerID: r.OwnerID, Username: r.Username}
}

// Clone returns a deep copy; cached records are only ever handed out as clones.
func (r *PlayerRecord) Clone() *PlayerRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Upgrades = make(map[string]int, len(r.Upgrades))
	for id, lvl := range r.Upgrades {
		c.Upgrades[id] = lvl
	}
	c.UnlockedCharacters = slices.Clone(r.UnlockedCharacters)
	if c.UnlockedCharacters == nil {
		c.UnlockedCharacters = []string{}
	}
	return &c
}

// Validate checks the invariants every persisted snapshot must satisfy.
func (r *PlayerRecord) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner id is empty", ErrInvalidRecord)
	}
	switch {
	case r.Points < 0:
		return fmt.Errorf("%w: points must not be negative", ErrInvalidRecord)
	case r.Gems < 0:
		return fmt.Errorf("%w: gems must not be negative", ErrInvalidRecord)
	case r.Experience < 0:
		return fmt.Errorf("%w: experience must not be negative", ErrInvalidRecord)
	case r.Level < 0:
		return fmt.Errorf("%w: level must not be negative", ErrInvalidRecord)
	case r.Energy < 0 || r.MaxEnergy < 0:
		return fmt.Errorf("%w: energy must not be negative", ErrInvalidRecord)
	case r.Energy > r.MaxEnergy:
		return fmt.Errorf("%w: energy %d exceeds max %d", ErrInvalidRecord, r.Energy, r.MaxEnergy)
	case r.EnergyRegenRate < 0:
		return fmt.Errorf("%w: energy regen rate must not be negative", ErrInvalidRecord)
	case r.Boost.Multiplier < 0:
		return fmt.Errorf("%w: boost multiplier must not be negative", ErrInvalidRecord)
	}
	for id, lvl := range r.Upgrades {
		if id == "" {
			return fmt.Errorf("%w: empty upgrade id", ErrInvalidRecord)
		}
		if lvl < 0 {
			return fmt.Errorf("%w: upgrade %q has negative level", ErrInvalidRecord, id)
		}
	}
	return nil
}

// HasCharacter reports whether the character is unlocked.
func (r *PlayerRecord) HasCharacter(id string) bool {
	_, found := slices.BinarySearch(r.UnlockedCharacters, id)
	return found
}

// UnlockCharacter adds id to the unlocked set, keeping it sorted and unique.
func (r *PlayerRecord) UnlockCharacter(id string) {
	i, found := slices.BinarySearch(r.UnlockedCharacters, id)
	if found {
		return
	}
	r.UnlockedCharacters = slices.Insert(r.UnlockedCharacters, i, id)
}

// normalizeCharacters restores the sorted-set representation after decoding.
func (r *PlayerRecord) normalizeCharacters() {
	if r.UnlockedCharacters == nil {
		r.UnlockedCharacters = []string{}
		return
	}
	slices.Sort(r.UnlockedCharacters)
	r.UnlockedCharacters = slices.Compact(r.UnlockedCharacters)
}

// Normalize fills nil collections so a decoded record behaves like a new one.
func (r *PlayerRecord) Normalize() {
	if r.Upgrades == nil {
		r.Upgrades = make(map[string]int)
	}
	r.normalizeCharacters()
}

// BoostActive reports whether the boost multiplier applies at now.
func (r *PlayerRecord) BoostActive(now time.Time) bool {
	return r.Boost.Multiplier > 1 && now.Before(r.Boost.ExpiresAt)
}

// RegenerateEnergy credits energy accrued since the last tick, capped at max.
func (r *PlayerRecord) RegenerateEnergy(now time.Time) {
	if r.LastEnergyTick.IsZero() || !now.After(r.LastEnergyTick) {
		r.LastEnergyTick = now
		return
	}
	gained := int64(now.Sub(r.LastEnergyTick).Seconds() * r.EnergyRegenRate)
	if gained <= 0 {
		return
	}
	r.Energy = min(r.Energy+gained, r.MaxEnergy)
	r.LastEnergyTick = now
}

// PlayerSummary is the projection mirrored into query stores.
type PlayerSummary struct {
	PlayerKey      string    `json:"player_key"`
	OwnerID        string    `json:"owner_id"`
	Username       string    `json:"username"`
	Points         int64     `json:"points"`
	Gems           int64     `json:"gems"`
	Experience     int64     `json:"experience"`
	Level          int       `json:"level"`
	UpgradeCount   int       `json:"upgrade_count"`
	CharacterCount int       `json:"character_count"`
	LastLogin      time.Time `json:"last_login"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary projects the record for cross-player listings.
func (r *PlayerRecord) Summary() PlayerSummary {
	return PlayerSummary{
		PlayerKey:      r.Key().String(),
		OwnerID:        r.OwnerID,
		Username:       r.Username,
		Points:         r.Points,
		Gems:           r.Gems,
		Experience:     r.Experience,
		Level:          r.Level,
		UpgradeCount:   len(r.Upgrades),
		CharacterCount: len(r.UnlockedCharacters),
		LastLogin:      r.LastLogin,
		Version:        r.Version,
		UpdatedAt:      r.UpdatedAt,
	}
}

// PlayerAggregates are admin dashboard totals over all mirrored players.
type PlayerAggregates struct {
	Players      int64   `json:"players"`
	TotalPoints  int64   `json:"total_points"`
	TotalGems    int64   `json:"total_gems"`
	AverageLevel float64 `json:"average_level"`
}
