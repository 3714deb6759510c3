package domain

import (
	"fmt"
	"time"
)

// PlayerPatch is a partial update of a PlayerRecord. Only non-nil fields are
// applied; Upgrades are merged per id and UnlockCharacters are added to the set.
type PlayerPatch struct {
	Points          *int64   `json:"points,omitempty"`
	Gems            *int64   `json:"gems,omitempty"`
	Experience      *int64   `json:"experience,omitempty"`
	Level           *int     `json:"level,omitempty"`
	Energy          *int64   `json:"energy,omitempty"`
	MaxEnergy       *int64   `json:"max_energy,omitempty"`
	EnergyRegenRate *float64 `json:"energy_regen_rate,omitempty"`

	Upgrades            map[string]int `json:"upgrades,omitempty"`
	UnlockCharacters    []string       `json:"unlock_characters,omitempty"`
	SelectedCharacterID *string        `json:"selected_character_id,omitempty"`

	LastLogin       *time.Time `json:"last_login,omitempty"`
	LastEnergyTick  *time.Time `json:"last_energy_tick,omitempty"`
	LastDailyReset  *time.Time `json:"last_daily_reset,omitempty"`
	LastWeeklyReset *time.Time `json:"last_weekly_reset,omitempty"`

	Boost *BoostState `json:"boost,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p PlayerPatch) IsEmpty() bool {
	return p.Points == nil && p.Gems == nil && p.Experience == nil && p.Level == nil &&
		p.Energy == nil && p.MaxEnergy == nil && p.EnergyRegenRate == nil &&
		len(p.Upgrades) == 0 && len(p.UnlockCharacters) == 0 && p.SelectedCharacterID == nil &&
		p.LastLogin == nil && p.LastEnergyTick == nil && p.LastDailyReset == nil &&
		p.LastWeeklyReset == nil && p.Boost == nil
}

// Apply merges the patch onto r. r is left unchanged when the merged result
// would violate a record invariant.
func (p PlayerPatch) Apply(r *PlayerRecord) error {
	next := r.Clone()

	if p.Points != nil {
		next.Points = *p.Points
	}
	if p.Gems != nil {
		next.Gems = *p.Gems
	}
	if p.Experience != nil {
		next.Experience = *p.Experience
	}
	if p.Level != nil {
		next.Level = *p.Level
	}
	if p.MaxEnergy != nil {
		next.MaxEnergy = *p.MaxEnergy
	}
	if p.Energy != nil {
		next.Energy = *p.Energy
	}
	if p.EnergyRegenRate != nil {
		next.EnergyRegenRate = *p.EnergyRegenRate
	}
	for id, lvl := range p.Upgrades {
		next.Upgrades[id] = lvl
	}
	for _, id := range p.UnlockCharacters {
		if id == "" {
			return fmt.Errorf("%w: empty character id", ErrInvalidPatch)
		}
		next.UnlockCharacter(id)
	}
	if p.SelectedCharacterID != nil {
		id := *p.SelectedCharacterID
		if id != "" && !next.HasCharacter(id) {
			return fmt.Errorf("%w: character %q is not unlocked", ErrInvalidPatch, id)
		}
		next.SelectedCharacterID = id
	}
	if p.LastLogin != nil {
		next.LastLogin = p.LastLogin.UTC()
	}
	if p.LastEnergyTick != nil {
		next.LastEnergyTick = p.LastEnergyTick.UTC()
	}
	if p.LastDailyReset != nil {
		next.LastDailyReset = p.LastDailyReset.UTC()
	}
	if p.LastWeeklyReset != nil {
		next.LastWeeklyReset = p.LastWeeklyReset.UTC()
	}
	if p.Boost != nil {
		next.Boost = BoostState{Multiplier: p.Boost.Multiplier, ExpiresAt: p.Boost.ExpiresAt.UTC()}
	}

	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	*r = *next
	return nil
}
