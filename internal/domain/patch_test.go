package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newRecord() *PlayerRecord {
	return NewPlayerRecord(PlayerKey{OwnerID: "u1", Username: "Ada"}, DefaultPlayerDefaults(), time.Unix(1700000000, 0))
}

func TestPlayerPatch_IsEmpty(t *testing.T) {
	assert.True(t, PlayerPatch{}.IsEmpty())
	assert.True(t, PlayerPatch{Upgrades: map[string]int{}}.IsEmpty())
	assert.False(t, PlayerPatch{Points: ptr(int64(0))}.IsEmpty())
	assert.False(t, PlayerPatch{UnlockCharacters: []string{"cat"}}.IsEmpty())
	assert.False(t, PlayerPatch{Boost: &BoostState{}}.IsEmpty())
}

func TestPlayerPatch_ApplySetsAbsoluteValues(t *testing.T) {
	rec := newRecord()
	rec.Points = 100
	rec.Upgrades["tap-power"] = 1
	rec.Upgrades["energy-cap"] = 2

	login := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 7200))
	patch := PlayerPatch{
		Points:           ptr(int64(40)),
		Gems:             ptr(int64(3)),
		Level:            ptr(4),
		Upgrades:         map[string]int{"tap-power": 3},
		UnlockCharacters: []string{"owl", "cat"},
		LastLogin:        &login,
	}
	require.NoError(t, patch.Apply(rec))

	assert.Equal(t, int64(40), rec.Points)
	assert.Equal(t, int64(3), rec.Gems)
	assert.Equal(t, 4, rec.Level)
	assert.Equal(t, map[string]int{"tap-power": 3, "energy-cap": 2}, rec.Upgrades)
	assert.Equal(t, []string{"cat", "owl"}, rec.UnlockedCharacters)
	assert.Equal(t, time.UTC, rec.LastLogin.Location())
	assert.True(t, rec.LastLogin.Equal(login))
}

func TestPlayerPatch_ApplyRaisesMaxEnergyBeforeEnergy(t *testing.T) {
	rec := newRecord()
	patch := PlayerPatch{Energy: ptr(int64(1500)), MaxEnergy: ptr(int64(2000))}
	require.NoError(t, patch.Apply(rec))
	assert.Equal(t, int64(1500), rec.Energy)
	assert.Equal(t, int64(2000), rec.MaxEnergy)
}

func TestPlayerPatch_InvalidLeavesRecordUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		patch PlayerPatch
	}{
		{"negative points", PlayerPatch{Points: ptr(int64(-5)), Gems: ptr(int64(9))}},
		{"energy above max", PlayerPatch{Energy: ptr(int64(5000))}},
		{"negative upgrade level", PlayerPatch{Upgrades: map[string]int{"tap-power": -1}}},
		{"empty character id", PlayerPatch{UnlockCharacters: []string{""}}},
		{"select locked character", PlayerPatch{SelectedCharacterID: ptr("dragon")}},
		{"negative boost", PlayerPatch{Boost: &BoostState{Multiplier: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecord()
			before := rec.Clone()

			err := tt.patch.Apply(rec)
			require.ErrorIs(t, err, ErrInvalidPatch)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, before, rec)
		})
	}
}

func TestPlayerPatch_SelectCharacterUnlockedInSamePatch(t *testing.T) {
	rec := newRecord()
	patch := PlayerPatch{UnlockCharacters: []string{"cat"}, SelectedCharacterID: ptr("cat")}
	require.NoError(t, patch.Apply(rec))
	assert.Equal(t, "cat", rec.SelectedCharacterID)

	require.NoError(t, PlayerPatch{SelectedCharacterID: ptr("")}.Apply(rec))
	assert.Empty(t, rec.SelectedCharacterID)
}
