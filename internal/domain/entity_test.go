package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	for _, v := range AllVariants {
		got, err := ParseVariant(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := ParseVariant("skins")
	require.ErrorIs(t, err, ErrInvalidVariant)
	_, err = NewEntity("skins")
	require.ErrorIs(t, err, ErrInvalidVariant)
}

func TestUpgrade_CostAndValue(t *testing.T) {
	u := &Upgrade{ID: "tap-power", Name: "Tap Power", MaxLevel: 10, BaseCost: 10, CostMultiplier: 1.5, BaseValue: 1, ValueIncrement: 0.5}
	require.NoError(t, u.Validate())

	assert.Equal(t, int64(10), u.CostAt(0))
	assert.Equal(t, int64(10), u.CostAt(1))
	assert.Equal(t, int64(15), u.CostAt(2))
	assert.Equal(t, int64(23), u.CostAt(3))

	assert.Zero(t, u.ValueAt(0))
	assert.Equal(t, 1.0, u.ValueAt(1))
	assert.Equal(t, 2.0, u.ValueAt(3))
}

func TestDecodeEntity(t *testing.T) {
	tests := []struct {
		name    string
		variant Variant
		data    string
		wantErr error
	}{
		{"upgrade", VariantUpgrades, `{"id":"tap-power","name":"Tap Power","max_level":5,"base_cost":10,"cost_multiplier":1.2}`, nil},
		{"character", VariantCharacters, `{"id":"cat","name":"Cat","unlock_level":2}`, nil},
		{"level", VariantLevels, `{"id":"level-2","level":2,"experience_required":100}`, nil},
		{"task", VariantTasks, `{"id":"tap-100","name":"Tap","requirement_type":"taps","target":100,"reward_type":"gems","reward_amount":1,"reset_period":"daily"}`, nil},
		{"achievement", VariantAchievements, `{"id":"first-tap","name":"First","requirement_type":"taps","target":1,"reward_type":"points","reward_amount":5}`, nil},
		{"malformed json", VariantUpgrades, `{"id":`, ErrInvalidEntity},
		{"bad id", VariantCharacters, `{"id":"Cat Face","name":"Cat"}`, ErrInvalidEntity},
		{"upgrade cost multiplier below one", VariantUpgrades, `{"id":"x","name":"X","max_level":1,"cost_multiplier":0.5}`, ErrInvalidEntity},
		{"level zero", VariantLevels, `{"id":"level-0","level":0}`, ErrInvalidEntity},
		{"unknown reset period", VariantTasks, `{"id":"t","name":"T","requirement_type":"taps","target":1,"reset_period":"hourly"}`, ErrInvalidEntity},
		{"achievement without target", VariantAchievements, `{"id":"a","name":"A","requirement_type":"taps"}`, ErrInvalidEntity},
		{"unknown variant", Variant("skins"), `{}`, ErrInvalidVariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := DecodeEntity(tt.variant, []byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.variant, entity.Kind())
			assert.NotEmpty(t, entity.EntityID())
		})
	}
}

func TestTask_DefaultsResetPeriod(t *testing.T) {
	entity, err := DecodeEntity(VariantTasks, []byte(`{"id":"t","name":"T","requirement_type":"taps","target":1}`))
	require.NoError(t, err)
	assert.Equal(t, ResetPeriodNever, entity.(*Task).ResetPeriod)
}
