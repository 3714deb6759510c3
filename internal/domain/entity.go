package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// Variant is one of the five configuration entity kinds.
type Variant string

const (
	VariantUpgrades     Variant = "upgrades"
	VariantCharacters   Variant = "characters"
	VariantLevels       Variant = "levels"
	VariantTasks        Variant = "tasks"
	VariantAchievements Variant = "achievements"
)

// AllVariants lists every variant in sync order.
var AllVariants = []Variant{
	VariantUpgrades,
	VariantCharacters,
	VariantLevels,
	VariantTasks,
	VariantAchievements,
}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	for _, v := range AllVariants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVariant, s)
}

// ResetPeriod controls how often a task's progress resets.
type ResetPeriod string

const (
	ResetPeriodDaily  ResetPeriod = "daily"
	ResetPeriodWeekly ResetPeriod = "weekly"
	ResetPeriodNever  ResetPeriod = "never"
)

var entityIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ConfigEntity is a configuration record that is immutable at runtime and
// replaced wholesale on every sync.
type ConfigEntity interface {
	EntityID() string
	Kind() Variant
	Validate() error
}

func validateID(v Variant, id string) error {
	if !entityIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %s id %q must match %s", ErrInvalidEntity, v, id, entityIDPattern)
	}
	return nil
}

// Upgrade is a purchasable, levelled upgrade.
type Upgrade struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Icon           string  `json:"icon,omitempty"`
	Category       string  `json:"category,omitempty"`
	MaxLevel       int     `json:"max_level"`
	BaseCost       int64   `json:"base_cost"`
	CostMultiplier float64 `json:"cost_multiplier"`
	BaseValue      float64 `json:"base_value"`
	ValueIncrement float64 `json:"value_increment"`
	SortOrder      int     `json:"sort_order,omitempty"`
}

func (u *Upgrade) EntityID() string { return u.ID }
func (u *Upgrade) Kind() Variant    { return VariantUpgrades }

func (u *Upgrade) Validate() error {
	if err := validateID(VariantUpgrades, u.ID); err != nil {
		return err
	}
	if u.Name == "" {
		return fmt.Errorf("%w: upgrade %q has no name", ErrInvalidEntity, u.ID)
	}
	if u.MaxLevel < 1 {
		return fmt.Errorf("%w: upgrade %q max_level must be at least 1", ErrInvalidEntity, u.ID)
	}
	if u.BaseCost < 0 || u.CostMultiplier < 1 {
		return fmt.Errorf("%w: upgrade %q needs base_cost >= 0 and cost_multiplier >= 1", ErrInvalidEntity, u.ID)
	}
	return nil
}

// CostAt returns the price of buying the given level (level 1 is the first purchase).
func (u *Upgrade) CostAt(level int) int64 {
	if level <= 1 {
		return u.BaseCost
	}
	return int64(math.Round(float64(u.BaseCost) * math.Pow(u.CostMultiplier, float64(level-1))))
}

// ValueAt returns the upgrade's effect at the given level.
func (u *Upgrade) ValueAt(level int) float64 {
	if level <= 0 {
		return 0
	}
	return u.BaseValue + u.ValueIncrement*float64(level-1)
}

// Character is an unlockable character.
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	UnlockLevel int    `json:"unlock_level"`
	Rarity      string `json:"rarity,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

func (c *Character) EntityID() string { return c.ID }
func (c *Character) Kind() Variant    { return VariantCharacters }

func (c *Character) Validate() error {
	if err := validateID(VariantCharacters, c.ID); err != nil {
		return err
	}
	if c.Name == "" {
		return fmt.Errorf("%w: character %q has no name", ErrInvalidEntity, c.ID)
	}
	if c.UnlockLevel < 0 {
		return fmt.Errorf("%w: character %q unlock_level must not be negative", ErrInvalidEntity, c.ID)
	}
	return nil
}

// Level describes the experience threshold of one player level.
type Level struct {
	ID                 string   `json:"id"`
	Level              int      `json:"level"`
	ExperienceRequired int64    `json:"experience_required"`
	UnlocksUpgrades    []string `json:"unlocks_upgrades,omitempty"`
	UnlocksCharacters  []string `json:"unlocks_characters,omitempty"`
}

func (l *Level) EntityID() string { return l.ID }
func (l *Level) Kind() Variant    { return VariantLevels }

func (l *Level) Validate() error {
	if err := validateID(VariantLevels, l.ID); err != nil {
		return err
	}
	if l.Level < 1 || l.ExperienceRequired < 0 {
		return fmt.Errorf("%w: level %q needs level >= 1 and experience_required >= 0", ErrInvalidEntity, l.ID)
	}
	return nil
}

// Task is a repeatable objective.
type Task struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	RequirementType string      `json:"requirement_type"`
	Target          int64       `json:"target"`
	RewardType      string      `json:"reward_type"`
	RewardAmount    int64       `json:"reward_amount"`
	ResetPeriod     ResetPeriod `json:"reset_period"`
}

func (t *Task) EntityID() string { return t.ID }
func (t *Task) Kind() Variant    { return VariantTasks }

func (t *Task) Validate() error {
	if err := validateID(VariantTasks, t.ID); err != nil {
		return err
	}
	if t.Name == "" || t.RequirementType == "" {
		return fmt.Errorf("%w: task %q needs name and requirement_type", ErrInvalidEntity, t.ID)
	}
	if t.Target <= 0 || t.RewardAmount < 0 {
		return fmt.Errorf("%w: task %q needs target > 0 and reward_amount >= 0", ErrInvalidEntity, t.ID)
	}
	switch t.ResetPeriod {
	case ResetPeriodDaily, ResetPeriodWeekly, ResetPeriodNever:
	case "":
		t.ResetPeriod = ResetPeriodNever
	default:
		return fmt.Errorf("%w: task %q has unknown reset_period %q", ErrInvalidEntity, t.ID, t.ResetPeriod)
	}
	return nil
}

// Achievement is a one-time objective.
type Achievement struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	RequirementType string `json:"requirement_type"`
	Target          int64  `json:"target"`
	RewardType      string `json:"reward_type"`
	RewardAmount    int64  `json:"reward_amount"`
	Hidden          bool   `json:"hidden,omitempty"`
}

func (a *Achievement) EntityID() string { return a.ID }
func (a *Achievement) Kind() Variant    { return VariantAchievements }

func (a *Achievement) Validate() error {
	if err := validateID(VariantAchievements, a.ID); err != nil {
		return err
	}
	if a.Name == "" || a.RequirementType == "" {
		return fmt.Errorf("%w: achievement %q needs name and requirement_type", ErrInvalidEntity, a.ID)
	}
	if a.Target <= 0 || a.RewardAmount < 0 {
		return fmt.Errorf("%w: achievement %q needs target > 0 and reward_amount >= 0", ErrInvalidEntity, a.ID)
	}
	return nil
}

// NewEntity returns an empty entity of the given variant, ready to decode into.
func NewEntity(v Variant) (ConfigEntity, error) {
	switch v {
	case VariantUpgrades:
		return &Upgrade{}, nil
	case VariantCharacters:
		return &Character{}, nil
	case VariantLevels:
		return &Level{}, nil
	case VariantTasks:
		return &Task{}, nil
	case VariantAchievements:
		return &Achievement{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidVariant, v)
}

// DecodeEntity parses and validates one entity file.
func DecodeEntity(v Variant, data []byte) (ConfigEntity, error) {
	entity, err := NewEntity(v)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, fmt.Errorf("%w: decoding %s entity: %v", ErrInvalidEntity, v, err)
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	return entity, nil
}
