// Package costmodel maps billable actions to their token cost.
//
// A Model is immutable once built. Every action type it knows has a positive
// cost, and looking up anything else fails with ErrUnknownActionType instead
// of falling through to a free action.
package costmodel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

var (
	ErrUnknownActionType = errors.New("ledger: unknown action type")
	ErrInvalidCost       = errors.New("ledger: invalid cost entry")
)

// ActionType enumerates billable feature usage.
type ActionType string

const (
	ActionChatMessage       ActionType = "chat_message"
	ActionVoiceMessage      ActionType = "voice_message"
	ActionImageGeneration   ActionType = "image_generation"
	ActionImageUpscale      ActionType = "image_upscale"
	ActionVideoGeneration   ActionType = "video_generation"
	ActionCharacterCreation ActionType = "character_creation"
)

var knownActions = []ActionType{
	ActionChatMessage,
	ActionVoiceMessage,
	ActionImageGeneration,
	ActionImageUpscale,
	ActionVideoGeneration,
	ActionCharacterCreation,
}

// IsValid reports whether t is one of the enumerated action types.
func (t ActionType) IsValid() bool {
	for _, k := range knownActions {
		if k == t {
			return true
		}
	}
	return false
}

// ParseActionType converts external input into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, s)
	}
	return t, nil
}

// Entry is one row of the cost table.
type Entry struct {
	ActionType ActionType `json:"action_type"`
	TokenCost  int64      `json:"token_cost"`
}

// Model is a validated, read-only cost table.
type Model struct {
	costs map[ActionType]int64
}

// DefaultCosts is the built-in price list.
var DefaultCosts = map[ActionType]int64{
	ActionChatMessage:       1,
	ActionVoiceMessage:      3,
	ActionImageGeneration:   10,
	ActionImageUpscale:      4,
	ActionVideoGeneration:   50,
	ActionCharacterCreation: 20,
}

// New validates costs and copies them into a Model.
func New(costs map[ActionType]int64) (*Model, error) {
	if len(costs) == 0 {
		return nil, fmt.Errorf("%w: empty cost table", ErrInvalidCost)
	}
	m := &Model{costs: make(map[ActionType]int64, len(costs))}
	for action, cost := range costs {
		if !action.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, action)
		}
		if cost <= 0 {
			return nil, fmt.Errorf("%w: %s costs %d tokens, must be positive", ErrInvalidCost, action, cost)
		}
		m.costs[action] = cost
	}
	return m, nil
}

// Default returns the built-in model.
func Default() *Model {
	m, err := New(DefaultCosts)
	if err != nil {
		panic(err)
	}
	return m
}

type fileFormat struct {
	Costs map[string]int64 `toml:"costs"`
}

// Load returns the default model with the overrides from a TOML file applied.
// An empty path yields Default(). The file looks like:
//
//	[costs]
//	chat_message = 2
//	video_generation = 80
func Load(path string) (*Model, error) {
	if path == "" {
		return Default(), nil
	}

	var f fileFormat
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost model %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unexpected key %q in %s", ErrInvalidCost, undecoded[0].String(), path)
	}

	costs := make(map[ActionType]int64, len(DefaultCosts))
	for k, v := range DefaultCosts {
		costs[k] = v
	}
	for k, v := range f.Costs {
		costs[ActionType(k)] = v
	}
	return New(costs)
}

// Cost returns the token cost of action.
func (m *Model) Cost(action ActionType) (int64, error) {
	cost, ok := m.costs[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownActionType, action)
	}
	return cost, nil
}

// Entries lists the table sorted by action type.
func (m *Model) Entries() []Entry {
	out := make([]Entry, 0, len(m.costs))
	for action, cost := range m.costs {
		out = append(out, Entry{ActionType: action, TokenCost: cost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out
}
