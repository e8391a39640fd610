package costmodel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_AllActionsPriced(t *testing.T) {
	m := Default()
	for _, action := range knownActions {
		cost, err := m.Cost(action)
		if err != nil {
			t.Fatalf("Cost(%s) failed: %v", action, err)
		}
		if cost <= 0 {
			t.Errorf("Cost(%s) = %d, want positive", action, cost)
		}
	}
	if len(m.Entries()) != len(knownActions) {
		t.Errorf("Expected %d entries, got %d", len(knownActions), len(m.Entries()))
	}
}

func TestCost_UnknownAction(t *testing.T) {
	m := Default()
	cost, err := m.Cost(ActionType("free_lunch"))
	if !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("Expected ErrUnknownActionType, got %v", err)
	}
	if cost != 0 {
		t.Errorf("Expected zero cost alongside error, got %d", cost)
	}
}

func TestNew_RejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name  string
		costs map[ActionType]int64
		want  error
	}{
		{"empty", map[ActionType]int64{}, ErrInvalidCost},
		{"zero cost", map[ActionType]int64{ActionChatMessage: 0}, ErrInvalidCost},
		{"negative cost", map[ActionType]int64{ActionChatMessage: -5}, ErrInvalidCost},
		{"unknown key", map[ActionType]int64{"teleport": 3}, ErrUnknownActionType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.costs)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	in := map[ActionType]int64{ActionChatMessage: 2}
	m, err := New(in)
	if err != nil {
		t.Fatal(err)
	}
	in[ActionChatMessage] = 99

	cost, _ := m.Cost(ActionChatMessage)
	if cost != 2 {
		t.Errorf("Model must not alias its input, got cost %d", cost)
	}
}

func TestParseActionType(t *testing.T) {
	if got, err := ParseActionType("image_generation"); err != nil || got != ActionImageGeneration {
		t.Errorf("ParseActionType(image_generation) = %v, %v", got, err)
	}
	if _, err := ParseActionType("IMAGE_GENERATION"); !errors.Is(err, ErrUnknownActionType) {
		t.Errorf("Expected case-sensitive rejection, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("empty path", func(t *testing.T) {
		m, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		cost, _ := m.Cost(ActionChatMessage)
		if cost != DefaultCosts[ActionChatMessage] {
			t.Errorf("Expected default cost, got %d", cost)
		}
	})

	t.Run("override", func(t *testing.T) {
		m, err := Load(write("ok.toml", "[costs]\nchat_message = 2\nvideo_generation = 80\n"))
		if err != nil {
			t.Fatal(err)
		}
		if c, _ := m.Cost(ActionChatMessage); c != 2 {
			t.Errorf("chat_message = %d, want 2", c)
		}
		if c, _ := m.Cost(ActionVideoGeneration); c != 80 {
			t.Errorf("video_generation = %d, want 80", c)
		}
		if c, _ := m.Cost(ActionImageGeneration); c != DefaultCosts[ActionImageGeneration] {
			t.Errorf("image_generation should keep its default, got %d", c)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Load(write("bad.toml", "[costs]\nteleport = 5\n"))
		if !errors.Is(err, ErrUnknownActionType) {
			t.Errorf("Expected ErrUnknownActionType, got %v", err)
		}
	})

	t.Run("zero cost", func(t *testing.T) {
		_, err := Load(write("zero.toml", "[costs]\nchat_message = 0\n"))
		if !errors.Is(err, ErrInvalidCost) {
			t.Errorf("Expected ErrInvalidCost, got %v", err)
		}
	})

	t.Run("stray section", func(t *testing.T) {
		_, err := Load(write("stray.toml", "[prices]\nchat_message = 1\n"))
		if !errors.Is(err, ErrInvalidCost) {
			t.Errorf("Expected ErrInvalidCost, got %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}
