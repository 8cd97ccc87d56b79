package profile

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistry(t *testing.T) {
	keys := Keys()
	if strings.Join(keys, ",") != "cami,crisis,journal,narrative" {
		t.Fatalf("unexpected profile keys: %v", keys)
	}
	for _, k := range keys {
		p, err := Get(k)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
		if !p.StrategyLabels().Contains(NoStrategy) {
			t.Errorf("%s: missing %q", k, NoStrategy)
		}
		if !strings.HasPrefix(p.Greeting.Counselor, "Counselor: ") || !strings.HasPrefix(p.Greeting.Client, "Client: ") {
			t.Errorf("%s: greeting lines must carry speaker prefixes: %+v", k, p.Greeting)
		}
		for _, s := range p.States {
			if s.Text == "" {
				t.Errorf("%s: state %s has no instruction", k, s.Name)
			}
		}
	}
}

func TestDefaults(t *testing.T) {
	tests := []struct {
		key          string
		defaultState string
		strategies   int
		topics       bool
	}{
		{"cami", "Precontemplation", 17, true},
		{"crisis", "not_very_upset_no_crisis", 17, false},
		{"narrative", "dominated_by_problem", 17, false},
		{"journal", "sorting_through_feelings", 17, false},
	}
	for _, tt := range tests {
		p, err := Get(tt.key)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", tt.key, err)
		}
		if p.DefaultState() != tt.defaultState {
			t.Errorf("%s: default state %q, want %q", tt.key, p.DefaultState(), tt.defaultState)
		}
		if p.StrategyLabels().Len() != tt.strategies {
			t.Errorf("%s: %d strategies, want %d", tt.key, p.StrategyLabels().Len(), tt.strategies)
		}
		if p.UsesTopics != tt.topics {
			t.Errorf("%s: UsesTopics = %v", tt.key, p.UsesTopics)
		}
	}
}

func TestGet_Unknown(t *testing.T) {
	if _, err := Get("nope"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestLookupsFallBack(t *testing.T) {
	p, _ := Get("cami")
	if p.Instruction("Bogus") != p.Instruction("Precontemplation") {
		t.Error("unknown state should use the default state's instruction")
	}
	if p.StrategyDescription("Bogus") != p.StrategyDescription(NoStrategy) {
		t.Error("unknown strategy should use the No Strategy description")
	}
	if p.StrategyDescription("Affirm") == p.StrategyDescription(NoStrategy) {
		t.Error("known strategies have their own description")
	}
}

func TestRendering(t *testing.T) {
	p, _ := Get("cami")
	sys, err := p.SystemPrompt("reducing alcohol consumption", "drinking heavily")
	if err != nil {
		t.Fatalf("SystemPrompt failed: %v", err)
	}
	if !strings.Contains(sys, "reducing alcohol consumption") || !strings.Contains(sys, "drinking heavily") {
		t.Errorf("system prompt missing persona: %q", sys)
	}
	desc := p.DescribeTopic("blood sugar control", "quitting sugar", "eating sweets")
	if !strings.Contains(desc, "blood sugar control") || !strings.Contains(desc, "quitting sugar") {
		t.Errorf("unexpected topic description: %q", desc)
	}

	c, _ := Get("crisis")
	if d := c.DescribeTopic("sleep", "g", "b"); !strings.Contains(d, "sleep") {
		t.Errorf("default topic description should mention the subject: %q", d)
	}
}
