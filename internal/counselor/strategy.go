package counselor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/profile"
)

// MaxStrategies bounds how many strategies one turn may combine.
const MaxStrategies = 2

// Selection is the outcome of strategy selection.
type Selection struct {
	Analysis   string
	Strategies []string
}

// StrategySelector picks up to MaxStrategies strategies for the current state.
type StrategySelector struct {
	llm     genai.ClientInterface
	profile *profile.Profile
	labels  genai.LabelSet
}

// NewStrategySelector creates a StrategySelector for p.
func NewStrategySelector(llm genai.ClientInterface, p *profile.Profile) *StrategySelector {
	return &StrategySelector{llm: llm, profile: p, labels: p.StrategyLabels()}
}

type strategyReply struct {
	Analysis   string   `json:"analysis"`
	Strategies []string `json:"strategies"`
}

// Select chooses strategies given the full conversation and the inferred state.
// The result is never empty: without a valid label it is [NoStrategy].
func (s *StrategySelector) Select(ctx context.Context, conversation []string, state string) (Selection, error) {
	prompt, err := render(strategyTmpl, map[string]any{
		"Role":        s.profile.Role,
		"Transcript":  strings.Join(conversation, "\n"),
		"State":       state,
		"Instruction": s.profile.Instruction(state),
		"Strategies":  s.profile.Strategies,
	})
	if err != nil {
		return Selection{}, fmt.Errorf("failed to render strategy prompt: %w", err)
	}
	reply, err := genai.CompleteStructured[strategyReply](ctx, s.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("strategy_selection"))
	if err != nil {
		if !errors.Is(err, genai.ErrSchema) {
			return Selection{}, fmt.Errorf("strategy selection failed: %w", err)
		}
		slog.Warn("StrategySelector.Select: unparseable selection", "error", err)
	}
	return Selection{Analysis: reply.Analysis, Strategies: s.Validate(reply.Strategies)}, nil
}

// Validate keeps known labels in order, caps them at MaxStrategies and
// substitutes [NoStrategy] for an empty result.
func (s *StrategySelector) Validate(labels []string) []string {
	valid := s.labels.Filter(labels)
	if len(valid) > MaxStrategies {
		valid = valid[:MaxStrategies]
	}
	if len(valid) == 0 {
		return []string{profile.NoStrategy}
	}
	return valid
}
