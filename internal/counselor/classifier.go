package counselor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/profile"
)

// ClassifierWindow is the number of recent utterances the classifier sees.
const ClassifierWindow = 10

// Classifier maps recent dialogue to one of the profile's states.
type Classifier struct {
	llm     genai.ClientInterface
	profile *profile.Profile
	labels  genai.LabelSet
}

// NewClassifier creates a Classifier for p.
func NewClassifier(llm genai.ClientInterface, p *profile.Profile) *Classifier {
	return &Classifier{llm: llm, profile: p, labels: p.StateLabels()}
}

type stateReply struct {
	State     string `json:"state" validate:"required"`
	Reasoning string `json:"reasoning"`
}

// Infer returns the state for the last ClassifierWindow utterances of conversation.
// Unparseable or unknown labels resolve to the profile's default state.
func (c *Classifier) Infer(ctx context.Context, conversation []string) (string, error) {
	prompt, err := render(stateTmpl, map[string]any{
		"Role":    c.profile.Role,
		"Context": tail(conversation, ClassifierWindow),
		"States":  c.profile.States,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render state prompt: %w", err)
	}
	reply, err := genai.CompleteStructured[stateReply](ctx, c.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("state_inference"))
	if err != nil {
		if !errors.Is(err, genai.ErrSchema) {
			return "", fmt.Errorf("state inference failed: %w", err)
		}
		slog.Warn("Classifier.Infer: unparseable state, using default", "default", c.profile.DefaultState(), "error", err)
		return c.profile.DefaultState(), nil
	}
	state := c.labels.Match(reply.State, c.profile.DefaultState())
	if state != reply.State {
		slog.Warn("Classifier.Infer: unknown state label, using default", "label", reply.State, "default", state)
	}
	return state, nil
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
