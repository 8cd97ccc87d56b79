package counselor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CounselSim/internal/genai"
)

// Refinement constants
const (
	// MaxRefineIterations bounds the score-and-rewrite loop.
	MaxRefineIterations = 3
	// PassThreshold is the total score a response must exceed to stop refining.
	PassThreshold = 7
	// RefineWindow is the number of recent utterances shown to the scorer.
	RefineWindow = 5
	// schemaAttempts bounds retries of a malformed structured reply within one iteration.
	schemaAttempts = 3
)

// Score is one evaluation of a response on the 0-10 scale.
type Score struct {
	Topic       int
	Strategy    int
	Feedback    string
	Suggestions string
}

// Total is the sum of the sub-scores.
func (s Score) Total() int { return s.Topic + s.Strategy }

// RefineResult reports what the loop did.
type RefineResult struct {
	Response   string
	Iterations int
	Scores     []int
	Passed     bool
}

// Refiner scores a response and rewrites it until it passes or the budget runs out.
type Refiner struct {
	llm genai.ClientInterface
}

// NewRefiner creates a Refiner.
func NewRefiner(llm genai.ClientInterface) *Refiner {
	return &Refiner{llm: llm}
}

type scoreReply struct {
	TopicAlignment    *int   `json:"topic_alignment_score" validate:"omitempty,min=0,max=5"`
	StrategyAdherence *int   `json:"strategy_adherence_score" validate:"required,min=0,max=5"`
	Feedback          string `json:"feedback"`
	Suggestions       string `json:"suggestions"`
}

type rewriteReply struct {
	Response string `json:"response" validate:"required"`
}

// Refine runs at most MaxRefineIterations rounds. Each round scores the current
// response and stops if the total exceeds PassThreshold; otherwise the response
// is rewritten. An empty topicDescription scores strategy adherence alone,
// doubled onto the same scale. A round whose structured reply stays malformed
// is spent without a rewrite.
func (r *Refiner) Refine(ctx context.Context, window []string, response, strategyDescription, topicDescription string) (RefineResult, error) {
	res := RefineResult{Response: response}
	data := map[string]any{
		"Context":  tail(window, RefineWindow),
		"Strategy": strategyDescription,
		"Topic":    topicDescription,
	}

	for res.Iterations < MaxRefineIterations {
		res.Iterations++
		data["Response"] = res.Response

		score, err := r.score(ctx, data, topicDescription != "")
		if err != nil {
			if errors.Is(err, genai.ErrSchema) {
				slog.Warn("Refiner.Refine: malformed score, skipping iteration", "iteration", res.Iterations, "error", err)
				continue
			}
			return res, err
		}
		res.Scores = append(res.Scores, score.Total())
		if score.Total() > PassThreshold {
			res.Passed = true
			break
		}

		data["Feedback"] = score.Feedback
		data["Suggestions"] = score.Suggestions
		rewritten, err := r.rewrite(ctx, data)
		if err != nil {
			if errors.Is(err, genai.ErrSchema) {
				slog.Warn("Refiner.Refine: malformed rewrite, keeping response", "iteration", res.Iterations, "error", err)
				continue
			}
			return res, err
		}
		res.Response = rewritten
	}
	slog.Debug("Refiner.Refine: done", "iterations", res.Iterations, "scores", res.Scores, "passed", res.Passed)
	return res, nil
}

func (r *Refiner) score(ctx context.Context, data map[string]any, withTopic bool) (Score, error) {
	prompt, err := render(scoreTmpl, data)
	if err != nil {
		return Score{}, fmt.Errorf("failed to render score prompt: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < schemaAttempts; attempt++ {
		reply, err := genai.CompleteStructured[scoreReply](ctx, r.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("refine_score"))
		if err != nil {
			if !errors.Is(err, genai.ErrSchema) {
				return Score{}, fmt.Errorf("refinement scoring failed: %w", err)
			}
			lastErr = err
			continue
		}
		if !withTopic {
			return Score{Strategy: 2 * *reply.StrategyAdherence, Feedback: reply.Feedback, Suggestions: reply.Suggestions}, nil
		}
		if reply.TopicAlignment == nil {
			lastErr = fmt.Errorf("%w: topic_alignment_score missing", genai.ErrSchema)
			continue
		}
		return Score{
			Topic:       *reply.TopicAlignment,
			Strategy:    *reply.StrategyAdherence,
			Feedback:    reply.Feedback,
			Suggestions: reply.Suggestions,
		}, nil
	}
	return Score{}, lastErr
}

func (r *Refiner) rewrite(ctx context.Context, data map[string]any) (string, error) {
	prompt, err := render(rewriteTmpl, data)
	if err != nil {
		return "", fmt.Errorf("failed to render rewrite prompt: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < schemaAttempts; attempt++ {
		reply, err := genai.CompleteStructured[rewriteReply](ctx, r.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("refine_rewrite"))
		if err != nil {
			if !errors.Is(err, genai.ErrSchema) {
				return "", fmt.Errorf("refinement rewrite failed: %w", err)
			}
			lastErr = err
			continue
		}
		text := NormalizeResponse(reply.Response)
		if IsEmptyResponse(text) {
			lastErr = fmt.Errorf("%w: empty response", genai.ErrSchema)
			continue
		}
		return text, nil
	}
	return "", lastErr
}
