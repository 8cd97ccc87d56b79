package counselor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/profile"
)

// CombinedStrategy labels the candidate that follows every selected strategy at once.
const CombinedStrategy = "Combined Strategies"

// generateAttempts bounds regeneration of a candidate that normalizes to no text.
const generateAttempts = 3

// Candidate is one generated utterance. ID is its 1-based position in the
// list presented to the judge.
type Candidate struct {
	ID       int
	Text     string
	Strategy string
}

// GenerateRequest carries the turn inputs shared by every candidate.
type GenerateRequest struct {
	// History is the counselor's message history; its last entry is the client's latest message.
	History          []genai.Message
	State            string
	Topic            string
	TopicDescription string
	Strategies       []string
}

// Generator produces and judges candidate responses.
type Generator struct {
	llm      genai.ClientInterface
	profile  *profile.Profile
	parallel bool
	goal     string
	behavior string
}

// NewGenerator creates a Generator. With parallel set, candidates are generated
// concurrently; their order is unaffected.
func NewGenerator(llm genai.ClientInterface, p *profile.Profile, goal, behavior string, parallel bool) *Generator {
	return &Generator{llm: llm, profile: p, parallel: parallel, goal: goal, behavior: behavior}
}

// Generate returns one candidate per strategy followed by the combined candidate.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) ([]Candidate, error) {
	if len(req.History) == 0 {
		return nil, fmt.Errorf("cannot generate without a conversation")
	}
	type job struct {
		strategy string
		labels   []string
		combined bool
	}
	jobs := make([]job, 0, len(req.Strategies)+1)
	for _, s := range req.Strategies {
		jobs = append(jobs, job{strategy: s, labels: []string{s}})
	}
	jobs = append(jobs, job{strategy: CombinedStrategy, labels: req.Strategies, combined: true})

	out := make([]Candidate, len(jobs))
	run := func(ctx context.Context, i int) error {
		text, err := g.generateOne(ctx, req, jobs[i].labels, jobs[i].combined)
		if err != nil {
			return fmt.Errorf("candidate %q: %w", jobs[i].strategy, err)
		}
		out[i] = Candidate{ID: i + 1, Text: text, Strategy: jobs[i].strategy}
		return nil
	}

	if !g.parallel {
		for i := range jobs {
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
		return compact(out)
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(len(jobs))
	for i := range jobs {
		eg.Go(func() error { return run(egctx, i) })
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return compact(out)
}

// compact drops candidates without text and renumbers the rest.
func compact(cands []Candidate) ([]Candidate, error) {
	out := cands[:0]
	for _, c := range cands {
		if IsEmptyResponse(c.Text) {
			slog.Warn("Generator.Generate: dropping empty candidate", "strategy", c.Strategy)
			continue
		}
		c.ID = len(out) + 1
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrEmptyResponse
	}
	return out, nil
}

func (g *Generator) generateOne(ctx context.Context, req GenerateRequest, strategies []string, combined bool) (string, error) {
	last := req.History[len(req.History)-1]
	prompt, err := render(generateTmpl, map[string]any{
		"Last":             last.Content,
		"State":            req.State,
		"Instruction":      g.profile.Instruction(req.State),
		"Topic":            req.Topic,
		"TopicDescription": req.TopicDescription,
		"Strategies":       labelsFor(g.profile, strategies),
		"Combined":         combined,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render generation prompt: %w", err)
	}
	messages := make([]genai.Message, len(req.History))
	copy(messages, req.History)
	messages[len(messages)-1] = genai.Message{Role: last.Role, Content: prompt}

	purpose := "candidate"
	if combined {
		purpose = "candidate_combined"
	}
	var text string
	for attempt := 0; attempt < generateAttempts; attempt++ {
		raw, err := g.llm.Complete(ctx, messages, genai.Chatbot.WithPurpose(purpose))
		if err != nil {
			return "", err
		}
		if text = NormalizeResponse(raw); !IsEmptyResponse(text) {
			return text, nil
		}
		slog.Warn("Generator.generateOne: empty generation, retrying", "purpose", purpose, "attempt", attempt+1)
	}
	return text, nil
}

var candidateNumber = regexp.MustCompile(`\d+`)

// Select asks the judge for the best candidate. The first number in the reply
// that names a candidate wins; otherwise the last candidate is returned.
func (g *Generator) Select(ctx context.Context, conversation []string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("no candidates to select from")
	}
	fallback := candidates[len(candidates)-1]
	if len(candidates) == 1 {
		return fallback, nil
	}
	prompt, err := render(selectTmpl, map[string]any{
		"Role":       g.profile.Role,
		"Goal":       g.goal,
		"Behavior":   g.behavior,
		"Context":    conversation,
		"Candidates": candidates,
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("failed to render selection prompt: %w", err)
	}
	reply, err := g.llm.Complete(ctx, []genai.Message{genai.User(prompt)}, genai.Precise.WithPurpose("candidate_selection"))
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate selection failed: %w", err)
	}
	if c, ok := pickCandidate(reply, candidates); ok {
		return c, nil
	}
	slog.Warn("Generator.Select: no candidate number in judge reply, using last", "reply", strings.TrimSpace(reply))
	return fallback, nil
}

func pickCandidate(reply string, candidates []Candidate) (Candidate, bool) {
	for _, m := range candidateNumber.FindAllString(reply, -1) {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n > len(candidates) {
			continue
		}
		return candidates[n-1], true
	}
	return Candidate{}, false
}

// ExposedStrategy returns the label reported for a chosen candidate: the
// combined candidate reports the joined selection, or NoStrategy when empty.
func ExposedStrategy(c Candidate, selected []string) string {
	if c.Strategy != CombinedStrategy {
		return c.Strategy
	}
	if len(selected) == 0 {
		return profile.NoStrategy
	}
	return strings.Join(selected, " + ")
}
