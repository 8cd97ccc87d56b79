package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/genai"
)

// Action is a topic navigation move.
type Action string

const (
	ActionStepInto Action = "Step Into"
	ActionSwitch   Action = "Switch"
	ActionStepOut  Action = "Step Out"
	ActionStay     Action = "Stay"
)

// Navigation constants
const (
	// CommitThreshold is the root probability above which the first topic is pinned.
	CommitThreshold = 0.5
	// ForceCommitAfter pins the first topic regardless of confidence once the
	// conversation is longer than this many utterances.
	ForceCommitAfter = 10
	// MaxDepth bounds the topic stack.
	MaxDepth = 3
)

// Candidates lists the topics allowed for each action at the current depth.
// An empty list means the action is not offered.
type Candidates struct {
	StepInto []string
	Switch   []string
	StepOut  []string
}

// Decision is the outcome of one navigation step.
type Decision struct {
	Analysis   string
	Action     Action
	Topic      string
	Confidence float64
}

// Navigator walks the topic hierarchy with a depth-bounded stack.
// It is owned by a single conversation and is not safe for concurrent use.
type Navigator struct {
	llm         genai.ClientInterface
	hier        *Hierarchy
	rng         *rand.Rand
	goal        string
	behavior    string
	stack       []string
	explored    []string
	initialized bool
}

// NavigatorOpts holds configuration for a Navigator.
type NavigatorOpts struct {
	Goal     string
	Behavior string
	Rand     *rand.Rand
}

// NavigatorOption configures a Navigator.
type NavigatorOption func(*NavigatorOpts)

// WithGoal sets the counseling goal used in prompts.
func WithGoal(goal string) NavigatorOption {
	return func(o *NavigatorOpts) { o.Goal = goal }
}

// WithBehavior sets the client's target behavior used in prompts.
func WithBehavior(behavior string) NavigatorOption {
	return func(o *NavigatorOpts) { o.Behavior = behavior }
}

// WithRand sets the random source for fallback picks.
func WithRand(r *rand.Rand) NavigatorOption {
	return func(o *NavigatorOpts) { o.Rand = r }
}

// NewNavigator creates a Navigator over hier.
func NewNavigator(llm genai.ClientInterface, hier *Hierarchy, opts ...NavigatorOption) *Navigator {
	cfg := NavigatorOpts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Navigator{
		llm:      llm,
		hier:     hier,
		rng:      cfg.Rand,
		goal:     cfg.Goal,
		behavior: cfg.Behavior,
	}
}

// Stack returns a copy of the current descent path.
func (n *Navigator) Stack() []string { return append([]string(nil), n.stack...) }

// Explored returns a copy of every topic visited so far.
func (n *Navigator) Explored() []string { return append([]string(nil), n.explored...) }

// Initialized reports whether a first topic has been pinned.
func (n *Navigator) Initialized() bool { return n.initialized }

// Step runs Initialize until a topic is pinned and Explore afterwards, then
// records the chosen topic in the explored log.
func (n *Navigator) Step(ctx context.Context, conversation []string) (Decision, error) {
	var (
		d   Decision
		err error
	)
	if !n.initialized {
		d, err = n.Initialize(ctx, conversation)
	} else {
		d, err = n.Explore(ctx, conversation)
	}
	if err != nil {
		return Decision{}, err
	}
	n.explored = append(n.explored, d.Topic)
	slog.Debug("Navigator.Step: topic chosen", "action", d.Action, "topic", d.Topic, "stack", n.stack)
	return d, nil
}

type rootDistribution struct {
	Distribution map[string]float64 `json:"distribution" validate:"required,min=1"`
}

// Initialize estimates which root category the client cares about. The top
// root is pushed only if its probability exceeds CommitThreshold or the
// conversation is longer than ForceCommitAfter utterances.
func (n *Navigator) Initialize(ctx context.Context, conversation []string) (Decision, error) {
	roots := n.hier.Roots()
	data := n.promptData(conversation)
	data.Roots = strings.Join(roots, ", ")

	prompt, err := render(initAnalysisTmpl, data)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to render topic analysis prompt: %w", err)
	}
	analysis, err := n.llm.Complete(ctx, []genai.Message{genai.User(prompt)}, genai.Precise.WithPurpose("topic_init_analysis"))
	if err != nil {
		return Decision{}, fmt.Errorf("topic initialization analysis failed: %w", err)
	}

	data.Analysis = analysis
	prompt, err = render(initDistributionTmpl, data)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to render topic distribution prompt: %w", err)
	}
	dist, err := genai.CompleteStructured[rootDistribution](ctx, n.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("topic_init_distribution"))
	if err != nil && !errors.Is(err, genai.ErrSchema) {
		return Decision{}, fmt.Errorf("topic initialization distribution failed: %w", err)
	}

	top, prob, ok := topRoot(roots, dist.Distribution)
	if !ok {
		slog.Warn("Navigator.Initialize: no usable distribution, picking random root", "error", err)
		return Decision{
			Analysis: analysis,
			Action:   ActionSwitch,
			Topic:    roots[n.rng.IntN(len(roots))],
		}, nil
	}
	if prob > CommitThreshold || len(conversation) > ForceCommitAfter {
		n.stack = append(n.stack, top)
		n.initialized = true
		slog.Info("Navigator.Initialize: first topic pinned", "topic", top, "confidence", prob)
	}
	return Decision{Analysis: analysis, Action: ActionSwitch, Topic: top, Confidence: prob}, nil
}

// topRoot normalizes the distribution over roots and returns the most likely one.
// Ties resolve to the earlier root.
func topRoot(roots []string, dist map[string]float64) (string, float64, bool) {
	var total float64
	for _, r := range roots {
		if p := dist[r]; p > 0 {
			total += p
		}
	}
	if total <= 0 {
		return "", 0, false
	}
	best, bestP := "", -1.0
	for _, r := range roots {
		p := dist[r]
		if p < 0 {
			p = 0
		}
		if p/total > bestP {
			best, bestP = r, p/total
		}
	}
	return best, bestP, true
}

// Candidates returns the allowed topics per action for the current stack.
func (n *Navigator) Candidates() Candidates {
	switch len(n.stack) {
	case 1:
		return Candidates{
			StepInto: n.hier.Children(n.stack[0]),
			Switch:   n.hier.Roots(),
		}
	case 2:
		return Candidates{
			StepInto: n.hier.Children(n.stack[1]),
			Switch:   n.hier.Children(n.stack[0]),
			StepOut:  n.hier.Roots(),
		}
	case MaxDepth:
		siblings := n.hier.Children(n.stack[0])
		var fresh []string
		for _, s := range siblings {
			if !n.wasExplored(s) {
				fresh = append(fresh, s)
			}
		}
		if len(fresh) == 0 {
			return Candidates{StepOut: siblings}
		}
		return Candidates{
			Switch:  n.hier.Children(n.stack[1]),
			StepOut: fresh,
		}
	default:
		return Candidates{}
	}
}

func (n *Navigator) wasExplored(t string) bool {
	for _, e := range n.explored {
		if e == t {
			return true
		}
	}
	return false
}

// Explore asks for an engagement analysis and applies the recommended move.
// Step Into is preferred over Switch, Switch over Step Out; when no offered
// action is named the previous topic is kept.
func (n *Navigator) Explore(ctx context.Context, conversation []string) (Decision, error) {
	if !n.initialized || len(n.stack) == 0 {
		return Decision{}, fmt.Errorf("navigator has no pinned topic")
	}
	cands := n.Candidates()
	data := n.promptData(conversation)
	data.Current = n.stack[len(n.stack)-1]
	data.StepInto, data.Switch, data.StepOut = cands.StepInto, cands.Switch, cands.StepOut

	prompt, err := render(exploreTmpl, data)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to render explore prompt: %w", err)
	}
	reply, err := n.llm.Complete(ctx, []genai.Message{genai.User(prompt)}, genai.Precise.WithPurpose("topic_explore"))
	if err != nil {
		return Decision{}, fmt.Errorf("topic exploration failed: %w", err)
	}
	analysis := strings.ReplaceAll(reply, "\n", " ")

	if len(cands.StepInto) > 0 && mentions(reply, ActionStepInto) {
		t := ExtractTopic(reply, cands.StepInto, n.rng)
		n.stack = append(n.stack, t)
		return Decision{Analysis: analysis, Action: ActionStepInto, Topic: t}, nil
	}
	if len(cands.Switch) > 0 && mentions(reply, ActionSwitch) {
		t := ExtractTopic(reply, cands.Switch, n.rng)
		n.stack[len(n.stack)-1] = t
		return Decision{Analysis: analysis, Action: ActionSwitch, Topic: t}, nil
	}
	if len(cands.StepOut) > 0 && mentions(reply, ActionStepOut) {
		t := ExtractTopic(reply, cands.StepOut, n.rng)
		n.stack = append(n.stack[:len(n.stack)-2], t)
		return Decision{Analysis: analysis, Action: ActionStepOut, Topic: t}, nil
	}

	prev := n.stack[len(n.stack)-1]
	if len(n.explored) > 0 {
		prev = n.explored[len(n.explored)-1]
	}
	return Decision{Analysis: analysis, Action: ActionStay, Topic: prev}, nil
}

func mentions(reply string, a Action) bool {
	return strings.Contains(reply, string(a)) || strings.Contains(reply, strings.ToLower(string(a)))
}

type promptData struct {
	Goal     string
	Behavior string
	Context  string
	Response string
	Explored string
	Roots    string
	Analysis string
	Current  string
	StepInto []string
	Switch   []string
	StepOut  []string
}

// promptData uses the five utterances before the latest as context.
func (n *Navigator) promptData(conversation []string) promptData {
	d := promptData{
		Goal:     n.goal,
		Behavior: n.behavior,
		Explored: strings.Join(n.explored, " -> "),
	}
	if len(conversation) == 0 {
		return d
	}
	last := len(conversation) - 1
	start := last - 5
	if start < 0 {
		start = 0
	}
	d.Context = strings.Join(conversation[start:last], "\n- ")
	d.Response = conversation[last]
	return d
}
