// Package counselor implements the counselor agent: state classification,
// topic navigation, strategy selection, candidate generation and selection,
// and response refinement, run in that order for every turn.
package counselor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/profile"
	"github.com/BTreeMap/CounselSim/internal/topic"
)

// Turn is everything decided while producing one counselor utterance.
type Turn struct {
	State            string
	StrategyAnalysis string
	Strategies       []string
	FinalStrategy    string
	Topic            string
	Action           topic.Action
	Exploration      string
	Response         string
	Candidates       int
	RefineIterations int
	RefineScores     []int
}

// Annotation renders the bracketed diagnostic metadata of the turn. Field
// values never contain brackets, so the annotation is always one balanced span.
func (t Turn) Annotation() string {
	esc := models.EscapeAnnotation
	return fmt.Sprintf("[Inferred State: %s || Strategy Selection: %s || Strategies: [%s] || Final Strategy: %s || Topic: %s || Exploration Action: %s || Exploration: %s]",
		esc(t.State), esc(t.StrategyAnalysis), esc(strings.Join(t.Strategies, ", ")), esc(t.FinalStrategy),
		esc(t.Topic), esc(string(t.Action)), esc(t.Exploration))
}

// Line renders the annotated transcript line.
func (t Turn) Line() string { return t.Annotation() + " " + t.Response }

// Recorder receives per-turn observations, usually the metrics recorder.
type Recorder interface {
	ObserveNavigation(action string)
	ObserveRefinement(iterations int, passed bool)
}

// Counselor owns one conversation's history and navigation state. It is not
// safe for concurrent use.
type Counselor struct {
	profile    *profile.Profile
	hier       *topic.Hierarchy
	goal       string
	behavior   string
	messages   []genai.Message
	navigator  *topic.Navigator
	classifier *Classifier
	selector   *StrategySelector
	generator  *Generator
	refiner    *Refiner
	recorder   Recorder
}

// Opts holds configuration for a Counselor.
type Opts struct {
	Goal      string
	Behavior  string
	Hierarchy *topic.Hierarchy
	Parallel  bool
	Rand      *rand.Rand
	Recorder  Recorder
}

// Option configures a Counselor.
type Option func(*Opts)

// WithGoal sets the counseling goal.
func WithGoal(goal string) Option {
	return func(o *Opts) { o.Goal = goal }
}

// WithBehavior sets the client's target behavior.
func WithBehavior(behavior string) Option {
	return func(o *Opts) { o.Behavior = behavior }
}

// WithHierarchy overrides the topic hierarchy.
func WithHierarchy(h *topic.Hierarchy) Option {
	return func(o *Opts) { o.Hierarchy = h }
}

// WithParallelCandidates generates per-strategy candidates concurrently.
func WithParallelCandidates(enabled bool) Option {
	return func(o *Opts) { o.Parallel = enabled }
}

// WithRand sets the random source used for navigation fallbacks.
func WithRand(r *rand.Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// WithRecorder registers a turn observer.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// New creates a Counselor for profile p, seeded with the profile's greeting.
func New(llm genai.ClientInterface, p *profile.Profile, opts ...Option) (*Counselor, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Hierarchy == nil {
		cfg.Hierarchy = topic.DefaultHierarchy()
	}
	system, err := p.SystemPrompt(cfg.Goal, cfg.Behavior)
	if err != nil {
		return nil, err
	}

	c := &Counselor{
		profile:  p,
		hier:     cfg.Hierarchy,
		goal:     cfg.Goal,
		behavior: cfg.Behavior,
		messages: []genai.Message{
			genai.System(system),
			genai.Assistant(p.Greeting.Counselor),
			genai.User(p.Greeting.Client),
		},
		classifier: NewClassifier(llm, p),
		selector:   NewStrategySelector(llm, p),
		generator:  NewGenerator(llm, p, cfg.Goal, cfg.Behavior, cfg.Parallel),
		refiner:    NewRefiner(llm),
		recorder:   cfg.Recorder,
	}
	if p.UsesTopics {
		navOpts := []topic.NavigatorOption{topic.WithGoal(cfg.Goal), topic.WithBehavior(cfg.Behavior)}
		if cfg.Rand != nil {
			navOpts = append(navOpts, topic.WithRand(cfg.Rand))
		}
		c.navigator = topic.NewNavigator(llm, cfg.Hierarchy, navOpts...)
	}
	return c, nil
}

// Receive appends the client's utterance to the history.
func (c *Counselor) Receive(utterance string) {
	c.messages = append(c.messages, genai.User(utterance))
}

// Conversation returns the utterances so far, without the system prompt.
func (c *Counselor) Conversation() []string {
	out := make([]string, 0, len(c.messages)-1)
	for _, m := range c.messages[1:] {
		out = append(out, m.Content)
	}
	return out
}

// Navigator returns the topic navigator, or nil for profiles without topics.
func (c *Counselor) Navigator() *topic.Navigator { return c.navigator }

// Reply runs one full counselor turn and appends the response to the history.
// Only transport failures are returned; every parse failure has a fallback.
func (c *Counselor) Reply(ctx context.Context) (Turn, error) {
	conversation := c.Conversation()
	var t Turn

	state, err := c.classifier.Infer(ctx, conversation)
	if err != nil {
		return Turn{}, err
	}
	t.State = state

	topicDescription := ""
	if c.navigator != nil {
		d, err := c.navigator.Step(ctx, conversation)
		if err != nil {
			return Turn{}, err
		}
		t.Topic, t.Action, t.Exploration = d.Topic, d.Action, d.Analysis
		topicDescription = c.profile.DescribeTopic(c.hier.About(d.Topic), c.goal, c.behavior)
		if c.recorder != nil {
			c.recorder.ObserveNavigation(string(d.Action))
		}
	}

	sel, err := c.selector.Select(ctx, conversation, state)
	if err != nil {
		return Turn{}, err
	}
	t.StrategyAnalysis, t.Strategies = sel.Analysis, sel.Strategies

	candidates, err := c.generator.Generate(ctx, GenerateRequest{
		History:          c.messages,
		State:            state,
		Topic:            t.Topic,
		TopicDescription: topicDescription,
		Strategies:       sel.Strategies,
	})
	if err != nil {
		return Turn{}, err
	}
	t.Candidates = len(candidates)

	chosen, err := c.generator.Select(ctx, conversation, candidates)
	if err != nil {
		return Turn{}, err
	}
	t.FinalStrategy = ExposedStrategy(chosen, sel.Strategies)

	res, err := c.refiner.Refine(ctx, conversation, chosen.Text, c.strategyDescription(chosen, sel.Strategies), topicDescription)
	if err != nil {
		return Turn{}, err
	}
	if c.recorder != nil {
		c.recorder.ObserveRefinement(res.Iterations, res.Passed)
	}
	t.Response = strings.TrimSpace(strings.ReplaceAll(res.Response, "\n", " "))
	t.RefineIterations, t.RefineScores = res.Iterations, res.Scores

	c.messages = append(c.messages, genai.Assistant(t.Response))
	slog.Debug("Counselor.Reply: turn complete", "state", t.State, "topic", t.Topic, "action", t.Action,
		"strategy", t.FinalStrategy, "refineIterations", t.RefineIterations)
	return t, nil
}

func (c *Counselor) strategyDescription(chosen Candidate, selected []string) string {
	if chosen.Strategy != CombinedStrategy {
		return c.profile.StrategyDescription(chosen.Strategy)
	}
	if len(selected) == 0 {
		return c.profile.StrategyDescription(profile.NoStrategy)
	}
	descs := make([]string, 0, len(selected))
	for _, s := range selected {
		descs = append(descs, c.profile.StrategyDescription(s))
	}
	return strings.Join(descs, "\n- ")
}
