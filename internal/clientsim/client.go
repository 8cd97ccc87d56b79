// Package clientsim implements the simulated client: a persona-driven agent
// whose engagement depends on how close the counselor's topic is to the
// client's own motivation, and whose stage advances as it is motivated.
package clientsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/ranker"
	"github.com/BTreeMap/CounselSim/internal/topic"
)

// StateMotivation is the one-shot state entered when the counselor reaches
// the client's motivation. The next reply acknowledges it and moves to
// Contemplation.
const StateMotivation = "Motivation"

// Phrases whose presence in a client line ends the session.
const (
	MotivatedPhrase = "You are motivated because"
	TerminatePhrase = "express a desire to end the current session"
)

// TerminalPhrases are the client-side session terminators.
var TerminalPhrases = []string{MotivatedPhrase, TerminatePhrase}

// Client behavior constants
const (
	// ActionWindow is the number of recent utterances shown when choosing an action.
	ActionWindow = 3
	// MotivationWindow is the number of recent utterances checked against the motivation.
	MotivationWindow = 5
	// actionAttempts bounds retries of the action distribution request.
	actionAttempts = 5
)

const (
	counselorPrefix = "Counselor: "
	clientPrefix    = "Client: "
	concise         = "Don't show overknowledge and keep your responses concise (no more than 50 words). Don't highlight your state explicitly."
)

// Reply is one client turn.
type Reply struct {
	State       string
	Action      Action
	Engagement  Engagement
	Analysis    string
	Information string
	// Metadata is the bracketed instruction summary written before the response.
	Metadata string
	Response string
}

// Line renders the annotated transcript line.
func (r Reply) Line() string { return r.Metadata + " " + r.Response }

// Recorder receives client observations, usually the metrics recorder.
type Recorder interface {
	ObserveClientAction(action string)
	ObserveEngagement(level int)
}

// Client simulates one annotated client. It is not safe for concurrent use.
type Client struct {
	llm      genai.ClientInterface
	ranker   ranker.Ranker
	graph    topic.Graph
	topics   []string
	rng      *rand.Rand
	recorder Recorder

	goal        string
	behavior    string
	personas    []string
	beliefs     []string
	plans       []string
	motivation  string
	engaged     []string
	receptivity float64

	state      string
	engagement Engagement
	offTopic   int
	context    []string
	messages   []genai.Message
}

// Opts holds configuration for a Client.
type Opts struct {
	Graph    topic.Graph
	Topics   []string
	Rand     *rand.Rand
	Recorder Recorder
	Greeting [2]string
}

// Option configures a Client.
type Option func(*Opts)

// WithGraph overrides the weighted topic graph.
func WithGraph(g topic.Graph) Option {
	return func(o *Opts) { o.Graph = g }
}

// WithTopics overrides the topics the client can perceive; defaults to the graph's nodes.
func WithTopics(topics []string) Option {
	return func(o *Opts) { o.Topics = topics }
}

// WithRand sets the random source used for sampling.
func WithRand(r *rand.Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// WithRecorder registers an observer.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithGreeting sets the opening counselor and client lines.
func WithGreeting(counselor, client string) Option {
	return func(o *Opts) { o.Greeting = [2]string{counselor, client} }
}

// New creates a Client from an annotated profile.
func New(llm genai.ClientInterface, rk ranker.Ranker, p *models.ClientProfile, opts ...Option) (*Client, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client profile: %w", err)
	}
	cfg := Opts{Greeting: [2]string{"Counselor: Hello. How are you?", "Client: I am good. What about you?"}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Graph == nil {
		cfg.Graph = topic.DefaultGraph()
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = cfg.Graph.Nodes()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	c := &Client{
		llm:         llm,
		ranker:      rk,
		graph:       cfg.Graph,
		topics:      cfg.Topics,
		rng:         cfg.Rand,
		recorder:    cfg.Recorder,
		goal:        p.Goal,
		behavior:    p.Behavior,
		personas:    append([]string(nil), p.Personas...),
		beliefs:     append([]string(nil), p.Beliefs...),
		plans:       append([]string(nil), p.AcceptablePlans...),
		motivation:  p.MotivationStatement(),
		engaged:     p.EngagedTopics(),
		receptivity: p.Receptivity(),
		state:       p.InitialState(),
		engagement:  clampEngagement(p.Receptivity()),
		context:     []string{cfg.Greeting[0], cfg.Greeting[1]},
	}

	system, err := render(systemTmpl, map[string]any{
		"Behavior":  c.behavior,
		"Goal":      c.goal,
		"Personas":  append(append([]string(nil), c.personas...), c.beliefs...),
		"Reference": p.Reference(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render client system prompt: %w", err)
	}
	c.messages = []genai.Message{
		genai.System(system),
		genai.User(cfg.Greeting[0]),
		genai.Assistant(cfg.Greeting[1]),
	}
	return c, nil
}

func clampEngagement(receptivity float64) Engagement {
	e := Engagement(receptivity)
	if e < EngagementVague {
		return EngagementVague
	}
	if e > EngagementMotivated {
		return EngagementMotivated
	}
	return e
}

// State returns the client's current stage.
func (c *Client) State() string { return c.state }

// Engagement returns the latest engagement level.
func (c *Client) Engagement() Engagement { return c.engagement }

// OffTopicStreak returns the number of consecutive counted off-topic turns.
func (c *Client) OffTopicStreak() int { return c.offTopic }

// Beliefs returns the beliefs not yet consumed.
func (c *Client) Beliefs() []string { return append([]string(nil), c.beliefs...) }

// Plans returns the acceptable plans not yet proposed.
func (c *Client) Plans() []string { return append([]string(nil), c.plans...) }

// Receive appends the counselor's utterance to the client's context.
func (c *Client) Receive(utterance string) {
	c.context = append(c.context, utterance)
}

// UpdateState advances the stage machine and, in Precontemplation, measures
// engagement with the counselor's latest utterance. It returns a short
// engagement analysis, empty when none was made.
func (c *Client) UpdateState(ctx context.Context) (string, error) {
	switch c.state {
	case models.StageContemplation:
		if len(c.beliefs) == 0 {
			slog.Debug("Client.UpdateState: beliefs exhausted, moving to Preparation")
			c.state = models.StagePreparation
		}
		return "", nil
	case models.StagePreparation:
		return "", nil
	}

	query := c.context[len(c.context)-1]
	if i := strings.LastIndex(query, counselorPrefix); i >= 0 {
		query = query[i+len(counselorPrefix):]
	}
	ranked, err := c.ranker.Rank(ctx, query, c.topics)
	if err != nil {
		return "", fmt.Errorf("failed to rank topics: %w", err)
	}
	if len(ranked) == 0 {
		return "", fmt.Errorf("ranker returned no topics")
	}
	perceived := ranked[0]

	c.engagement = Discretize(topic.ShortestPath(c.graph, c.engaged[0], perceived))
	if c.recorder != nil {
		c.recorder.ObserveEngagement(int(c.engagement))
	}
	switch c.engagement {
	case EngagementMotivated:
		c.offTopic = 0
		return c.verifyMotivation(ctx)
	case EngagementSpecific:
		c.offTopic = 0
	case EngagementVague:
		if len(c.context) > OffTopicGrace {
			c.offTopic++
		}
	}
	slog.Debug("Client.UpdateState: engagement measured", "perceived", perceived, "target", c.engaged[0],
		"engagement", c.engagement, "offTopic", c.offTopic)
	return fmt.Sprintf("The client's perceived topic is %s.", perceived), nil
}

// verifyMotivation asks whether the recent counselor turns address the
// client's motivation and enters StateMotivation if they do.
func (c *Client) verifyMotivation(ctx context.Context) (string, error) {
	prompt, err := render(motivationTmpl, map[string]any{
		"Goal":       c.goal,
		"Context":    strings.Join(tail(c.context, MotivationWindow), "\n- "),
		"Motivation": c.motivation,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render motivation prompt: %w", err)
	}
	reply, err := c.llm.Complete(ctx, []genai.Message{genai.User(prompt)}, genai.Precise.WithPurpose("client_motivation"))
	if err != nil {
		return "", fmt.Errorf("motivation check failed: %w", err)
	}
	analysis, motivated := parseVerdict(reply)
	if motivated {
		slog.Info("Client.UpdateState: client motivated", "target", c.engaged[0])
		c.state = StateMotivation
	}
	return analysis, nil
}

// parseVerdict reads an "Analysis: ... Answer: Yes/No" reply. Without an
// Answer line any "yes" in the reply counts.
func parseVerdict(reply string) (string, bool) {
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	analysis := lines[0]
	if i := strings.Index(analysis, ": "); i >= 0 {
		analysis = analysis[i+2:]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.ToLower(strings.TrimSpace(lines[i]))
		if strings.HasPrefix(line, "answer:") {
			return analysis, strings.Contains(line, "yes")
		}
	}
	return analysis, strings.Contains(strings.ToLower(reply), "yes")
}

// Reply produces the client's next utterance.
func (c *Client) Reply(ctx context.Context) (Reply, error) {
	analysis, err := c.UpdateState(ctx)
	if err != nil {
		return Reply{}, err
	}
	r := Reply{Analysis: analysis}

	var instruction string
	switch c.state {
	case StateMotivation:
		engage := motivatedInstruction(c.engaged[0])
		r.Action = ActionAcknowledge
		instruction = fmt.Sprintf("[%s %s %s]", c.motivation, r.Action.Instruction(), engage)
		r.Metadata = fmt.Sprintf("[Engagement: %s || Motivation: %s || Action: %s]", engage, c.motivation, r.Action.Instruction())
		c.state = models.StageContemplation
		r.State = StateMotivation
	case models.StagePrecontemplation:
		instruction, err = c.precontemplation(ctx, &r)
	default:
		instruction, err = c.later(ctx, &r)
	}
	if err != nil {
		return Reply{}, err
	}
	if r.State == "" {
		r.State = c.state
	}
	r.Engagement = c.engagement
	if c.recorder != nil {
		c.recorder.ObserveClientAction(string(r.Action))
	}

	response, err := c.respond(ctx, instruction)
	if err != nil {
		return Reply{}, err
	}
	r.Response = response
	r.Metadata = escapeMetadata(r.Metadata)
	slog.Debug("Client.Reply: replied", "state", r.State, "action", r.Action, "engagement", r.Engagement)
	return r, nil
}

// escapeMetadata keeps the outer brackets of a metadata span and escapes
// everything between them.
func escapeMetadata(meta string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(meta, "["), "]")
	return "[" + models.EscapeAnnotation(inner) + "]"
}

func (c *Client) precontemplation(ctx context.Context, r *Reply) (string, error) {
	engage := c.engagement.instruction(c.engaged, c.motivation)
	stateText, err := c.stateInstruction()
	if err != nil {
		return "", err
	}
	if c.offTopic >= OffTopicLimit {
		r.Action = ActionTerminate
	} else if r.Action, err = c.selectAction(ctx); err != nil {
		return "", err
	}

	switch r.Action {
	case ActionInform, ActionDownplay, ActionBlame:
		if r.Information, err = c.selectInformation(ctx, r.Action); err != nil {
			return "", err
		}
		r.Metadata = fmt.Sprintf("[Engage Instruction: %s %s || State Instruction: %s || Information: %s || Action Instruction: %s]",
			r.Analysis, engage, stateText, r.Information, r.Action.Instruction())
		return fmt.Sprintf("[%s %s %s You should follow the persona: %s %s]", engage, stateText, r.Action.Instruction(), r.Information, concise), nil
	}
	r.Metadata = fmt.Sprintf("[Engage Instruction: %s %s || State Instruction: %s || Action Instruction: %s]",
		r.Analysis, engage, stateText, r.Action.Instruction())
	return fmt.Sprintf("[%s %s %s %s]", engage, stateText, r.Action.Instruction(), concise), nil
}

// later handles Contemplation and Preparation.
func (c *Client) later(ctx context.Context, r *Reply) (string, error) {
	stateText, err := c.stateInstruction()
	if err != nil {
		return "", err
	}
	if c.state == models.StagePreparation && len(c.plans) == 0 {
		r.Action = ActionTerminate
	} else if r.Action, err = c.selectAction(ctx); err != nil {
		return "", err
	}

	switch {
	case r.Action == ActionPlan:
		r.Information = c.plans[0]
		c.plans = c.plans[1:]
		r.Metadata = fmt.Sprintf("[State Instruction: %s || Information: %s || Action Instruction: %s]", stateText, r.Information, r.Action.Instruction())
		return fmt.Sprintf("[%s %s %s %s]", stateText, r.Information, r.Action.Instruction(), concise), nil
	case r.Action == ActionInform || r.Action == ActionHesitate:
		if r.Information, err = c.selectInformation(ctx, r.Action); err != nil {
			return "", err
		}
		r.Metadata = fmt.Sprintf("[State Instruction: %s || Information: %s || Action Instruction: %s]", stateText, r.Information, r.Action.Instruction())
		return fmt.Sprintf("[%s %s You should follow the persona: %s %s]", stateText, r.Action.Instruction(), r.Information, concise), nil
	}
	r.Metadata = fmt.Sprintf("[State Instruction: %s || Action Instruction: %s]", stateText, r.Action.Instruction())
	return fmt.Sprintf("[%s %s %s]", stateText, r.Action.Instruction(), concise), nil
}

func (c *Client) stateInstruction() (string, error) {
	text, ok := stateDescriptions[c.state]
	if !ok {
		return "", fmt.Errorf("no instruction for client state %q", c.state)
	}
	return renderString(text, map[string]string{"Behavior": c.behavior, "Goal": c.goal})
}

// selectAction samples the next action from the context distribution
// proposed by the completion service plus the stage prior.
func (c *Client) selectAction(ctx context.Context) (Action, error) {
	actions := stateActions[c.state]
	prompt, err := render(actionTmpl, map[string]any{
		"Context": strings.NewReplacer("Client:", "**Client**:", "Counselor:", "**Counselor**:").
			Replace(strings.Join(tail(c.context, ActionWindow), "\n")),
		"Actions": actions,
		"Example": exampleDistribution(actions),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render action prompt: %w", err)
	}

	var contextual Distribution
	for attempt := 0; attempt < actionAttempts; attempt++ {
		raw, err := genai.CompleteStructured[map[string]float64](ctx, c.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("client_action"))
		if err != nil {
			if !errors.Is(err, genai.ErrSchema) {
				return "", fmt.Errorf("action selection failed: %w", err)
			}
			slog.Warn("Client.selectAction: unparseable distribution, retrying", "attempt", attempt+1, "error", err)
			continue
		}
		if len(raw) == 0 {
			continue
		}
		contextual = make(Distribution, len(raw))
		for k, v := range raw {
			contextual[Action(k)] = v
		}
		break
	}
	if contextual == nil {
		slog.Warn("Client.selectAction: no distribution, using uniform")
		contextual = uniform(actions)
	}

	d := Combine(actions, contextual, prior(c.state, c.receptivity))
	if len(c.personas) == 0 {
		d[ActionInform] = 0
	}
	if len(c.beliefs) == 0 {
		d[ActionBlame] = 0
		d[ActionHesitate] = 0
	}
	if len(c.plans) == 0 {
		d[ActionPlan] = 0
	}
	return Sample(actions, d, c.rng), nil
}

func exampleDistribution(actions []Action) string {
	weights := []int{35, 25, 25, 5, 10}
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = fmt.Sprintf("%q: %d", string(a), weights[i%len(weights)])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// selectInformation picks the persona line or belief the client draws on when
// the counselor just asked a question. It returns "" otherwise. Hesitate
// consumes the chosen belief.
func (c *Client) selectInformation(ctx context.Context, action Action) (string, error) {
	last := c.context[len(c.context)-1]
	if !strings.Contains(last, "?") {
		return "", nil
	}
	pool := c.beliefs
	if action == ActionInform {
		pool = c.personas
	}
	if len(pool) == 0 {
		return "", nil
	}

	messages := []genai.Message{
		genai.User(fmt.Sprintf(questionPrompt, strings.Join(tail(c.context, ActionWindow), "\n"))),
		genai.Assistant(questionAnswer),
	}
	chosen := -1
	for i, item := range pool {
		messages = append(messages, genai.User(fmt.Sprintf(informationPrompts[action], item)))
		reply, err := c.llm.Complete(ctx, messages, genai.Precise.WithPurpose("client_information"))
		if err != nil {
			return "", fmt.Errorf("information selection failed: %w", err)
		}
		messages = append(messages, genai.Assistant(reply))
		if strings.Contains(strings.ToLower(reply), "yes") {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		chosen = c.rng.IntN(len(pool))
	}
	item := pool[chosen]
	if action == ActionHesitate {
		c.beliefs = append(c.beliefs[:chosen:chosen], c.beliefs[chosen+1:]...)
	}
	return item, nil
}

// respond asks the client model for an utterance following instruction and
// records it in the history.
func (c *Client) respond(ctx context.Context, instruction string) (string, error) {
	last := c.context[len(c.context)-1]
	instruction = strings.ReplaceAll(instruction, "\n", " ")
	messages := append(c.messages[:len(c.messages):len(c.messages)], genai.User(last+" "+instruction))
	text, err := c.llm.Complete(ctx, messages, genai.Chatbot.WithPurpose("client_reply"))
	if err != nil {
		return "", fmt.Errorf("client reply failed: %w", err)
	}
	response := NormalizeResponse(text)
	c.context = append(c.context, response)
	c.messages = append(c.messages, genai.User(last), genai.Assistant(response))
	return response, nil
}

// NormalizeResponse flattens a client utterance, enforces the client prefix
// and drops anything after a leaked counselor turn.
func NormalizeResponse(text string) string {
	s := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if !strings.HasPrefix(s, clientPrefix) {
		s = clientPrefix + s
	}
	if i := strings.Index(s, counselorPrefix); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
