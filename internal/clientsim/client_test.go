package clientsim

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/topic"
)

type fakeLLM struct {
	replies  map[string][]string
	defaults map[string]string
	calls    map[string]int
	prompts  map[string][]string
	err      error
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		replies:  map[string][]string{},
		defaults: map[string]string{"client_reply": "Client: Sure.", "client_action": `{"Engage": 1000000000}`},
		calls:    map[string]int{},
		prompts:  map[string][]string{},
	}
}

func (f *fakeLLM) on(purpose string, replies ...string) *fakeLLM {
	f.replies[purpose] = append(f.replies[purpose], replies...)
	return f
}

func (f *fakeLLM) Complete(ctx context.Context, messages []genai.Message, opts genai.Options) (string, error) {
	f.calls[opts.Purpose]++
	f.prompts[opts.Purpose] = append(f.prompts[opts.Purpose], messages[len(messages)-1].Content)
	if f.err != nil {
		return "", f.err
	}
	if q := f.replies[opts.Purpose]; len(q) > 0 {
		f.replies[opts.Purpose] = q[1:]
		return q[0], nil
	}
	return f.defaults[opts.Purpose], nil
}

type fixedRanker struct {
	top     string
	queries []string
}

func (r *fixedRanker) Rank(ctx context.Context, query string, topics []string) ([]string, error) {
	r.queries = append(r.queries, query)
	out := []string{r.top}
	for _, t := range topics {
		if t != r.top {
			out = append(out, t)
		}
	}
	return out, nil
}

// stubGraph places Mental Health at distance 2, Health at 4 and Employment
// at 6 from Depression.
var stubGraph = topic.Graph{
	"Depression":    {"Mental Health": 2, "Employment": 6},
	"Mental Health": {"Health": 2},
	"Health":        {},
	"Employment":    {},
}

func testProfile(state string) *models.ClientProfile {
	return &models.ClientProfile{
		Goal:             "reducing alcohol consumption",
		Behavior:         "drinking alcohol",
		Personas:         []string{"I am a college student.", "I play soccer on weekends."},
		States:           []string{state},
		Motivation:       []string{"Depression", "Mental Health", "Health", "You are motivated because alcohol could worsen your depression."},
		Beliefs:          []string{"Everyone drinks at parties.", "Drinking helps me relax."},
		AcceptablePlans:  []string{"Drink only on weekends."},
		Suggestibilities: []float64{2, 3},
		Speakers:         []string{"counselor", "client"},
		Utterances:       []string{"How are you?", "Fine."},
	}
}

func newTestClient(t *testing.T, llm *fakeLLM, rk *fixedRanker, p *models.ClientProfile) *Client {
	t.Helper()
	c, err := New(llm, rk, p, WithGraph(stubGraph), WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestDiscretize(t *testing.T) {
	tests := []struct {
		distance float64
		want     Engagement
	}{
		{0, EngagementMotivated},
		{2, EngagementSpecific},
		{3, EngagementSpecific},
		{4, EngagementBroad},
		{5, EngagementBroad},
		{6, EngagementVague},
		{math.Inf(1), EngagementVague},
	}
	for _, tt := range tests {
		if got := Discretize(tt.distance); got != tt.want {
			t.Errorf("Discretize(%v) = %d, want %d", tt.distance, got, tt.want)
		}
	}
}

func TestReceptivityPrior(t *testing.T) {
	tests := []struct {
		receptivity float64
		inform      float64
	}{
		{1.5, 22}, {2, 30}, {3.9, 36}, {4.2, 44}, {5, 60},
	}
	for _, tt := range tests {
		d := ReceptivityPrior(tt.receptivity)
		if d[ActionInform] != tt.inform {
			t.Errorf("receptivity %v: Inform weight %v, want %v", tt.receptivity, d[ActionInform], tt.inform)
		}
		var sum float64
		for _, w := range d {
			sum += w
		}
		if sum != 99 && sum != 100 {
			t.Errorf("receptivity %v: weights sum to %v", tt.receptivity, sum)
		}
	}
}

func TestSample(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	actions := []Action{ActionDeny, ActionDownplay, ActionBlame}
	d := Distribution{ActionDeny: 1, ActionDownplay: 3, ActionBlame: 0}
	counts := map[Action]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		counts[Sample(actions, d, rng)]++
	}
	if counts[ActionBlame] != 0 {
		t.Errorf("zero-weight action sampled %d times", counts[ActionBlame])
	}
	if frac := float64(counts[ActionDownplay]) / n; math.Abs(frac-0.75) > 0.02 {
		t.Errorf("Downplay frequency %v, want about 0.75", frac)
	}
	if got := Sample(actions, Distribution{}, rng); got != ActionDeny {
		t.Errorf("all-zero distribution should give the first action, got %s", got)
	}
}

func TestCombine(t *testing.T) {
	actions := []Action{ActionDeny, ActionInform}
	got := Combine(actions, Distribution{ActionDeny: -5, ActionInform: 10, ActionPlan: 50}, Distribution{ActionDeny: 7, ActionInform: 60})
	if got[ActionDeny] != 7 || got[ActionInform] != 70 || len(got) != 2 {
		t.Errorf("unexpected combination %v", got)
	}
}

func TestUpdateState_EngagementLevels(t *testing.T) {
	tests := []struct {
		perceived string
		want      Engagement
	}{
		{"Mental Health", EngagementSpecific},
		{"Health", EngagementBroad},
		{"Employment", EngagementVague},
		{"Astronomy", EngagementVague},
	}
	for _, tt := range tests {
		rk := &fixedRanker{top: tt.perceived}
		c := newTestClient(t, newFakeLLM(), rk, testProfile(models.StagePrecontemplation))
		c.Receive("Counselor: How is work going?")
		analysis, err := c.UpdateState(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Engagement() != tt.want {
			t.Errorf("perceived %s: engagement %d, want %d", tt.perceived, c.Engagement(), tt.want)
		}
		if analysis != "The client's perceived topic is "+tt.perceived+"." {
			t.Errorf("unexpected analysis %q", analysis)
		}
		if rk.queries[0] != "How is work going?" {
			t.Errorf("ranker query should drop the speaker prefix, got %q", rk.queries[0])
		}
		if c.OffTopicStreak() != 0 {
			t.Errorf("short conversations must not count off-topic turns")
		}
	}
}

func TestReply_OffTopicStreakTerminates(t *testing.T) {
	llm := newFakeLLM()
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, testProfile(models.StagePrecontemplation))
	for i := 0; i < 8; i++ {
		c.Receive("Counselor: filler")
	}
	for turn := 1; turn <= OffTopicLimit; turn++ {
		c.Receive("Counselor: Tell me about your job.")
		r, err := c.Reply(context.Background())
		if err != nil {
			t.Fatalf("turn %d: unexpected error: %v", turn, err)
		}
		if c.OffTopicStreak() != turn {
			t.Fatalf("turn %d: streak %d", turn, c.OffTopicStreak())
		}
		if turn < OffTopicLimit {
			if r.Action != ActionEngage || strings.Contains(r.Line(), TerminatePhrase) {
				t.Fatalf("turn %d: unexpected action %s", turn, r.Action)
			}
			continue
		}
		if r.Action != ActionTerminate || !strings.Contains(r.Line(), TerminatePhrase) {
			t.Errorf("expected Terminate once the streak reaches %d, got %s", OffTopicLimit, r.Action)
		}
	}
	if llm.calls["client_action"] != OffTopicLimit-1 {
		t.Errorf("Terminate must not sample an action, got %d samples", llm.calls["client_action"])
	}
}

func TestReply_SpecificTopicResetsStreak(t *testing.T) {
	rk := &fixedRanker{top: "Employment"}
	c := newTestClient(t, newFakeLLM(), rk, testProfile(models.StagePrecontemplation))
	for i := 0; i < 9; i++ {
		c.Receive("Counselor: filler")
	}
	if _, err := c.Reply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.OffTopicStreak() != 1 {
		t.Fatalf("expected streak 1, got %d", c.OffTopicStreak())
	}
	rk.top = "Health"
	c.Receive("Counselor: How is your health?")
	if _, err := c.Reply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.OffTopicStreak() != 1 {
		t.Errorf("broad engagement should leave the streak alone, got %d", c.OffTopicStreak())
	}
	rk.top = "Mental Health"
	c.Receive("Counselor: How is your mood?")
	if _, err := c.Reply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.OffTopicStreak() != 0 {
		t.Errorf("specific engagement should reset the streak, got %d", c.OffTopicStreak())
	}
}

func TestReply_MotivationReached(t *testing.T) {
	llm := newFakeLLM().
		on("client_motivation", "Analysis: The counselor links drinking to low mood.\nAnswer: Yes").
		on("client_reply", "You're right, my mood has been bad lately.")
	c := newTestClient(t, llm, &fixedRanker{top: "Depression"}, testProfile(models.StagePrecontemplation))
	c.Receive("Counselor: Could drinking be making your depression worse?")

	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.State != StateMotivation || r.Action != ActionAcknowledge || r.Engagement != EngagementMotivated {
		t.Errorf("unexpected reply %+v", r)
	}
	if r.Analysis != "The counselor links drinking to low mood." {
		t.Errorf("unexpected analysis %q", r.Analysis)
	}
	if c.State() != models.StageContemplation {
		t.Errorf("client should move to Contemplation, got %s", c.State())
	}
	if !strings.Contains(r.Line(), MotivatedPhrase) {
		t.Errorf("motivated line should carry the motivation: %q", r.Line())
	}
	if r.Response != "Client: You're right, my mood has been bad lately." {
		t.Errorf("unexpected response %q", r.Response)
	}
	if !strings.Contains(llm.prompts["client_motivation"][0], "Could drinking be making your depression worse?") {
		t.Error("motivation check should see the latest counselor turn")
	}
	if llm.calls["client_action"] != 0 {
		t.Error("motivated reply must not sample an action")
	}
}

func TestReply_MotivationRejectedStaysPrecontemplation(t *testing.T) {
	llm := newFakeLLM().on("client_motivation", "Analysis: It is a generic question.\nAnswer: No")
	c := newTestClient(t, llm, &fixedRanker{top: "Depression"}, testProfile(models.StagePrecontemplation))
	c.Receive("Counselor: How are things?")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != models.StagePrecontemplation || r.Engagement != EngagementMotivated {
		t.Errorf("state %s engagement %d", c.State(), r.Engagement)
	}
}

func TestEscapeMetadata(t *testing.T) {
	meta := "[State Instruction: unsure || Information: I quit [mostly] in May] || Action Instruction: share\nmore]"
	got := escapeMetadata(meta)
	want := "[State Instruction: unsure || Information: I quit (mostly) in May) || Action Instruction: share more]"
	if got != want {
		t.Errorf("escapeMetadata = %q, want %q", got, want)
	}
	if strings.Count(got, "[") != 1 || strings.Count(got, "]") != 1 {
		t.Errorf("escaped metadata must hold exactly one bracket pair: %q", got)
	}
}

func TestReply_InformUsesPersona(t *testing.T) {
	llm := newFakeLLM().
		on("client_action", `{"Inform": 1000000000}`).
		on("client_information", "No.", "Yes, it can.")
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, testProfile(models.StagePrecontemplation))
	c.Receive("Counselor: What do you do on weekends?")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Action != ActionInform || r.Information != "I play soccer on weekends." {
		t.Errorf("unexpected reply %+v", r)
	}
	if !strings.Contains(r.Metadata, "Information: I play soccer on weekends.") {
		t.Errorf("metadata should carry the information: %q", r.Metadata)
	}
	if llm.calls["client_information"] != 2 {
		t.Errorf("expected 2 probes, got %d", llm.calls["client_information"])
	}
}

func TestReply_InformWithoutQuestion(t *testing.T) {
	llm := newFakeLLM().on("client_action", `{"Inform": 1000000000}`)
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, testProfile(models.StagePrecontemplation))
	c.Receive("Counselor: That sounds hard.")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Information != "" || llm.calls["client_information"] != 0 {
		t.Errorf("no information should be selected without a question: %+v", r)
	}
}

func TestReply_NoPersonasNeverInforms(t *testing.T) {
	llm := newFakeLLM()
	llm.defaults["client_action"] = `{"Inform": 1000000000}`
	p := testProfile(models.StagePrecontemplation)
	p.Personas = nil
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, p)
	for i := 0; i < 20; i++ {
		c.Receive("Counselor: Anything else?")
		r, err := c.Reply(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Action == ActionInform {
			t.Fatal("Inform sampled without personas")
		}
	}
}

func TestReply_HesitateConsumesBelief(t *testing.T) {
	llm := newFakeLLM().
		on("client_action", `{"Hesitate": 1000000000}`).
		on("client_information", "Yes")
	c := newTestClient(t, llm, &fixedRanker{}, testProfile(models.StageContemplation))
	c.Receive("Counselor: What holds you back?")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Action != ActionHesitate || r.Information != "Everyone drinks at parties." {
		t.Errorf("unexpected reply %+v", r)
	}
	if got := c.Beliefs(); len(got) != 1 || got[0] != "Drinking helps me relax." {
		t.Errorf("belief not consumed: %v", got)
	}
}

func TestReply_ContemplationWithoutBeliefsAdvances(t *testing.T) {
	p := testProfile(models.StageContemplation)
	p.Beliefs = nil
	rk := &fixedRanker{}
	c := newTestClient(t, newFakeLLM(), rk, p)
	c.Receive("Counselor: What would change look like?")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.State != models.StagePreparation || c.State() != models.StagePreparation {
		t.Errorf("expected Preparation, got %s", r.State)
	}
	if len(rk.queries) != 0 {
		t.Error("engagement is only measured in Precontemplation")
	}
}

func TestReply_PreparationPlansThenTerminates(t *testing.T) {
	llm := newFakeLLM().on("client_action", `{"Plan": 1000000000}`)
	c := newTestClient(t, llm, &fixedRanker{}, testProfile(models.StagePreparation))
	c.Receive("Counselor: What could you try?")
	r, err := c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Action != ActionPlan || r.Information != "Drink only on weekends." || len(c.Plans()) != 0 {
		t.Errorf("unexpected plan reply %+v", r)
	}
	c.Receive("Counselor: Great, anything else?")
	r, err = c.Reply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Action != ActionTerminate || !strings.Contains(r.Line(), TerminatePhrase) {
		t.Errorf("expected Terminate without plans, got %s", r.Action)
	}
}

func TestSelectAction_MalformedFallsBackToUniform(t *testing.T) {
	llm := newFakeLLM()
	llm.defaults["client_action"] = "not json"
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, testProfile(models.StagePrecontemplation))
	a, err := c.selectAction(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if llm.calls["client_action"] != actionAttempts {
		t.Errorf("expected %d attempts, got %d", actionAttempts, llm.calls["client_action"])
	}
	found := false
	for _, allowed := range stateActions[models.StagePrecontemplation] {
		found = found || allowed == a
	}
	if !found {
		t.Errorf("action %s not allowed in Precontemplation", a)
	}
}

func TestReply_TransportError(t *testing.T) {
	llm := newFakeLLM()
	llm.err = genai.ErrTransport
	c := newTestClient(t, llm, &fixedRanker{top: "Employment"}, testProfile(models.StagePrecontemplation))
	c.Receive("Counselor: Hi?")
	if _, err := c.Reply(context.Background()); !errors.Is(err, genai.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestNew_InvalidProfile(t *testing.T) {
	p := testProfile(models.StagePrecontemplation)
	p.Motivation = p.Motivation[:2]
	if _, err := New(newFakeLLM(), &fixedRanker{}, p); !errors.Is(err, models.ErrShortMotivation) {
		t.Errorf("expected ErrShortMotivation, got %v", err)
	}
}

func TestNormalizeResponse(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Client: Fine.", "Client: Fine."},
		{"Fine.\nReally.", "Client: Fine. Really."},
		{"Client: Fine. Counselor: Great!", "Client: Fine."},
	}
	for _, tt := range tests {
		if got := NormalizeResponse(tt.in); got != tt.want {
			t.Errorf("NormalizeResponse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in       string
		analysis string
		yes      bool
	}{
		{"Analysis: It fits.\nAnswer: Yes", "It fits.", true},
		{"Analysis: Yes it mentions risk, but not the right one.\nAnswer: No", "Yes it mentions risk, but not the right one.", false},
		{"Yes", "Yes", true},
	}
	for _, tt := range tests {
		analysis, yes := parseVerdict(tt.in)
		if analysis != tt.analysis || yes != tt.yes {
			t.Errorf("parseVerdict(%q) = %q, %v", tt.in, analysis, yes)
		}
	}
}
