package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CounselSim/internal/counselor"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/topic"
	"github.com/BTreeMap/CounselSim/internal/transcript"
)

// scriptedSpeaker replays lines and records what it receives.
type scriptedSpeaker struct {
	lines    []string
	err      error
	received []string
	spoke    int
}

func (s *scriptedSpeaker) Speak(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	line := s.lines[s.spoke%len(s.lines)]
	s.spoke++
	return line, nil
}

func (s *scriptedSpeaker) Receive(u string) { s.received = append(s.received, u) }

type memorySink struct{ lines []transcript.Line }

func (m *memorySink) Write(ctx context.Context, l transcript.Line) error {
	m.lines = append(m.lines, l)
	return nil
}

func (m *memorySink) Close() error { return nil }

type countingRecorder struct {
	turns    map[models.Speaker]int
	outcomes []models.OutcomeReason
}

func (r *countingRecorder) ObserveTurn(s models.Speaker) {
	if r.turns == nil {
		r.turns = map[models.Speaker]int{}
	}
	r.turns[s]++
}

func (r *countingRecorder) ObserveOutcome(o models.OutcomeReason) { r.outcomes = append(r.outcomes, o) }

func TestStripAnnotations(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"[State: x] Counselor: Hi", "Counselor: Hi"},
		{"[a [nested] b] Client: ok [tail]", "Client: ok"},
		{"no brackets", "no brackets"},
		{"Client: open [bracket", "Client: open [bracket"},
		{"[a]  Client:   spaced", "Client: spaced"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripAnnotations(tt.in); got != tt.want {
			t.Errorf("StripAnnotations(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripAnnotations_CounselorTurnWithStrayBrackets(t *testing.T) {
	analyses := []string{
		"The client is guarded [see earlier turns",
		"Options: 1) reflect] 2) ask",
		"]] nested [[ [noise]",
	}
	for _, analysis := range analyses {
		turn := counselor.Turn{
			State:            "Precontemplation",
			StrategyAnalysis: analysis,
			Strategies:       []string{"Open Question"},
			FinalStrategy:    "Open Question",
			Topic:            "Health",
			Action:           topic.ActionStepInto,
			Exploration:      "Step Into **Fitness** [from Health",
			Response:         "Counselor: How do you feel about exercise?",
		}
		if got := StripAnnotations(turn.Line()); got != "Counselor: How do you feel about exercise?" {
			t.Errorf("analysis %q: StripAnnotations(Line()) = %q", analysis, got)
		}
	}
}

func TestJaccard(t *testing.T) {
	if got := Jaccard("", ""); got != 0 {
		t.Errorf("empty similarity = %v, want 0", got)
	}
	if got := Jaccard("a b c", "C B A"); got != 1 {
		t.Errorf("identical sets = %v, want 1", got)
	}
	if got := Jaccard("a b", "b c"); got < 0.33 || got > 0.34 {
		t.Errorf("partial overlap = %v, want 1/3", got)
	}
}

func TestModerate(t *testing.T) {
	tests := []struct {
		name   string
		conv   []string
		reason models.OutcomeReason
		stop   bool
	}{
		{"empty", nil, "", false},
		{"goodbye", []string{"Counselor: Goodbye, take care."}, models.OutcomeGoodbye, true},
		{"good bye", []string{"a", "Client: ok, Good bye then"}, models.OutcomeGoodbye, true},
		{"repetition", []string{"Client: I do not know", "Counselor: why", "Client: I do not know"}, models.OutcomeRepetition, true},
		{"different", []string{"Client: I do not know", "Counselor: why", "Client: maybe I do"}, "", false},
		{"too short", []string{"Client: same", "Client: same"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, stop := Moderate(tt.conv)
			if reason != tt.reason || stop != tt.stop {
				t.Errorf("Moderate = (%q, %v), want (%q, %v)", reason, stop, tt.reason, tt.stop)
			}
		})
	}
}

func TestInteract_MaxTurns(t *testing.T) {
	c := &scriptedSpeaker{lines: []string{"[State: a] Counselor: one", "[State: b] Counselor: two"}}
	cl := &scriptedSpeaker{lines: []string{"[Action: x] Client: alpha", "[Action: y] Client: beta gamma"}}
	sink := &memorySink{}
	rec := &countingRecorder{}
	d := NewDriver(c, cl, WithSink(sink), WithSessionID("s1"), WithRecorder(rec))

	out, err := d.Interact(context.Background(), 3)
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if out.Reason != models.OutcomeMaxTurns || out.Turns != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Conversation) != 2+6 {
		t.Fatalf("conversation length = %d, want 8", len(out.Conversation))
	}
	if out.Conversation[2] != "Counselor: one" || out.Conversation[3] != "Client: alpha" {
		t.Errorf("unexpected cleaned lines: %q", out.Conversation[2:4])
	}
	if len(sink.lines) != 8 {
		t.Fatalf("sink lines = %d, want 8", len(sink.lines))
	}
	if sink.lines[0].Raw != "Counselor: Hello. How are you?" || sink.lines[1].Speaker != models.SpeakerClient {
		t.Errorf("initial context not written first: %+v", sink.lines[:2])
	}
	if sink.lines[2].Raw != "[State: a] Counselor: one" || sink.lines[2].Index != 2 || sink.lines[2].SessionID != "s1" {
		t.Errorf("unexpected raw line: %+v", sink.lines[2])
	}
	if got := cl.received; len(got) != 3 || got[0] != "Counselor: one" {
		t.Errorf("client received %q", got)
	}
	if got := c.received; len(got) != 3 || got[0] != "Client: alpha" {
		t.Errorf("counselor received %q", got)
	}
	if rec.turns[models.SpeakerCounselor] != 3 || rec.turns[models.SpeakerClient] != 3 {
		t.Errorf("recorded turns %v", rec.turns)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != models.OutcomeMaxTurns {
		t.Errorf("recorded outcomes %v", rec.outcomes)
	}
}

func TestInteract_ClientTerminal(t *testing.T) {
	c := &scriptedSpeaker{lines: []string{"Counselor: what matters to you?"}}
	cl := &scriptedSpeaker{lines: []string{"[Motivation: You are motivated because health] Client: I see it now."}}
	sink := &memorySink{}
	d := NewDriver(c, cl, WithSink(sink))

	out, err := d.Interact(context.Background(), 5)
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if out.Reason != models.OutcomeClientTerminal || out.Turns != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Conversation) != 3 {
		t.Errorf("terminal utterance must not be appended: %q", out.Conversation)
	}
	if len(sink.lines) != 4 || !strings.Contains(sink.lines[3].Raw, "You are motivated because") {
		t.Errorf("terminal line must still reach the transcript: %+v", sink.lines)
	}
	if len(c.received) != 0 {
		t.Errorf("counselor should not receive the terminal utterance: %q", c.received)
	}
}

func TestInteract_GoodbyeFromCounselor(t *testing.T) {
	c := &scriptedSpeaker{lines: []string{"Counselor: goodbye for now"}}
	cl := &scriptedSpeaker{lines: []string{"Client: bye"}}
	out, err := NewDriver(c, cl).Interact(context.Background(), 5)
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if out.Reason != models.OutcomeGoodbye || out.Turns != 1 || cl.spoke != 0 {
		t.Errorf("outcome = %+v, client spoke %d times", out, cl.spoke)
	}
}

func TestInteract_Repetition(t *testing.T) {
	c := &scriptedSpeaker{lines: []string{"Counselor: tell me more"}}
	cl := &scriptedSpeaker{lines: []string{"Client: I really do not know"}}
	out, err := NewDriver(c, cl).Interact(context.Background(), 10)
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if out.Reason != models.OutcomeRepetition || out.Turns != 2 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestInteract_CustomContextAndPhrases(t *testing.T) {
	c := &scriptedSpeaker{lines: []string{"Counselor: ok"}}
	cl := &scriptedSpeaker{lines: []string{"Client: STOP NOW"}}
	d := NewDriver(c, cl, WithInitialContext("Counselor: hi", "Client: hey"), WithTerminalPhrases("STOP NOW"))
	out, err := d.Interact(context.Background(), 3)
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if out.Reason != models.OutcomeClientTerminal || out.Conversation[0] != "Counselor: hi" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestInteract_SpeakerError(t *testing.T) {
	boom := errors.New("boom")
	c := &scriptedSpeaker{err: boom}
	cl := &scriptedSpeaker{lines: []string{"Client: x"}}
	out, err := NewDriver(c, cl).Interact(context.Background(), 3)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped speaker error, got %v", err)
	}
	if out.Turns != 0 || out.Reason != "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestInteract_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &scriptedSpeaker{lines: []string{"Counselor: x"}}
	cl := &scriptedSpeaker{lines: []string{"Client: y"}}
	if _, err := NewDriver(c, cl).Interact(ctx, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
