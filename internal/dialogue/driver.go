// Package dialogue runs the counselor and the client against each other and
// decides when the conversation ends.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/clientsim"
	"github.com/BTreeMap/CounselSim/internal/counselor"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/transcript"
)

// DefaultMaxTurns is the default number of counselor turns per session.
const DefaultMaxTurns = 20

// Speaker is one participant. Speak returns the full transcript line,
// annotations included; Receive takes the other side's cleaned utterance.
type Speaker interface {
	Speak(ctx context.Context) (string, error)
	Receive(utterance string)
}

// Outcome describes how a conversation ended.
type Outcome struct {
	Reason models.OutcomeReason
	// Turns counts counselor turns.
	Turns        int
	Conversation []string
}

// Recorder receives per-turn observations, usually the metrics recorder.
type Recorder interface {
	ObserveTurn(speaker models.Speaker)
	ObserveOutcome(reason models.OutcomeReason)
}

// Driver alternates counselor and client turns.
type Driver struct {
	counselor    Speaker
	client       Speaker
	sink         transcript.Sink
	sessionID    string
	conversation []string
	terminal     []string
	recorder     Recorder
}

// Opts holds configuration for a Driver.
type Opts struct {
	Sink           transcript.Sink
	SessionID      string
	InitialContext []string
	Terminal       []string
	Recorder       Recorder
}

// Option configures a Driver.
type Option func(*Opts)

// WithSink sets the transcript sink.
func WithSink(s transcript.Sink) Option {
	return func(o *Opts) { o.Sink = s }
}

// WithSessionID tags transcript lines with a session id.
func WithSessionID(id string) Option {
	return func(o *Opts) { o.SessionID = id }
}

// WithInitialContext sets the opening lines, counselor first.
func WithInitialContext(lines ...string) Option {
	return func(o *Opts) { o.InitialContext = lines }
}

// WithTerminalPhrases sets the phrases that end the session when they appear
// in a raw client line.
func WithTerminalPhrases(phrases ...string) Option {
	return func(o *Opts) { o.Terminal = phrases }
}

// WithRecorder registers an observer.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// NewDriver creates a Driver. The default opening is the client simulator's
// greeting and its terminal phrases.
func NewDriver(counselorSpeaker, clientSpeaker Speaker, opts ...Option) *Driver {
	cfg := Opts{
		InitialContext: []string{"Counselor: Hello. How are you?", "Client: I am good. What about you?"},
		Terminal:       clientsim.TerminalPhrases,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		counselor:    counselorSpeaker,
		client:       clientSpeaker,
		sink:         cfg.Sink,
		sessionID:    cfg.SessionID,
		conversation: append([]string(nil), cfg.InitialContext...),
		terminal:     cfg.Terminal,
		recorder:     cfg.Recorder,
	}
}

// Conversation returns the cleaned utterances so far.
func (d *Driver) Conversation() []string { return append([]string(nil), d.conversation...) }

// Interact runs up to maxTurns counselor turns, each followed by a client
// turn, and reports why it stopped.
func (d *Driver) Interact(ctx context.Context, maxTurns int) (Outcome, error) {
	for i, line := range d.conversation {
		speaker := models.SpeakerCounselor
		if i%2 == 1 {
			speaker = models.SpeakerClient
		}
		if err := d.write(ctx, i, speaker, line, line); err != nil {
			return Outcome{}, err
		}
	}

	turns := 0
	for turns < maxTurns {
		if err := ctx.Err(); err != nil {
			return d.outcome("", turns), err
		}

		raw, err := d.counselor.Speak(ctx)
		if err != nil {
			return d.outcome("", turns), fmt.Errorf("counselor turn %d: %w", turns+1, err)
		}
		turns++
		clean, err := d.append(ctx, models.SpeakerCounselor, raw)
		if err != nil {
			return d.outcome("", turns), err
		}
		d.client.Receive(clean)
		if reason, stop := Moderate(d.conversation); stop {
			return d.finish(reason, turns), nil
		}

		raw, err = d.client.Speak(ctx)
		if err != nil {
			return d.outcome("", turns), fmt.Errorf("client turn %d: %w", turns, err)
		}
		raw = strings.ReplaceAll(raw, "\n", " ")
		if d.isTerminal(raw) {
			if err := d.write(ctx, len(d.conversation), models.SpeakerClient, raw, StripAnnotations(raw)); err != nil {
				return d.outcome("", turns), err
			}
			d.observe(models.SpeakerClient)
			return d.finish(models.OutcomeClientTerminal, turns), nil
		}
		clean, err = d.append(ctx, models.SpeakerClient, raw)
		if err != nil {
			return d.outcome("", turns), err
		}
		d.counselor.Receive(clean)
		if reason, stop := Moderate(d.conversation); stop {
			return d.finish(reason, turns), nil
		}
	}
	return d.finish(models.OutcomeMaxTurns, turns), nil
}

// append writes raw to the transcript and adds its cleaned form to the conversation.
func (d *Driver) append(ctx context.Context, speaker models.Speaker, raw string) (string, error) {
	raw = strings.ReplaceAll(raw, "\n", " ")
	clean := StripAnnotations(raw)
	if err := d.write(ctx, len(d.conversation), speaker, raw, clean); err != nil {
		return "", err
	}
	d.conversation = append(d.conversation, clean)
	d.observe(speaker)
	return clean, nil
}

func (d *Driver) write(ctx context.Context, index int, speaker models.Speaker, raw, clean string) error {
	if d.sink == nil {
		return nil
	}
	if err := d.sink.Write(ctx, transcript.Line{SessionID: d.sessionID, Index: index, Speaker: speaker, Raw: raw, Text: clean}); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

func (d *Driver) isTerminal(raw string) bool {
	for _, p := range d.terminal {
		if p != "" && strings.Contains(raw, p) {
			return true
		}
	}
	return false
}

func (d *Driver) observe(speaker models.Speaker) {
	if d.recorder != nil {
		d.recorder.ObserveTurn(speaker)
	}
}

func (d *Driver) outcome(reason models.OutcomeReason, turns int) Outcome {
	return Outcome{Reason: reason, Turns: turns, Conversation: d.Conversation()}
}

func (d *Driver) finish(reason models.OutcomeReason, turns int) Outcome {
	slog.Info("Driver.Interact: conversation ended", "sessionID", d.sessionID, "reason", reason, "turns", turns)
	if d.recorder != nil {
		d.recorder.ObserveOutcome(reason)
	}
	return d.outcome(reason, turns)
}

// CounselorSpeaker adapts a Counselor to Speaker.
func CounselorSpeaker(c *counselor.Counselor) Speaker { return counselorSpeaker{c} }

type counselorSpeaker struct{ c *counselor.Counselor }

func (s counselorSpeaker) Speak(ctx context.Context) (string, error) {
	t, err := s.c.Reply(ctx)
	if err != nil {
		return "", err
	}
	return t.Line(), nil
}

func (s counselorSpeaker) Receive(utterance string) { s.c.Receive(utterance) }

// ClientSpeaker adapts a simulated Client to Speaker.
func ClientSpeaker(c *clientsim.Client) Speaker { return clientSpeaker{c} }

type clientSpeaker struct{ c *clientsim.Client }

func (s clientSpeaker) Speak(ctx context.Context) (string, error) {
	r, err := s.c.Reply(ctx)
	if err != nil {
		return "", err
	}
	return r.Line(), nil
}

func (s clientSpeaker) Receive(utterance string) { s.c.Receive(utterance) }
