// Package session wires one simulated counseling session end to end: store,
// completion service, counselor, simulated client, transcript and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/BTreeMap/CounselSim/internal/clientsim"
	"github.com/BTreeMap/CounselSim/internal/counselor"
	"github.com/BTreeMap/CounselSim/internal/dialogue"
	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/metrics"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/profile"
	"github.com/BTreeMap/CounselSim/internal/ranker"
	"github.com/BTreeMap/CounselSim/internal/store"
	"github.com/BTreeMap/CounselSim/internal/topic"
	"github.com/BTreeMap/CounselSim/internal/transcript"
	"github.com/google/uuid"
)

// DefaultContext is the profile used when none is configured.
const DefaultContext = "cami"

// ErrNoClientProfile is returned when Run is called without a client persona.
var ErrNoClientProfile = errors.New("no client profile configured")

// Opts holds configuration for a session run.
type Opts struct {
	LLM          genai.ClientInterface
	GenAIOptions []genai.Option
	Model        string

	Store store.Store
	DSN   string
	Owner string

	Context  string
	Client   *models.ClientProfile
	MaxTurns int
	Parallel bool

	TopicPassageDir string
	LLMRanker       bool

	TranscriptDir    string
	TranscriptWriter io.Writer

	Recorder    *metrics.Recorder
	MetricsFile string
	Seed        *uint64
}

// Option configures a session run.
type Option func(*Opts)

// WithLLM injects the completion service; otherwise one is built from the genai options.
func WithLLM(llm genai.ClientInterface) Option {
	return func(o *Opts) { o.LLM = llm }
}

// WithGenAIOptions passes options to the completion service constructor.
func WithGenAIOptions(opts ...genai.Option) Option {
	return func(o *Opts) { o.GenAIOptions = append(o.GenAIOptions, opts...) }
}

// WithModel sets the chat model and records it on the session.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithStore uses an already open store. Run does not close it.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithDSN opens a store for the run; empty keeps sessions in memory.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithContext selects the counselor context profile by key.
func WithContext(key string) Option {
	return func(o *Opts) { o.Context = key }
}

// WithClientProfile sets the simulated client persona.
func WithClientProfile(p *models.ClientProfile) Option {
	return func(o *Opts) { o.Client = p }
}

// WithMaxTurns caps the number of counselor turns.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.MaxTurns = n }
}

// WithParallelCandidates generates per-strategy candidates concurrently.
func WithParallelCandidates(enabled bool) Option {
	return func(o *Opts) { o.Parallel = enabled }
}

// WithTopicPassageDir adds per-topic passage files to the client's topic ranker.
func WithTopicPassageDir(dir string) Option {
	return func(o *Opts) { o.TopicPassageDir = dir }
}

// WithLLMRanker ranks topics with the completion service, falling back to the lexical order.
func WithLLMRanker(enabled bool) Option {
	return func(o *Opts) { o.LLMRanker = enabled }
}

// WithTranscriptDir writes the annotated transcript to <dir>/<session id>.txt.
func WithTranscriptDir(dir string) Option {
	return func(o *Opts) { o.TranscriptDir = dir }
}

// WithTranscriptWriter also writes the annotated transcript to w.
func WithTranscriptWriter(w io.Writer) Option {
	return func(o *Opts) { o.TranscriptWriter = w }
}

// WithRecorder shares a metrics recorder across runs.
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithMetricsFile exports metrics to path after the run.
func WithMetricsFile(path string) Option {
	return func(o *Opts) { o.MetricsFile = path }
}

// WithOwner tags the stored session with the run that created it.
func WithOwner(owner string) Option {
	return func(o *Opts) { o.Owner = owner }
}

// WithSeed makes random choices reproducible.
func WithSeed(seed uint64) Option {
	return func(o *Opts) { o.Seed = &seed }
}

// Result summarizes a finished run.
type Result struct {
	SessionID      string
	Outcome        dialogue.Outcome
	TranscriptPath string
}

// Run simulates one session and records it in the store.
func Run(ctx context.Context, opts ...Option) (Result, error) {
	cfg := Opts{Context: DefaultContext, MaxTurns: dialogue.DefaultMaxTurns}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		return Result{}, ErrNoClientProfile
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NewRecorder()
	}

	p, err := profile.Get(cfg.Context)
	if err != nil {
		return Result{}, err
	}

	st := cfg.Store
	if st == nil {
		if st, err = store.Open(cfg.DSN); err != nil {
			return Result{}, fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()
	}

	llm := cfg.LLM
	if llm == nil {
		gopts := append([]genai.Option{genai.WithObserver(cfg.Recorder)}, cfg.GenAIOptions...)
		if cfg.Model != "" {
			gopts = append(gopts, genai.WithModel(cfg.Model))
		}
		if llm, err = genai.NewClient(gopts...); err != nil {
			return Result{}, fmt.Errorf("failed to create completion client: %w", err)
		}
	}

	seed := rand.Uint64()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	hier := topic.DefaultHierarchy()
	graph := topic.DefaultGraph()
	topics := graph.Nodes()
	passages, err := ranker.BuildPassages(hier, topics, cfg.TopicPassageDir)
	if err != nil {
		return Result{}, err
	}
	var rk ranker.Ranker = ranker.NewLexicalRanker(passages)
	if cfg.LLMRanker {
		rk = ranker.NewCompletionRanker(llm, rk)
	}

	cp := cfg.Client
	couns, err := counselor.New(llm, p,
		counselor.WithGoal(cp.Goal),
		counselor.WithBehavior(cp.Behavior),
		counselor.WithHierarchy(hier),
		counselor.WithParallelCandidates(cfg.Parallel),
		counselor.WithRand(rng),
		counselor.WithRecorder(cfg.Recorder),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create counselor: %w", err)
	}
	client, err := clientsim.New(llm, rk, cp,
		clientsim.WithGraph(graph),
		clientsim.WithTopics(topics),
		clientsim.WithRand(rng),
		clientsim.WithRecorder(cfg.Recorder),
		clientsim.WithGreeting(p.Greeting.Counselor, p.Greeting.Client),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create client: %w", err)
	}

	sess := models.Session{
		ID:        uuid.NewString(),
		Context:   p.Key,
		Goal:      cp.Goal,
		Behavior:  cp.Behavior,
		Model:     cfg.Model,
		Owner:     cfg.Owner,
		MaxTurns:  cfg.MaxTurns,
		StartedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	res := Result{SessionID: sess.ID}

	sinks := transcript.MultiSink{transcript.NewStoreSink(st)}
	if cfg.TranscriptDir != "" {
		res.TranscriptPath = filepath.Join(cfg.TranscriptDir, sess.ID+".txt")
		fs, err := transcript.NewFileSink(res.TranscriptPath)
		if err != nil {
			return res, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.TranscriptWriter != nil {
		sinks = append(sinks, transcript.NewWriterSink(cfg.TranscriptWriter))
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.Warn("session.Run: failed to close transcript sinks", "sessionID", sess.ID, "error", err)
		}
	}()

	slog.Info("session.Run: starting", "sessionID", sess.ID, "context", p.Key, "goal", cp.Goal,
		"clientState", cp.InitialState(), "maxTurns", cfg.MaxTurns)
	driver := dialogue.NewDriver(dialogue.CounselorSpeaker(couns), dialogue.ClientSpeaker(client),
		dialogue.WithSink(sinks),
		dialogue.WithSessionID(sess.ID),
		dialogue.WithInitialContext(p.Greeting.Counselor, p.Greeting.Client),
		dialogue.WithTerminalPhrases(clientsim.TerminalPhrases...),
		dialogue.WithRecorder(cfg.Recorder),
	)
	out, err := driver.Interact(ctx, cfg.MaxTurns)
	res.Outcome = out
	if err != nil {
		slog.Error("session.Run: dialogue aborted", "sessionID", sess.ID, "turns", out.Turns, "error", err)
		return res, fmt.Errorf("session %s: %w", sess.ID, err)
	}

	if err := st.FinishSession(ctx, sess.ID, out.Reason, out.Turns, time.Now().UTC()); err != nil {
		return res, fmt.Errorf("failed to finish session: %w", err)
	}
	if cfg.MetricsFile != "" {
		if err := cfg.Recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			return res, err
		}
	}
	slog.Info("session.Run: finished", "sessionID", sess.ID, "outcome", out.Reason, "turns", out.Turns)
	return res, nil
}
