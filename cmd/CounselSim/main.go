package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/CounselSim/internal/dialogue"
	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/lockfile"
	"github.com/BTreeMap/CounselSim/internal/metrics"
	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/recovery"
	"github.com/BTreeMap/CounselSim/internal/session"
	"github.com/BTreeMap/CounselSim/internal/store"
	"github.com/BTreeMap/CounselSim/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CounselSim state data
	DefaultStateDir = "./counselsim-state"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "counselsim.db"
	// DefaultTranscriptDir is the transcript directory inside the state directory
	DefaultTranscriptDir = "transcripts"
)

func main() {
	initializeLogger(os.Getenv("COUNSELSIM_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, os.Stdout); err != nil {
		slog.Error("CounselSim failed", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("CounselSim exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	OpenAIKey   string
	BaseURL     string
	Model       string
	Context     string
	Profiles    string
	TopicDir    string
	MetricsFile string
	MaxTurns    int
	Parallel    bool
	LLMRanker   bool
	RPS         float64
}

// Flags holds command line flag values
type Flags struct {
	stateDir    string
	dbDSN       string
	openaiKey   string
	baseURL     string
	model       string
	context     string
	profiles    string
	index       int
	maxTurns    int
	parallel    bool
	llmRanker   bool
	rps         float64
	topicDir    string
	metricsFile string
	stdout      bool
	seed        uint64
}

// initializeLogger sets up structured logging on stderr; stdout is reserved for transcripts.
func initializeLogger(level string) {
	lvl := slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    util.StringEnv("COUNSELSIM_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		BaseURL:     os.Getenv("OPENAI_BASE_URL"),
		Model:       util.StringEnv("COUNSELSIM_MODEL", genai.DefaultModel),
		Context:     util.StringEnv("COUNSELSIM_CONTEXT", session.DefaultContext),
		Profiles:    os.Getenv("COUNSELSIM_PROFILES"),
		TopicDir:    os.Getenv("COUNSELSIM_TOPIC_DIR"),
		MetricsFile: os.Getenv("COUNSELSIM_METRICS_FILE"),
		MaxTurns:    util.ParseIntEnv("COUNSELSIM_MAX_TURNS", dialogue.DefaultMaxTurns),
		Parallel:    util.ParseBoolEnv("COUNSELSIM_PARALLEL_CANDIDATES", false),
		LLMRanker:   util.ParseBoolEnv("COUNSELSIM_LLM_RANKER", false),
		RPS:         util.ParseFloatEnv("COUNSELSIM_RPS", 0),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"COUNSELSIM_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_BASE_URL", config.BaseURL,
		"COUNSELSIM_MODEL", config.Model,
		"COUNSELSIM_CONTEXT", config.Context,
		"COUNSELSIM_MAX_TURNS", config.MaxTurns,
		"COUNSELSIM_PARALLEL_CANDIDATES", config.Parallel,
		"COUNSELSIM_RPS", config.RPS)
	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for the database, transcripts and lock (overrides $COUNSELSIM_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.baseURL, "openai-base-url", config.BaseURL, "OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)")
	fs.StringVar(&f.model, "model", config.Model, "chat model (overrides $COUNSELSIM_MODEL)")
	fs.StringVar(&f.context, "context", config.Context, "counselor context profile (overrides $COUNSELSIM_CONTEXT)")
	fs.StringVar(&f.profiles, "profiles", config.Profiles, "client personas, .jsonl or .yaml (overrides $COUNSELSIM_PROFILES)")
	fs.IntVar(&f.index, "index", -1, "simulate only the persona at this index; -1 simulates all")
	fs.IntVar(&f.maxTurns, "max-turns", config.MaxTurns, "counselor turns per session (overrides $COUNSELSIM_MAX_TURNS)")
	fs.BoolVar(&f.parallel, "parallel", config.Parallel, "generate strategy candidates concurrently (overrides $COUNSELSIM_PARALLEL_CANDIDATES)")
	fs.BoolVar(&f.llmRanker, "llm-ranker", config.LLMRanker, "rank client topics with the chat model (overrides $COUNSELSIM_LLM_RANKER)")
	fs.Float64Var(&f.rps, "rps", config.RPS, "completion requests per second, 0 for unpaced (overrides $COUNSELSIM_RPS)")
	fs.StringVar(&f.topicDir, "topic-dir", config.TopicDir, "directory of per-topic passage files (overrides $COUNSELSIM_TOPIC_DIR)")
	fs.StringVar(&f.metricsFile, "metrics-file", config.MetricsFile, "Prometheus textfile to write after each session (overrides $COUNSELSIM_METRICS_FILE)")
	fs.BoolVar(&f.stdout, "stdout", false, "also print annotated transcripts to stdout")
	fs.Uint64Var(&f.seed, "seed", 0, "random seed; 0 picks one per session")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a -state-dir override when the DSN is still the default SQLite path.
	if f.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && f.stateDir != config.StateDir {
		f.dbDSN = filepath.Join(f.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", f.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", f.stateDir,
		"dbDSN_set", f.dbDSN != "",
		"context", f.context,
		"profiles", f.profiles,
		"index", f.index,
		"maxTurns", f.maxTurns,
		"parallel", f.parallel,
		"seed", f.seed)
	return f, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
}

// openStore opens the backend selected by buildStoreOptions.
func openStore(flags Flags) (store.Store, error) {
	opts := buildStoreOptions(flags)
	switch {
	case len(opts) == 0:
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(flags.dbDSN) == "postgres":
		return store.NewPostgresStore(opts...)
	default:
		return store.NewSQLiteStore(opts...)
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.baseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(flags.baseURL))
	}
	if flags.rps > 0 {
		genaiOpts = append(genaiOpts, genai.WithRateLimit(flags.rps))
	}
	return genaiOpts
}

// buildSessionOptions constructs the options shared by every session of the run.
func buildSessionOptions(flags Flags, st store.Store, rec *metrics.Recorder, stdout io.Writer) []session.Option {
	opts := []session.Option{
		session.WithGenAIOptions(buildGenAIOptions(flags)...),
		session.WithModel(flags.model),
		session.WithStore(st),
		session.WithContext(flags.context),
		session.WithMaxTurns(flags.maxTurns),
		session.WithParallelCandidates(flags.parallel),
		session.WithLLMRanker(flags.llmRanker),
		session.WithTopicPassageDir(flags.topicDir),
		session.WithTranscriptDir(filepath.Join(flags.stateDir, DefaultTranscriptDir)),
		session.WithRecorder(rec),
	}
	if flags.metricsFile != "" {
		opts = append(opts, session.WithMetricsFile(flags.metricsFile))
	}
	if flags.stdout {
		opts = append(opts, session.WithTranscriptWriter(stdout))
	}
	return opts
}

// selectProfiles returns the personas to simulate.
func selectProfiles(profiles []models.ClientProfile, index int) ([]models.ClientProfile, error) {
	if index < 0 {
		return profiles, nil
	}
	if index >= len(profiles) {
		return nil, fmt.Errorf("profile index %d out of range (%d profiles)", index, len(profiles))
	}
	return profiles[index : index+1], nil
}

// run simulates every selected persona in turn under the state directory lock.
func run(ctx context.Context, flags Flags, stdout io.Writer) error {
	if strings.TrimSpace(flags.profiles) == "" {
		return errors.New("no client profiles given; set -profiles or $COUNSELSIM_PROFILES")
	}
	profiles, err := models.LoadClientProfiles(flags.profiles)
	if err != nil {
		return err
	}
	selected, err := selectProfiles(profiles, flags.index)
	if err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	owner, err := filepath.Abs(flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	rm := recovery.NewManager(st)
	rm.Register(recovery.SessionRecoverer{Owner: owner})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery incomplete, continuing", "error", err)
	}

	rec := metrics.NewRecorder()
	base := append(buildSessionOptions(flags, st, rec, stdout), session.WithOwner(owner))
	slog.Info("Bootstrapping CounselSim", "profiles", len(selected), "context", flags.context, "model", flags.model)

	var failed int
	for i := range selected {
		opts := append(append([]session.Option(nil), base...), session.WithClientProfile(&selected[i]))
		if flags.seed != 0 {
			opts = append(opts, session.WithSeed(flags.seed+uint64(i)))
		}
		res, err := session.Run(ctx, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			slog.Error("Session failed", "profile", i, "goal", selected[i].Goal, "sessionID", res.SessionID, "error", err)
			continue
		}
		slog.Info("Session complete", "profile", i, "sessionID", res.SessionID, "outcome", res.Outcome.Reason,
			"turns", res.Outcome.Turns, "transcript", res.TranscriptPath)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(selected))
	}
	return nil
}
