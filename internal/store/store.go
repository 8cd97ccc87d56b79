// Package store provides storage backends for CounselSim sessions and transcripts.
//
// It includes an in-memory store and persistent SQLite and PostgreSQL stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CounselSim/internal/models"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and their utterances.
type Store interface {
	CreateSession(ctx context.Context, s models.Session) error
	AppendUtterance(ctx context.Context, u models.Utterance) error
	FinishSession(ctx context.Context, id string, outcome models.OutcomeReason, turns int, finishedAt time.Time) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListUtterances(ctx context.Context, sessionID string) ([]models.Utterance, error)
	// ListUnfinishedSessions returns the owner's sessions without an outcome, oldest first.
	ListUnfinishedSessions(ctx context.Context, owner string) ([]models.Session, error)
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open returns the backend matching dsn, or an InMemoryStore when dsn is empty.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps sessions in memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	utterances map[string][]models.Utterance
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   make(map[string]models.Session),
		utterances: make(map[string][]models.Utterance),
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) AppendUtterance(ctx context.Context, u models.Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[u.SessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, u.SessionID)
	}
	s.utterances[u.SessionID] = append(s.utterances[u.SessionID], u)
	return nil
}

func (s *InMemoryStore) FinishSession(ctx context.Context, id string, outcome models.OutcomeReason, turns int, finishedAt time.Time) error {
	if !models.IsValidOutcome(outcome) {
		return models.ErrInvalidOutcome
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Outcome = outcome
	sess.Turns = turns
	sess.FinishedAt = &finishedAt
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return &sess, nil
}

func (s *InMemoryStore) ListUtterances(ctx context.Context, sessionID string) ([]models.Utterance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.Utterance(nil), s.utterances[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *InMemoryStore) ListUnfinishedSessions(ctx context.Context, owner string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if !sess.Finished() && sess.Owner == owner {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
