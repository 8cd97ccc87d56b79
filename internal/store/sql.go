package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CounselSim/internal/models"
)

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions (id, context, goal, behavior, model, owner, max_turns, turns, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.Context, sess.Goal, sess.Behavior, sess.Model, sess.Owner, sess.MaxTurns, sess.Turns,
		nilIfEmpty(string(sess.Outcome)), sess.StartedAt.UTC())
	if err != nil {
		slog.Error(s.name+".CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", sess.ID, "context", sess.Context)
	return nil
}

func (s *sqlStore) AppendUtterance(ctx context.Context, u models.Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO utterances (session_id, idx, speaker, text, annotation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.SessionID, u.Index, string(u.Speaker), u.Text, nilIfEmpty(u.Annotation), created.UTC())
	if err != nil {
		slog.Error(s.name+".AppendUtterance failed", "error", err, "sessionID", u.SessionID, "index", u.Index)
		return fmt.Errorf("failed to insert utterance %d of session %s: %w", u.Index, u.SessionID, err)
	}
	return nil
}

func (s *sqlStore) FinishSession(ctx context.Context, id string, outcome models.OutcomeReason, turns int, finishedAt time.Time) error {
	if !models.IsValidOutcome(outcome) {
		return models.ErrInvalidOutcome
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sessions SET outcome = ?, turns = ?, finished_at = ? WHERE id = ?`),
		string(outcome), turns, finishedAt.UTC(), id)
	if err != nil {
		slog.Error(s.name+".FinishSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	slog.Debug(s.name+".FinishSession succeeded", "sessionID", id, "outcome", outcome, "turns", turns)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess     models.Session
		outcome  sql.NullString
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, context, goal, behavior, model, owner, max_turns, turns, outcome, started_at, finished_at
		FROM sessions WHERE id = ?`), id).Scan(
		&sess.ID, &sess.Context, &sess.Goal, &sess.Behavior, &sess.Model, &sess.Owner, &sess.MaxTurns, &sess.Turns,
		&outcome, &sess.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	sess.Outcome = models.OutcomeReason(outcome.String)
	if finished.Valid {
		sess.FinishedAt = &finished.Time
	}
	return &sess, nil
}

func (s *sqlStore) ListUtterances(ctx context.Context, sessionID string) ([]models.Utterance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT session_id, idx, speaker, text, annotation, created_at
		FROM utterances WHERE session_id = ? ORDER BY idx`), sessionID)
	if err != nil {
		slog.Error(s.name+".ListUtterances query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query utterances: %w", err)
	}
	defer rows.Close()

	var out []models.Utterance
	for rows.Next() {
		var (
			u          models.Utterance
			speaker    string
			annotation sql.NullString
		)
		if err := rows.Scan(&u.SessionID, &u.Index, &speaker, &u.Text, &annotation, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan utterance row: %w", err)
		}
		u.Speaker = models.Speaker(speaker)
		u.Annotation = annotation.String
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate utterance rows: %w", err)
	}
	slog.Debug(s.name+".ListUtterances succeeded", "sessionID", sessionID, "count", len(out))
	return out, nil
}

func (s *sqlStore) ListUnfinishedSessions(ctx context.Context, owner string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, context, goal, behavior, model, owner, max_turns, turns, started_at
		FROM sessions WHERE finished_at IS NULL AND owner = ? ORDER BY started_at`), owner)
	if err != nil {
		slog.Error(s.name+".ListUnfinishedSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query unfinished sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.Context, &sess.Goal, &sess.Behavior, &sess.Model, &sess.Owner,
			&sess.MaxTurns, &sess.Turns, &sess.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
	}
	return err
}
