package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CounselSim/internal/models"
)

// SessionRecoverer closes sessions that an interrupted run left without an
// outcome. They are marked aborted with the number of counselor turns that
// reached the store. Only sessions created by Owner are touched, so runs with
// other state directories may share the database.
type SessionRecoverer struct {
	Owner string
}

// RecoverState implements Recoverable.
func (r SessionRecoverer) RecoverState(ctx context.Context, registry *Registry) error {
	st := registry.Store()
	open, err := st.ListUnfinishedSessions(ctx, r.Owner)
	if err != nil {
		return err
	}
	for _, sess := range open {
		utts, err := st.ListUtterances(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("failed to list utterances of session %s: %w", sess.ID, err)
		}
		turns := counselorTurns(utts)
		if err := st.FinishSession(ctx, sess.ID, models.OutcomeAborted, turns, registry.Now()); err != nil {
			return fmt.Errorf("failed to close session %s: %w", sess.ID, err)
		}
		slog.Warn("SessionRecoverer.RecoverState: closed interrupted session", "sessionID", sess.ID,
			"startedAt", sess.StartedAt, "turns", turns, "utterances", len(utts))
	}
	return nil
}

// counselorTurns counts counselor utterances after the two opening lines.
func counselorTurns(utts []models.Utterance) int {
	n := 0
	for _, u := range utts {
		if u.Index >= 2 && u.Speaker == models.SpeakerCounselor {
			n++
		}
	}
	return n
}
