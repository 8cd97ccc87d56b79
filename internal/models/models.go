// Package models defines the core data structures for CounselSim.
//
// It includes the simulated client persona, the transcript utterances and the
// session record shared by the dialogue driver, the transcript sinks and the store.
package models

import (
	"errors"
	"strings"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerCounselor Speaker = "counselor"
	SpeakerClient    Speaker = "client"
)

// Prefix returns the transcript label of the speaker, including the trailing space.
func (s Speaker) Prefix() string {
	switch s {
	case SpeakerCounselor:
		return "Counselor: "
	case SpeakerClient:
		return "Client: "
	default:
		return ""
	}
}

// OutcomeReason explains why a dialogue stopped.
type OutcomeReason string

const (
	// OutcomeMaxTurns means the turn cap was reached.
	OutcomeMaxTurns OutcomeReason = "max_turns"
	// OutcomeGoodbye means a participant said goodbye.
	OutcomeGoodbye OutcomeReason = "goodbye"
	// OutcomeRepetition means the latest utterance nearly repeated an earlier one.
	OutcomeRepetition OutcomeReason = "repetition"
	// OutcomeClientTerminal means the client reached motivation or asked to stop.
	OutcomeClientTerminal OutcomeReason = "client_terminal"
	// OutcomeAborted marks a session left unfinished by an earlier run.
	OutcomeAborted OutcomeReason = "aborted"
)

// IsValidOutcome checks if the given reason is a known outcome.
func IsValidOutcome(r OutcomeReason) bool {
	switch r {
	case OutcomeMaxTurns, OutcomeGoodbye, OutcomeRepetition, OutcomeClientTerminal, OutcomeAborted:
		return true
	default:
		return false
	}
}

// Error variables for better error handling and testability
var (
	ErrEmptySessionID   = errors.New("session id cannot be empty")
	ErrInvalidSpeaker   = errors.New("invalid speaker")
	ErrEmptyUtterance   = errors.New("utterance text cannot be empty")
	ErrInvalidOutcome   = errors.New("invalid outcome reason")
	ErrEmptyGoal        = errors.New("client goal (topic) is required")
	ErrEmptyBehavior    = errors.New("client behavior is required")
	ErrMissingStates    = errors.New("client states are required")
	ErrShortMotivation  = errors.New("motivation needs three engaged topics and a motivation statement")
	ErrInvalidInitState = errors.New("client initial state is not a known stage")
)

// Utterance is one transcript line. Annotation holds the bracketed diagnostic
// metadata that precedes the spoken text, if any.
type Utterance struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Annotation string    `json:"annotation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Line renders the utterance as it appears in a transcript.
func (u Utterance) Line() string {
	if u.Annotation == "" {
		return u.Text
	}
	return u.Annotation + " " + u.Text
}

var annotationEscaper = strings.NewReplacer("[", "(", "]", ")", "\r", " ", "\n", " ")

// EscapeAnnotation rewrites free text so it can sit inside a bracketed
// annotation without unbalancing it.
func EscapeAnnotation(s string) string { return annotationEscaper.Replace(s) }

// Validate ensures the utterance can be persisted.
func (u Utterance) Validate() error {
	if u.SessionID == "" {
		return ErrEmptySessionID
	}
	if u.Speaker != SpeakerCounselor && u.Speaker != SpeakerClient {
		return ErrInvalidSpeaker
	}
	if u.Text == "" {
		return ErrEmptyUtterance
	}
	return nil
}

// Session is the record of one simulated counseling conversation.
type Session struct {
	ID         string        `json:"id"`
	Context    string        `json:"context"`
	Goal       string        `json:"goal"`
	Behavior   string        `json:"behavior"`
	Model      string        `json:"model"`
	// Owner identifies the run that created the session, usually its state directory.
	Owner      string        `json:"owner,omitempty"`
	MaxTurns   int           `json:"max_turns"`
	Turns      int           `json:"turns"`
	Outcome    OutcomeReason `json:"outcome,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Finished reports whether the session has an outcome.
func (s Session) Finished() bool { return s.FinishedAt != nil }

// Validate ensures the session can be created.
func (s Session) Validate() error {
	if s.ID == "" {
		return ErrEmptySessionID
	}
	if s.Outcome != "" && !IsValidOutcome(s.Outcome) {
		return ErrInvalidOutcome
	}
	return nil
}
