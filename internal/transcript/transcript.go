// Package transcript writes dialogue lines to files, stdout and the store.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/BTreeMap/CounselSim/internal/store"
)

// Line is one transcript entry. Raw is the line as produced, annotations
// included; Text is what the other participant sees.
type Line struct {
	SessionID string
	Index     int
	Speaker   models.Speaker
	Raw       string
	Text      string
}

// Annotation returns the part of Raw preceding Text.
func (l Line) Annotation() string {
	if l.Raw == l.Text || !strings.HasSuffix(l.Raw, l.Text) {
		return ""
	}
	return strings.TrimSpace(l.Raw[:len(l.Raw)-len(l.Text)])
}

// Sink receives transcript lines in order.
type Sink interface {
	Write(ctx context.Context, l Line) error
	Close() error
}

// WriterSink writes one raw line per utterance.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriterSink writes to w. Close does not close w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// NewFileSink creates path, and its parent directories, for writing.
func NewFileSink(path string) (*WriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}
	return &WriterSink{w: f, closer: f}, nil
}

func (s *WriterSink) Write(ctx context.Context, l Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, l.Raw+"\n"); err != nil {
		return fmt.Errorf("failed to write transcript line %d: %w", l.Index, err)
	}
	return nil
}

func (s *WriterSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// StoreSink persists lines as utterances of a session.
type StoreSink struct {
	store store.Store
	now   func() time.Time
}

// NewStoreSink persists into st.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{store: st, now: time.Now}
}

func (s *StoreSink) Write(ctx context.Context, l Line) error {
	return s.store.AppendUtterance(ctx, models.Utterance{
		SessionID:  l.SessionID,
		Index:      l.Index,
		Speaker:    l.Speaker,
		Text:       l.Text,
		Annotation: l.Annotation(),
		CreatedAt:  s.now(),
	})
}

// Close leaves the store open; its owner closes it.
func (s *StoreSink) Close() error { return nil }

// MultiSink fans lines out to several sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, l Line) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
