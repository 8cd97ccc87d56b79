package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// DecodeStructured parses a JSON completion into T and validates its struct tags.
// Any failure is reported as ErrSchema; the payload is never evaluated as code.
func DecodeStructured[T any](raw string) (T, error) {
	var out T
	payload := stripCodeFence(raw)
	if payload == "" {
		return out, fmt.Errorf("%w: empty payload", ErrSchema)
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := structValidator().Struct(out); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); !ok {
			return out, fmt.Errorf("%w: %v", ErrSchema, err)
		}
	}
	return out, nil
}

// CompleteStructured runs a JSON-mode completion and decodes it into T.
// Transport failures pass through unchanged; decode failures wrap ErrSchema.
func CompleteStructured[T any](ctx context.Context, c ClientInterface, messages []Message, opts Options) (T, error) {
	opts.JSON = true
	raw, err := c.Complete(ctx, messages, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeStructured[T](raw)
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// LabelSet is a closed set of labels valid for the active context profile.
// One LabelSet type serves every structured call that must return labels.
type LabelSet struct {
	order []string
	index map[string]struct{}
}

// NewLabelSet builds a set preserving the given order.
func NewLabelSet(labels ...string) LabelSet {
	ls := LabelSet{index: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		if _, dup := ls.index[l]; dup {
			continue
		}
		ls.index[l] = struct{}{}
		ls.order = append(ls.order, l)
	}
	return ls
}

// Contains reports whether label is in the set.
func (ls LabelSet) Contains(label string) bool {
	_, ok := ls.index[label]
	return ok
}

// Labels returns the labels in their declared order.
func (ls LabelSet) Labels() []string {
	out := make([]string, len(ls.order))
	copy(out, ls.order)
	return out
}

// Len returns the number of labels.
func (ls LabelSet) Len() int { return len(ls.order) }

// Filter keeps the members of candidates, in candidate order, dropping duplicates.
func (ls LabelSet) Filter(candidates []string) []string {
	var out []string
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if ls.Contains(c) && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Match returns label if it is a member, otherwise fallback.
func (ls LabelSet) Match(label, fallback string) string {
	label = strings.TrimSpace(label)
	if ls.Contains(label) {
		return label
	}
	return fallback
}
