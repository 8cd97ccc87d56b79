package counselor

import (
	"errors"
	"strings"
)

const (
	counselorPrefix = "Counselor: "
	clientPrefix    = "Client: "
)

// ErrEmptyResponse is returned when no generation produced any spoken text.
var ErrEmptyResponse = errors.New("counselor response is empty")

// NormalizeResponse flattens a generated utterance onto one line, strips
// markdown emphasis and headings, enforces the counselor prefix and drops
// anything after a leaked client turn.
func NormalizeResponse(text string) string {
	s := strings.Join(strings.Split(text, "\n"), " ")
	s = strings.NewReplacer("*", "", "#", "").Replace(s)
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, counselorPrefix) {
		s = counselorPrefix + strings.TrimSpace(strings.TrimPrefix(s, "Counselor:"))
	}
	if i := strings.Index(s, clientPrefix); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// IsEmptyResponse reports whether a normalized response has nothing after the prefix.
func IsEmptyResponse(s string) bool {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "Counselor:")) == ""
}
