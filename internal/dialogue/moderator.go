package dialogue

import (
	"strings"

	"github.com/BTreeMap/CounselSim/internal/models"
)

// RepetitionThreshold is the word-set Jaccard similarity above which the latest
// utterance counts as repeating the one two turns earlier.
const RepetitionThreshold = 0.9

// Moderate reports whether the conversation should stop after its latest
// utterance, and why.
func Moderate(conversation []string) (models.OutcomeReason, bool) {
	if len(conversation) == 0 {
		return "", false
	}
	last := strings.ToLower(conversation[len(conversation)-1])
	if strings.Contains(last, "goodbye") || strings.Contains(last, "good bye") {
		return models.OutcomeGoodbye, true
	}
	if len(conversation) >= 3 && Jaccard(last, conversation[len(conversation)-3]) > RepetitionThreshold {
		return models.OutcomeRepetition, true
	}
	return "", false
}

// Jaccard returns the Jaccard similarity of the lowercase word sets of a and b.
// Two empty utterances have similarity 0.
func Jaccard(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(wa)+len(wb)-inter)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

// StripAnnotations removes every balanced bracketed span, nested spans
// included. An unclosed '[' is kept as text.
func StripAnnotations(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '[' {
			if end := closingBracket(s, i); end >= 0 {
				i = end + 1
				continue
			}
		}
		sb.WriteByte(s[i])
		i++
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func closingBracket(s string, open int) int {
	depth := 0
	for j := open; j < len(s); j++ {
		switch s[j] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}
