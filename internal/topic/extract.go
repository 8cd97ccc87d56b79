package topic

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

var boldSpan = regexp.MustCompile(`\*\*(.*?)\*\*`)

// ExtractTopic picks a member of candidates from a free-text analysis.
// The last bold span wins if it is a candidate; otherwise the second-to-last
// sentence, then the whole text, is scanned in candidate order; otherwise a
// random candidate is returned. It returns "" only when candidates is empty.
func ExtractTopic(text string, candidates []string, rng *rand.Rand) string {
	if len(candidates) == 0 {
		return ""
	}

	if spans := boldSpan.FindAllStringSubmatch(text, -1); len(spans) > 0 {
		last := strings.TrimSpace(spans[len(spans)-1][1])
		for _, c := range candidates {
			if c == last {
				return c
			}
		}
	}

	if sentences := strings.Split(text, "."); len(sentences) >= 2 {
		penultimate := sentences[len(sentences)-2]
		for _, c := range candidates {
			if strings.Contains(penultimate, c) {
				return c
			}
		}
	}

	for _, c := range candidates {
		if strings.Contains(text, c) {
			return c
		}
	}

	return candidates[rng.IntN(len(candidates))]
}
