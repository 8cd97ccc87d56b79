// Package ranker orders topics by how relevant they are to an utterance.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/topic"
)

// TopK is the number of topics a completion ranker is asked for.
const TopK = 5

// Ranker orders topics by relevance to query, most relevant first. The
// result is a permutation of topics.
type Ranker interface {
	Rank(ctx context.Context, query string, topics []string) ([]string, error)
}

// BuildPassages returns one passage per topic: its name and description from
// h, followed by the contents of dir/<topic> or dir/<topic>.txt when present.
// An empty dir skips the file lookup.
func BuildPassages(h *topic.Hierarchy, topics []string, dir string) (map[string]string, error) {
	out := make(map[string]string, len(topics))
	for _, t := range topics {
		passage := t + ". " + h.About(t)
		if dir != "" {
			extra, err := readPassage(dir, t)
			if err != nil {
				return nil, err
			}
			if extra != "" {
				passage += " " + extra
			}
		}
		out[t] = passage
	}
	return out, nil
}

func readPassage(dir, name string) (string, error) {
	for _, candidate := range []string{name, name + ".txt"} {
		raw, err := os.ReadFile(filepath.Join(dir, candidate))
		if err == nil {
			return strings.TrimSpace(string(raw)), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to read passage for %q: %w", name, err)
		}
	}
	return "", nil
}

var wordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z']*`)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "your": true, "with": true, "that": true, "this": true, "have": true,
	"has": true, "had": true, "was": true, "were": true, "been": true, "from": true,
	"they": true, "them": true, "their": true, "what": true, "when": true, "how": true,
	"can": true, "could": true, "would": true, "should": true, "about": true, "into": true,
	"any": true, "some": true, "more": true, "also": true, "just": true, "like": true,
	"its": true, "it's": true, "i'm": true, "you're": true, "don't": true, "our": true,
	"out": true, "all": true, "one": true, "may": true, "might": true, "does": true,
	"did": true, "there": true, "here": true, "which": true, "who": true, "why": true,
	"much": true, "very": true, "feel": true, "think": true, "things": true, "thing": true,
}

// keywords returns the stemmed significant words of text.
func keywords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(text, -1) {
		lower := strings.ToLower(w)
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		out[stem(lower)] = true
	}
	return out
}

// stem strips a few common English suffixes so "drinking" matches "drink".
func stem(w string) string {
	for _, suffix := range []string{"ing", "ies", "s"} {
		if len(w) > len(suffix)+3 && strings.HasSuffix(w, suffix) {
			if suffix == "ies" {
				return w[:len(w)-3] + "y"
			}
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

// LexicalRanker scores topics by keyword overlap between the query and each
// topic's passage. Matches on the topic name count triple.
type LexicalRanker struct {
	name    map[string]map[string]bool
	passage map[string]map[string]bool
}

// NewLexicalRanker indexes passages keyed by topic name.
func NewLexicalRanker(passages map[string]string) *LexicalRanker {
	r := &LexicalRanker{
		name:    make(map[string]map[string]bool, len(passages)),
		passage: make(map[string]map[string]bool, len(passages)),
	}
	for t, p := range passages {
		r.name[t] = keywords(t)
		r.passage[t] = keywords(p)
	}
	return r
}

// score returns the relevance of t to the query keywords.
func (r *LexicalRanker) score(query map[string]bool, t string) int {
	name, ok := r.name[t]
	if !ok {
		name = keywords(t)
	}
	s := 0
	for k := range query {
		if name[k] {
			s += 3
		}
		if r.passage[t][k] {
			s++
		}
	}
	return s
}

// Rank sorts topics by descending score; ties keep their input order.
func (r *LexicalRanker) Rank(ctx context.Context, query string, topics []string) ([]string, error) {
	q := keywords(query)
	scores := make(map[string]int, len(topics))
	for _, t := range topics {
		scores[t] = r.score(q, t)
	}
	out := append([]string(nil), topics...)
	sort.SliceStable(out, func(i, j int) bool { return scores[out[i]] > scores[out[j]] })
	return out, nil
}

// CompletionRanker asks the completion service for the most relevant topics.
// Unknown labels are dropped; topics it does not name follow in the fallback
// ranker's order.
type CompletionRanker struct {
	llm      genai.ClientInterface
	fallback Ranker
}

// NewCompletionRanker creates a CompletionRanker backed by fallback.
func NewCompletionRanker(llm genai.ClientInterface, fallback Ranker) *CompletionRanker {
	return &CompletionRanker{llm: llm, fallback: fallback}
}

type rankReply struct {
	Topics []string `json:"topics" validate:"required,min=1"`
}

// Rank returns the completion's ranking followed by the remaining topics.
func (r *CompletionRanker) Rank(ctx context.Context, query string, topics []string) ([]string, error) {
	base, err := r.fallback.Rank(ctx, query, topics)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(`Here is the counselor's latest utterance:
%s

Which of the following topics is the counselor exploring? Choose up to %d, most relevant first.
- %s

Return a JSON object {"topics": ["<topic>", ...]}.`, query, TopK, strings.Join(topics, "\n- "))
	reply, err := genai.CompleteStructured[rankReply](ctx, r.llm, []genai.Message{genai.User(prompt)}, genai.Structured.WithPurpose("topic_rank"))
	if err != nil {
		if !errors.Is(err, genai.ErrSchema) {
			return nil, fmt.Errorf("topic ranking failed: %w", err)
		}
		slog.Warn("CompletionRanker.Rank: unparseable ranking, using lexical order", "error", err)
		return base, nil
	}
	picked := genai.NewLabelSet(topics...).Filter(reply.Topics)
	if len(picked) == 0 {
		slog.Warn("CompletionRanker.Rank: no known topics in ranking, using lexical order", "topics", reply.Topics)
		return base, nil
	}
	seen := make(map[string]bool, len(picked))
	for _, t := range picked {
		seen[t] = true
	}
	for _, t := range base {
		if !seen[t] {
			picked = append(picked, t)
		}
	}
	return picked, nil
}
