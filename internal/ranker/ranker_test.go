package ranker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"github.com/BTreeMap/CounselSim/internal/topic"
)

type stubLLM struct {
	reply string
	err   error
	calls int
}

func (s *stubLLM) Complete(ctx context.Context, messages []genai.Message, opts genai.Options) (string, error) {
	s.calls++
	return s.reply, s.err
}

var testPassages = map[string]string{
	"Employment":    "Employment. keeping and progressing in a job, missing work, getting fired by your boss",
	"Depression":    "Depression. persistent low mood and loss of interest, feeling sad and hopeless",
	"Sport":         "Sport. playing soccer, training and competing with a team",
	"Liver Disease": "Liver Disease. damage to the liver from drinking",
}

var testTopics = []string{"Employment", "Depression", "Sport", "Liver Disease"}

func TestLexicalRanker_Rank(t *testing.T) {
	r := NewLexicalRanker(testPassages)
	tests := []struct {
		query string
		want  string
	}{
		{"How has drinking affected your job and your boss?", "Employment"},
		{"Have you been feeling sad or hopeless lately?", "Depression"},
		{"Do you still play soccer with your team?", "Sport"},
		{"Alcohol can damage the liver.", "Liver Disease"},
	}
	for _, tt := range tests {
		got, err := r.Rank(context.Background(), tt.query, testTopics)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != len(testTopics) {
			t.Fatalf("ranking must be a permutation, got %v", got)
		}
		if got[0] != tt.want {
			t.Errorf("Rank(%q)[0] = %q, want %q", tt.query, got[0], tt.want)
		}
	}
}

func TestLexicalRanker_TiesKeepInputOrder(t *testing.T) {
	r := NewLexicalRanker(testPassages)
	got, _ := r.Rank(context.Background(), "Hello there.", testTopics)
	if strings.Join(got, ",") != strings.Join(testTopics, ",") {
		t.Errorf("expected input order for an uninformative query, got %v", got)
	}
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"drinking": "drink",
		"drinks":   "drink",
		"studies":  "study",
		"sing":     "sing",
		"diseases": "disease",
	}
	for in, want := range tests {
		if got := stem(in); got != want {
			t.Errorf("stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPassages(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Employment.txt"), []byte("Work is a job.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	passages, err := BuildPassages(topic.DefaultHierarchy(), []string{"Employment", "Depression"}, dir)
	if err != nil {
		t.Fatalf("BuildPassages failed: %v", err)
	}
	if passages["Employment"] != "Employment. keeping and progressing in a job Work is a job." {
		t.Errorf("unexpected passage %q", passages["Employment"])
	}
	if passages["Depression"] != "Depression. persistent low mood and loss of interest" {
		t.Errorf("unexpected passage %q", passages["Depression"])
	}
}

func TestCompletionRanker(t *testing.T) {
	lexical := NewLexicalRanker(testPassages)
	query := "Do you still play soccer with your team?"
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"uses completion order", `{"topics": ["Depression", "Bogus", "Employment"]}`, "Depression,Employment,Sport,Liver Disease"},
		{"unknown labels fall back", `{"topics": ["Bogus"]}`, "Sport,Employment,Depression,Liver Disease"},
		{"malformed falls back", `not json`, "Sport,Employment,Depression,Liver Disease"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCompletionRanker(&stubLLM{reply: tt.reply}, lexical)
			got, err := r.Rank(context.Background(), query, testTopics)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, ",") != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}

	r := NewCompletionRanker(&stubLLM{err: genai.ErrTransport}, lexical)
	if _, err := r.Rank(context.Background(), query, testTopics); !errors.Is(err, genai.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}
