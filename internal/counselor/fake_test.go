package counselor

import (
	"context"
	"strings"
	"sync"

	"github.com/BTreeMap/CounselSim/internal/genai"
)

// fakeLLM replays canned replies per call purpose. A handler, if set, is
// consulted first. Safe for concurrent use.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	handler func(purpose string, messages []genai.Message) (string, bool)
	calls   map[string]int
	prompts map[string][]string
	err     error
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{replies: map[string][]string{}, calls: map[string]int{}, prompts: map[string][]string{}}
}

func (f *fakeLLM) on(purpose string, replies ...string) *fakeLLM {
	f.replies[purpose] = append(f.replies[purpose], replies...)
	return f
}

func (f *fakeLLM) Complete(ctx context.Context, messages []genai.Message, opts genai.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[opts.Purpose]++
	f.prompts[opts.Purpose] = append(f.prompts[opts.Purpose], messages[len(messages)-1].Content)
	if f.err != nil {
		return "", f.err
	}
	if f.handler != nil {
		if r, ok := f.handler(opts.Purpose, messages); ok {
			return r, nil
		}
	}
	q := f.replies[opts.Purpose]
	if len(q) == 0 {
		return "", nil
	}
	f.replies[opts.Purpose] = q[1:]
	return q[0], nil
}

// echoStrategy answers candidate prompts with a reply naming the strategy in the prompt.
func echoStrategy(purpose string, messages []genai.Message) (string, bool) {
	prompt := messages[len(messages)-1].Content
	switch purpose {
	case "candidate":
		start := strings.Index(prompt, "- **") + len("- **")
		end := strings.Index(prompt[start:], "**")
		return "Counselor: reply using " + prompt[start:start+end], true
	case "candidate_combined":
		return "**Counselor:** combined reply\nsecond line", true
	}
	return "", false
}
