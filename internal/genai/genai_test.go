package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	errs   []error
	calls  int
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.params = append(m.params, params)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return openai.ChatCompletion{}, err
		}
	}
	return m.resp, nil
}

// timeoutError satisfies net.Error.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func textResponse(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(chat chatService, attempts uint) *Client {
	return &Client{
		chat:        chat,
		model:       "test-model",
		maxAttempts: attempts,
		newBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestComplete_Success(t *testing.T) {
	client := newTestClient(&mockChatService{resp: textResponse("Hello World")}, 3)
	out, err := client.Complete(context.Background(), []Message{System("sys"), User("usr")}, Precise)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestComplete_RetriesTransientFailures(t *testing.T) {
	mock := &mockChatService{resp: textResponse("ok"), errs: []error{timeoutError{}, timeoutError{}}}
	client := newTestClient(mock, 5)
	out, err := client.Complete(context.Background(), []Message{User("hi")}, Chatbot)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != "ok" {
		t.Errorf("expected 'ok', got %q", out)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 calls, got %d", mock.calls)
	}
}

func TestComplete_TransportBudgetExhausted(t *testing.T) {
	mock := &mockChatService{errs: []error{timeoutError{}, timeoutError{}, timeoutError{}, timeoutError{}}}
	client := newTestClient(mock, 3)
	_, err := client.Complete(context.Background(), []Message{User("hi")}, Chatbot)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.calls)
	}
}

func TestComplete_PermanentFailureNotRetried(t *testing.T) {
	mock := &mockChatService{errs: []error{errors.New("service failure")}}
	client := newTestClient(mock, 5)
	_, err := client.Complete(context.Background(), []Message{User("hi")}, Chatbot)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("expected a single attempt, got %d", mock.calls)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}
	client := newTestClient(mock, 3)
	_, err := client.Complete(context.Background(), []Message{User("hi")}, Chatbot)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Errorf("no-choices must not be reported as transport failure")
	}
}

func TestComplete_SamplingParams(t *testing.T) {
	mock := &mockChatService{resp: textResponse("{}")}
	client := newTestClient(mock, 1)
	if _, err := client.Complete(context.Background(), []Message{System("s"), Assistant("a"), User("u")}, Structured); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := mock.params[0]
	if len(p.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(p.Messages))
	}
	if p.Messages[0].OfSystem == nil || p.Messages[1].OfAssistant == nil || p.Messages[2].OfUser == nil {
		t.Errorf("message roles not preserved: %+v", p.Messages)
	}
	if p.Temperature.Value != Structured.Temperature || p.TopP.Value != Structured.TopP {
		t.Errorf("unexpected sampling params: temp=%v top_p=%v", p.Temperature.Value, p.TopP.Value)
	}
	if p.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("m"), WithRateLimit(2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "m" || cli.limiter == nil {
		t.Errorf("options not applied: model=%q limiter=%v", cli.model, cli.limiter)
	}
}
