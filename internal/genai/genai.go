// Package genai provides the completion service used by every conversation component,
// backed by the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"
)

// Default configuration constants
const (
	// DefaultModel is the chat model used when none is configured
	DefaultModel = "gpt-4o-2024-08-06"
	// DefaultMaxAttempts bounds transport retries for a single completion
	DefaultMaxAttempts = 6
	// DefaultRequestTimeout bounds a single HTTP round trip
	DefaultRequestTimeout = 60 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrTransport is returned once the transport retry budget is exhausted.
	ErrTransport = errors.New("completion transport failed")
	// ErrSchema marks structured output that failed to decode or validate.
	ErrSchema = errors.New("structured output did not match schema")
)

// Role tags a message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn sent to the completion service.
type Message struct {
	Role    Role
	Content string
}

// System, User and Assistant build messages with the matching role.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Options are the sampling settings of a single completion call.
type Options struct {
	Temperature float64
	TopP        float64
	MaxTokens   int64
	// JSON requests a JSON object response format.
	JSON bool
	// Purpose labels the call in logs and metrics.
	Purpose string
}

// WithPurpose returns a copy of o labelled with purpose.
func (o Options) WithPurpose(purpose string) Options {
	o.Purpose = purpose
	return o
}

// Sampling presets shared by the counselor and the client.
var (
	Chatbot    = Options{Temperature: 0.7, TopP: 0.8, MaxTokens: 150}
	Precise    = Options{Temperature: 0.2, TopP: 0.1, MaxTokens: 150}
	Structured = Options{Temperature: 0.2, TopP: 0.1, MaxTokens: 300, JSON: true}
)

// ClientInterface is the completion service consumed by the conversation engine.
type ClientInterface interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// Observer receives one callback per finished completion call.
type Observer interface {
	ObserveCompletion(purpose string, elapsed time.Duration, err error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter exposes the SDK completion service through chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI ChatCompletion service with retry and pacing.
type Client struct {
	chat        chatService
	model       string
	maxAttempts uint
	limiter     *rate.Limiter
	observer    Observer
	newBackOff  func() backoff.BackOff
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxAttempts    uint
	RequestTimeout time.Duration
	RequestsPerSec float64
	Observer       Observer
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxAttempts sets the transport retry budget per completion.
func WithMaxAttempts(n uint) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRequestTimeout bounds each HTTP request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithRateLimit paces outgoing requests; zero disables pacing.
func WithRateLimit(requestsPerSec float64) Option {
	return func(o *Opts) { o.RequestsPerSec = requestsPerSec }
}

// WithObserver registers a completion observer, usually the metrics recorder.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		MaxAttempts:    DefaultMaxAttempts,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	// Retries are handled here so that transport and schema failures stay distinguishable.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	c := &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		maxAttempts: cfg.MaxAttempts,
		observer:    cfg.Observer,
	}
	if cfg.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	slog.Debug("genai.NewClient: client initialized", "model", c.model, "maxAttempts", c.maxAttempts,
		"baseURLSet", cfg.BaseURL != "", "requestsPerSec", cfg.RequestsPerSec)
	return c, nil
}

// Complete sends messages to the chat model and returns the first choice's content.
// Transient transport failures are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	params := c.buildParams(messages, opts)
	start := time.Now()

	operation := func() (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}
		resp, err := c.chat.Create(ctx, params)
		if err != nil {
			if isRetryable(err) {
				slog.Warn("genai.Complete: transient failure, retrying", "purpose", opts.Purpose, "error", err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(ErrNoChoicesReturned)
		}
		return resp.Choices[0].Message.Content, nil
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(c.attempts()),
	)
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveCompletion(opts.Purpose, elapsed, err)
	}
	if err != nil {
		slog.Error("genai.Complete: completion failed", "purpose", opts.Purpose, "elapsed", elapsed, "error", err)
		if errors.Is(err, ErrNoChoicesReturned) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	slog.Debug("genai.Complete: completion succeeded", "purpose", opts.Purpose, "elapsed", elapsed, "length", len(out))
	return out, nil
}

func (c *Client) buildParams(messages []Message, opts Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toOpenAIMessages(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(opts.MaxTokens)
	}
	if opts.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

func (c *Client) backOff() backoff.BackOff {
	if c.newBackOff != nil {
		return c.newBackOff()
	}
	return backoff.NewExponentialBackOff()
}

func (c *Client) attempts() uint {
	if c.maxAttempts == 0 {
		return DefaultMaxAttempts
	}
	return c.maxAttempts
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// isRetryable reports whether err is a transient transport failure:
// rate limiting, timeouts, server errors or broken connections.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 409, apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}
