// Package inference is the semantic matching collaborator: given a log
// message and candidate issue descriptions it asks a language model which
// description fits, and how confident it is.
//
// Any OpenAI-compatible endpoint works, including llama.cpp and ollama
// servers running locally:
//
//	llm, err := inference.NewLLM(inference.Config{
//	    BaseURL: "http://localhost:8080/v1",
//	    Model:   "qwen2.5-0.5b-instruct",
//	})
//	idx, confidence, err := llm.Infer(ctx, rec.Message, templates)
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrInferenceUnavailable covers timeouts, transport failures, rate
// limiting and unparseable answers. Callers degrade to deterministic
// matching.
var ErrInferenceUnavailable = errors.New("inference unavailable")

// Config configures the model client.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string

	// RequestsPerSecond and Burst bound calls to the model.
	RequestsPerSecond float64
	Burst             int

	Logger *zap.Logger
}

// LLM infers through a langchaingo model.
type LLM struct {
	model   llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLM creates an LLM backed by an OpenAI-compatible endpoint.
func NewLLM(cfg Config) (*LLM, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("inference base URL is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local servers ignore it.
		apiKey = "unused"
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating inference client: %w", err)
	}
	return NewWithModel(model, cfg), nil
}

// NewWithModel wraps an existing model.
func NewWithModel(model llms.Model, cfg Config) *LLM {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
}

type answer struct {
	Index      *int     `json:"index"`
	Confidence *float64 `json:"confidence"`
}

// Infer returns the index of the best template, or -1 when none fits.
func (l *LLM) Infer(ctx context.Context, message string, templates []string) (int, float64, error) {
	if len(templates) == 0 {
		return -1, 0, nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return -1, 0, fmt.Errorf("%w: rate limited: %v", ErrInferenceUnavailable, err)
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, l.model, Prompt(message, templates),
		llms.WithTemperature(0),
		llms.WithMaxTokens(64),
	)
	if err != nil {
		return -1, 0, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	idx, conf, err := ParseAnswer(text, len(templates))
	if err != nil {
		l.logger.Debug("unparseable inference answer", zap.String("answer", text), zap.Error(err))
		return -1, 0, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	return idx, conf, nil
}

// Prompt builds the classification prompt.
func Prompt(message string, templates []string) string {
	var b strings.Builder
	b.WriteString("You classify Linux system log lines into known issues.\n")
	b.WriteString("Known issues:\n")
	for i, t := range templates {
		fmt.Fprintf(&b, "%d. %s\n", i, strings.Join(strings.Fields(t), " "))
	}
	b.WriteString("\nLog line:\n")
	b.WriteString(message)
	b.WriteString("\n\nReply with JSON only: {\"index\": <issue number or -1 if none fit>, \"confidence\": <0.0 to 1.0>}\n")
	return b.String()
}

// ParseAnswer extracts {"index":n,"confidence":x} from a model reply,
// tolerating surrounding prose. Confidence is clamped to [0,1].
func ParseAnswer(text string, n int) (int, float64, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return -1, 0, errors.New("no JSON object in answer")
	}
	var a answer
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return -1, 0, err
	}
	if a.Index == nil || a.Confidence == nil {
		return -1, 0, errors.New("answer missing index or confidence")
	}
	idx, conf := *a.Index, *a.Confidence
	if idx < -1 || idx >= n {
		return -1, 0, fmt.Errorf("index %d out of range", idx)
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return idx, conf, nil
}

// Noop is an Inferer that is never available.
type Noop struct{}

func (Noop) Infer(context.Context, string, []string) (int, float64, error) {
	return -1, 0, ErrInferenceUnavailable
}
