package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply  string
	err    error
	delay  time.Duration
	prompt string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				f.prompt = tc.Text
			}
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

var templates = []string{
	"Wi-Fi firmware crashed: The Intel Wi-Fi firmware crashed.",
	"Disk is full: A program could not write because the disk is full.",
}

func TestLLM_Infer(t *testing.T) {
	model := &fakeModel{reply: `Sure. {"index": 1, "confidence": 0.92}`}
	l := NewWithModel(model, Config{RequestsPerSecond: 100, Burst: 10})

	idx, conf, err := l.Infer(context.Background(), "ext4: write failed, ENOSPC", templates)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.92, conf, 1e-9)
	assert.Contains(t, model.prompt, "1. Disk is full")
	assert.Contains(t, model.prompt, "ext4: write failed, ENOSPC")
}

func TestLLM_InferFailures(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"transport error", &fakeModel{err: errors.New("connection refused")}},
		{"garbage answer", &fakeModel{reply: "I think it is the disk"}},
		{"index out of range", &fakeModel{reply: `{"index": 7, "confidence": 0.9}`}},
		{"missing confidence", &fakeModel{reply: `{"index": 0}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewWithModel(tt.model, Config{RequestsPerSecond: 100, Burst: 10})
			_, _, err := l.Infer(context.Background(), "msg", templates)
			assert.ErrorIs(t, err, ErrInferenceUnavailable)
		})
	}
}

func TestLLM_InferHonoursDeadline(t *testing.T) {
	l := NewWithModel(&fakeModel{delay: time.Second, reply: `{"index":0,"confidence":1}`}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := l.Infer(ctx, "msg", templates)
	assert.ErrorIs(t, err, ErrInferenceUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLLM_NoTemplates(t *testing.T) {
	l := NewWithModel(&fakeModel{}, Config{})
	idx, _, err := l.Infer(context.Background(), "msg", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestParseAnswer(t *testing.T) {
	idx, conf, err := ParseAnswer(`{"index": -1, "confidence": 0.2}`, 2)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
	assert.InDelta(t, 0.2, conf, 1e-9)

	_, conf, err = ParseAnswer(`{"index": 0, "confidence": 3}`, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, conf)
}

func TestNoop(t *testing.T) {
	_, _, err := Noop{}.Infer(context.Background(), "msg", templates)
	assert.ErrorIs(t, err, ErrInferenceUnavailable)
}
