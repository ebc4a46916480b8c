package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"github.com/lexiqai/flow-engine/internal/flow"
	"github.com/lexiqai/flow-engine/internal/resilience"
)

// mockChat returns canned completion content
type mockChat struct {
	content string
	err     error
	params  openai.ChatCompletionNewParams
}

func (m *mockChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func testClient(t *testing.T, chat chatService) *Client {
	t.Helper()
	return &Client{
		chat:    chat,
		model:   "test-model",
		breaker: resilience.NewCircuitBreaker("llm-test-"+t.Name(), 100, 0),
		retry: &resilience.RetryConfig{
			MaxAttempts:       1,
			InitialBackoff:    1,
			MaxBackoff:        1,
			BackoffMultiplier: 1,
		},
	}
}

func TestExtract(t *testing.T) {
	chat := &mockChat{content: `{"date": {"value": "tomorrow", "confidence": 0.9}, "city": {"value": "Paris", "confidence": 0.75}}`}
	c := testClient(t, chat)

	got, err := c.Extract(context.Background(), "tomorrow in Paris", []string{"date", "city", "time"}, flow.PromptContext{})
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 extractions, got %d", len(got))
	}
	if got["date"].Value != "tomorrow" || got["date"].Confidence != 0.9 {
		t.Errorf("Unexpected date extraction: %+v", got["date"])
	}
	if _, ok := got["time"]; ok {
		t.Error("Expected unmentioned variable to be absent")
	}
}

func TestExtract_FencedJSON(t *testing.T) {
	chat := &mockChat{content: "```json\n{\"date\": {\"value\": \"friday\", \"confidence\": 0.8}}\n```"}
	c := testClient(t, chat)

	got, err := c.Extract(context.Background(), "friday", []string{"date"}, flow.PromptContext{})
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if got["date"].Value != "friday" {
		t.Errorf("Expected fenced JSON to parse, got %+v", got)
	}
}

func TestExtract_UnparseableJSON(t *testing.T) {
	c := testClient(t, &mockChat{content: "I could not extract anything, sorry!"})

	if _, err := c.Extract(context.Background(), "x", []string{"date"}, flow.PromptContext{}); err == nil {
		t.Error("Expected error for unparseable extraction output")
	}
}

func TestExtract_UpstreamError(t *testing.T) {
	c := testClient(t, &mockChat{err: errors.New("api down")})

	if _, err := c.Extract(context.Background(), "x", []string{"date"}, flow.PromptContext{}); err == nil {
		t.Error("Expected upstream error to propagate")
	}
}

func TestGenerate(t *testing.T) {
	chat := &mockChat{content: "What date works for you?"}
	c := testClient(t, chat)

	got, err := c.Generate(context.Background(), "Ask for a date", flow.PromptContext{
		SystemPrompt: "You are a booking assistant.",
		History: []flow.Turn{
			{Role: "agent", Text: "Hello!"},
			{Role: "user", Text: "I want to book"},
		},
	})
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if got != "What date works for you?" {
		t.Errorf("Unexpected generation: %q", got)
	}

	// system prompt + 2 history turns + instruction
	if len(chat.params.Messages) != 4 {
		t.Errorf("Expected 4 messages, got %d", len(chat.params.Messages))
	}
}

func TestEvaluatePromptCondition(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   bool
	}{
		{"yes", "yes", true},
		{"yes with punctuation", "Yes.", true},
		{"no", "no", false},
		{"true", "true", true},
		{"rambling counts as no", "Well, it depends on context", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, &mockChat{content: tt.answer})
			got, err := c.EvaluatePromptCondition(context.Background(), "sure", "the user agreed", flow.PromptContext{})
			if err != nil {
				t.Fatalf("EvaluatePromptCondition() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Answer %q: expected %v, got %v", tt.answer, tt.want, got)
			}
		})
	}
}

func TestEvaluatePromptCondition_Error(t *testing.T) {
	c := testClient(t, &mockChat{err: errors.New("timeout")})

	ok, err := c.EvaluatePromptCondition(context.Background(), "x", "cond", flow.PromptContext{})
	if err == nil {
		t.Error("Expected error to propagate for the evaluator to degrade")
	}
	if ok {
		t.Error("Expected false on error")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"padded", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error without API key")
	}
	if _, err := NewClient(Config{APIKey: "k"}); err != nil {
		t.Errorf("Expected client with key to build, got %v", err)
	}
}
