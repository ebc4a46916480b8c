// Package llm implements the language understanding/generation
// collaborator on the OpenAI chat completions API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/flow"
	"github.com/lexiqai/flow-engine/internal/observability"
	"github.com/lexiqai/flow-engine/internal/resilience"
)

// chatService is the slice of the OpenAI client we use, kept narrow
// so tests can substitute a mock.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type openaiChat struct {
	client openai.Client
}

func (o *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return o.client.Chat.Completions.New(ctx, params)
}

// Client implements flow.LanguageService
type Client struct {
	chat    chatService
	model   string
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// Config for the OpenAI-backed client
type Config struct {
	APIKey string
	Model  string

	BreakerMaxFailures  int
	BreakerResetTimeout int // seconds
}

// NewClient creates a language service client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		chat:    &openaiChat{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))},
		model:   model,
		breaker: newBreaker("openai", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		retry:   resilience.DefaultRetryConfig(),
		logger:  observability.GetLogger().With().Str("component", "llm").Logger(),
	}, nil
}

// complete makes one guarded chat completion call and returns the
// first choice's content.
func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, temperature float64) (string, error) {
	var content string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
				Model:       openai.ChatModel(c.model),
				Messages:    messages,
				Temperature: openai.Float(temperature),
			})
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}
			content = strings.TrimSpace(resp.Choices[0].Message.Content)
			return nil
		}, c.retry, resilience.IsRetryableNetworkError)
	})
	return content, err
}

// historyMessages converts conversation turns to chat messages
func historyMessages(turns []flow.Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == "user" {
			out = append(out, openai.UserMessage(turn.Text))
		} else {
			out = append(out, openai.AssistantMessage(turn.Text))
		}
	}
	return out
}

const extractSystemPrompt = `You extract structured values from what a caller just said.
Respond with a single JSON object mapping each requested variable name to
{"value": <extracted value>, "confidence": <0.0-1.0>}.
Omit variables the utterance does not mention. Respond with JSON only, no prose.`

// Extract pulls the named variables from the utterance. Names the
// model does not return are absent from the result, never an error.
func (c *Client) Extract(ctx context.Context, utterance string, names []string, pctx flow.PromptContext) (map[string]flow.Extraction, error) {
	known, _ := json.Marshal(pctx.Variables)
	prompt := fmt.Sprintf("Variables to extract: %s\nAlready known: %s\nCaller said: %q",
		strings.Join(names, ", "), known, utterance)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(extractSystemPrompt),
	}
	if pctx.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage("Conversation context: "+pctx.SystemPrompt))
	}
	messages = append(messages, historyMessages(pctx.History)...)
	messages = append(messages, openai.UserMessage(prompt))

	content, err := c.complete(ctx, messages, 0.0)
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	var raw map[string]struct {
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		return nil, fmt.Errorf("extraction returned unparseable JSON: %w", err)
	}

	out := make(map[string]flow.Extraction, len(raw))
	for _, name := range names {
		if entry, ok := raw[name]; ok && entry.Value != nil {
			out[name] = flow.Extraction{Value: entry.Value, Confidence: entry.Confidence}
		}
	}
	return out, nil
}

// Generate produces response text from a node instruction
func (c *Client) Generate(ctx context.Context, instruction string, pctx flow.PromptContext) (string, error) {
	system := "You are a voice assistant. Keep responses short and speakable."
	if pctx.SystemPrompt != "" {
		system = pctx.SystemPrompt
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
	}
	messages = append(messages, historyMessages(pctx.History)...)
	messages = append(messages, openai.SystemMessage("Instruction for your next reply: "+instruction))

	text, err := c.complete(ctx, messages, 0.7)
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}
	return text, nil
}

const conditionSystemPrompt = `You judge whether a statement holds for a caller's latest utterance.
Answer with exactly one word: yes or no.`

// EvaluatePromptCondition judges a natural-language assertion against
// the utterance and context.
func (c *Client) EvaluatePromptCondition(ctx context.Context, utterance, condition string, pctx flow.PromptContext) (bool, error) {
	known, _ := json.Marshal(pctx.Variables)
	prompt := fmt.Sprintf("Statement: %s\nKnown variables: %s\nCaller said: %q\nDoes the statement hold?",
		condition, known, utterance)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(conditionSystemPrompt),
	}
	messages = append(messages, historyMessages(pctx.History)...)
	messages = append(messages, openai.UserMessage(prompt))

	answer, err := c.complete(ctx, messages, 0.0)
	if err != nil {
		return false, fmt.Errorf("condition call failed: %w", err)
	}

	switch strings.ToLower(strings.TrimRight(answer, ".!")) {
	case "yes", "true":
		return true, nil
	case "no", "false":
		return false, nil
	default:
		c.logger.Warn().Str("answer", answer).Msg("Condition judgment was not yes/no, treating as no")
		return false, nil
	}
}

// HealthCheck probes the API with a minimal completion
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	_, err := c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage("ping"),
	}, 0.0)
	if err != nil {
		return false, err
	}
	return true, nil
}

// stripFences removes a markdown code fence wrapper, which some
// models add around JSON despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func newBreaker(name string, maxFailures, resetSeconds int) *resilience.CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetSeconds <= 0 {
		resetSeconds = 30
	}
	return resilience.NewCircuitBreaker(name, maxFailures, time.Duration(resetSeconds)*time.Second)
}
