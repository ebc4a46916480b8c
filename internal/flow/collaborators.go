package flow

import (
	"context"
	"time"
)

// Turn is one entry in a session's conversation history
type Turn struct {
	Role      string    `json:"role"` // "user" or "agent"
	Text      string    `json:"text"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Extraction is one extracted variable with the model's confidence
type Extraction struct {
	Value      any
	Confidence float64
}

// PromptContext is the conversational context handed to the language
// collaborator on every call.
type PromptContext struct {
	SystemPrompt string
	History      []Turn
	Variables    map[string]any
}

// LanguageService is the external understanding/generation
// collaborator. All methods carry bounded-timeout contexts; failures
// degrade per-turn and never abort a session.
type LanguageService interface {
	// Extract pulls the named variables out of the utterance. Names
	// the model cannot resolve are simply absent from the result.
	Extract(ctx context.Context, utterance string, names []string, pctx PromptContext) (map[string]Extraction, error)

	// Generate produces response text from a node instruction
	Generate(ctx context.Context, instruction string, pctx PromptContext) (string, error)

	// EvaluatePromptCondition judges a natural-language assertion
	// against the utterance and context
	EvaluatePromptCondition(ctx context.Context, utterance, condition string, pctx PromptContext) (bool, error)
}

// Transcriber is the external speech recognition collaborator
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer is the external speech synthesis collaborator. The
// returned channel is closed when synthesis finishes or the context is
// cancelled; cancellation mid-stream stops delivery.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// OutputSink receives a session's outbound events. Implemented by the
// session transport.
type OutputSink interface {
	// SendResponse delivers the text about to be spoken
	SendResponse(text, nodeID string)
	// SendAudio delivers one chunk of synthesized audio
	SendAudio(chunk []byte)
	// SessionTransferred signals hand-off to an external destination
	SessionTransferred(destination string)
	// SessionEnded signals that the session reached a terminal state
	SessionEnded(reason string)
}
