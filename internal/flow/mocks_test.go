package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// mockLLM is a scriptable LanguageService
type mockLLM struct {
	extractResult  map[string]Extraction
	extractErr     error
	extractCalls   int
	generateResult string
	generateErr    error
	promptResults  map[string]bool
	promptErr      error
	promptCalls    []string
}

func (m *mockLLM) Extract(ctx context.Context, utterance string, names []string, pctx PromptContext) (map[string]Extraction, error) {
	m.extractCalls++
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.extractResult, nil
}

func (m *mockLLM) Generate(ctx context.Context, instruction string, pctx PromptContext) (string, error) {
	if m.generateErr != nil {
		return "", m.generateErr
	}
	if m.generateResult == "" {
		return "generated response", nil
	}
	return m.generateResult, nil
}

func (m *mockLLM) EvaluatePromptCondition(ctx context.Context, utterance, condition string, pctx PromptContext) (bool, error) {
	m.promptCalls = append(m.promptCalls, condition)
	if m.promptErr != nil {
		return false, m.promptErr
	}
	return m.promptResults[condition], nil
}

// mockSTT returns a fixed transcript
type mockSTT struct {
	text string
	err  error
}

func (m *mockSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

// mockTTS streams fixed chunks, honoring context cancellation. A
// blocking variant never delivers until released, for interruption
// tests.
type mockTTS struct {
	chunks  [][]byte
	block   chan struct{} // when non-nil, delivery waits on it
	mu      sync.Mutex
	calls   int
	lastCtx context.Context
}

func (m *mockTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	m.mu.Lock()
	m.calls++
	m.lastCtx = ctx
	block := m.block
	chunks := m.chunks
	m.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		for _, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// mockSink records everything the engine emits
type mockSink struct {
	mu         sync.Mutex
	responses  []string
	nodeIDs    []string
	audioBytes int
	transfers  []string
	endReasons []string
}

func (m *mockSink) SendResponse(text, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, text)
	m.nodeIDs = append(m.nodeIDs, nodeID)
}

func (m *mockSink) SendAudio(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioBytes += len(chunk)
}

func (m *mockSink) SessionTransferred(destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, destination)
}

func (m *mockSink) SessionEnded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endReasons = append(m.endReasons, reason)
}

func (m *mockSink) lastResponse() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return ""
	}
	return m.responses[len(m.responses)-1]
}

func (m *mockSink) responseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}

func (m *mockSink) ended() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.endReasons) == 0 {
		return "", false
	}
	return m.endReasons[len(m.endReasons)-1], true
}

// testSession builds a bare session for evaluator/executor tests
func testSession(def *Definition) *Session {
	sess := &Session{
		ID:         "test-session",
		Definition: def,
		Vars:       NewStore("test-session"),
		Metrics:    observability.NewSessionMetrics("test-session"),
		state:      StateActive,
		retries:    make(map[string]int),
		sink:       &mockSink{},
	}
	if def != nil {
		sess.CurrentNodeID = def.StartNodeID
	}
	return sess
}

func mustParse(src string, registry *Registry) (*Definition, error) {
	def, err := Parse([]byte(src), registry)
	if err != nil {
		return nil, fmt.Errorf("parse test flow: %w", err)
	}
	return def, nil
}
