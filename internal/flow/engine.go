package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// SessionState is the session-level control state
type SessionState string

const (
	StateActive        SessionState = "active"
	StateAwaitingRetry SessionState = "awaiting_retry"
	StateTerminated    SessionState = "terminated"
)

// historyWindow bounds the conversation history handed to the
// language collaborator.
const historyWindow = 10

// maxAutoHops bounds the chain of dialog-free nodes executed in a
// single turn, guarding against routing cycles in authored flows.
const maxAutoHops = 25

// retryFarewell is spoken when the retry ceiling is hit and the flow
// declares no fallback node.
const retryFarewell = "I'm having trouble understanding. Let's try again another time. Goodbye."

// Session is one conversation, mutated only by the engine's turn
// processing for that session.
type Session struct {
	ID            string
	Definition    *Definition
	CurrentNodeID string
	Vars          *Store
	History       []Turn
	TurnCount     int
	Metrics       *observability.Metrics

	state     SessionState
	endReason string
	retries   map[string]int
	sink      OutputSink
	logger    zerolog.Logger

	// turnMu serializes turn processing; no two node executions for
	// the same session ever overlap
	turnMu sync.Mutex

	// output side, touched concurrently by the synthesis goroutine
	// and interruption handling
	outMu        sync.Mutex
	synthCancel  context.CancelFunc
	outputActive bool
	synthGen     int
}

// State returns the session's control state
func (s *Session) State() SessionState {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.state
}

// OutputActive reports whether synthesized output is in flight. Safe
// to call from the detector's goroutine.
func (s *Session) OutputActive() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.outputActive
}

// RecentHistory returns the last turns within the history window
func (s *Session) RecentHistory() []Turn {
	if len(s.History) <= historyWindow {
		return s.History
	}
	return s.History[len(s.History)-historyWindow:]
}

func (s *Session) promptContext() PromptContext {
	return PromptContext{
		SystemPrompt: s.Definition.GlobalSettings.SystemPrompt,
		History:      s.RecentHistory(),
		Variables:    s.Vars.Snapshot(),
	}
}

func (s *Session) appendHistory(role, text, nodeID string) {
	s.History = append(s.History, Turn{
		Role:      role,
		Text:      text,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	})
}

// beginOutput registers a new synthesis, cancelling any previous one,
// and returns its generation number.
func (s *Session) beginOutput(cancel context.CancelFunc) int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.synthCancel != nil {
		s.synthCancel()
	}
	s.synthCancel = cancel
	s.outputActive = true
	s.synthGen++
	return s.synthGen
}

// finishOutput marks the given synthesis generation complete. Returns
// false when the generation was already superseded or cancelled.
func (s *Session) finishOutput(gen int) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.synthGen != gen {
		return false
	}
	s.outputActive = false
	s.synthCancel = nil
	return true
}

// cancelOutput cancels any in-flight synthesis. Returns whether
// anything was actually cancelled.
func (s *Session) cancelOutput() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.synthCancel == nil && !s.outputActive {
		return false
	}
	if s.synthCancel != nil {
		s.synthCancel()
		s.synthCancel = nil
	}
	s.outputActive = false
	// orphan the in-flight completion so it cannot flip state back
	s.synthGen++
	return true
}

// SessionSnapshot is an observability export of session state
type SessionSnapshot struct {
	ID            string         `json:"id"`
	FlowID        string         `json:"flow_id"`
	CurrentNodeID string         `json:"current_node_id"`
	State         SessionState   `json:"state"`
	EndReason     string         `json:"end_reason,omitempty"`
	TurnCount     int            `json:"turn_count"`
	Variables     map[string]any `json:"variables"`
}

// Snapshot exports the session's current state
func (s *Session) Snapshot() SessionSnapshot {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return SessionSnapshot{
		ID:            s.ID,
		FlowID:        s.Definition.ID,
		CurrentNodeID: s.CurrentNodeID,
		State:         s.state,
		EndReason:     s.endReason,
		TurnCount:     s.TurnCount,
		Variables:     s.Vars.Snapshot(),
	}
}

// Options tunes engine behavior. Zero durations fall back to the
// stated defaults.
type Options struct {
	TranscribeTimeout time.Duration // default 10s
	LLMTimeout        time.Duration // default 15s
	SynthesizeTimeout time.Duration // default 20s
	FunctionTimeout   time.Duration // default 15s

	// Detector defaults, used when global_settings omit them
	SilenceThreshold   time.Duration // default 500ms
	MinSpeechDuration  time.Duration // default 250ms
	AllowInterruptions bool
}

func (o *Options) applyDefaults() {
	if o.TranscribeTimeout <= 0 {
		o.TranscribeTimeout = 10 * time.Second
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = 15 * time.Second
	}
	if o.SynthesizeTimeout <= 0 {
		o.SynthesizeTimeout = 20 * time.Second
	}
	if o.FunctionTimeout <= 0 {
		o.FunctionTimeout = 15 * time.Second
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = 500 * time.Millisecond
	}
	if o.MinSpeechDuration <= 0 {
		o.MinSpeechDuration = 250 * time.Millisecond
	}
}

// Engine drives all sessions against a shared, immutable flow
// definition. Sessions are isolated; the definition and the function
// registry are the only shared state, both read-only.
type Engine struct {
	mu       sync.RWMutex
	def      *Definition
	sessions map[string]*Session

	executor  *Executor
	evaluator *Evaluator
	stt       Transcriber
	tts       Synthesizer
	opts      Options
	logger    zerolog.Logger
}

// NewEngine wires the engine against its collaborators
func NewEngine(def *Definition, llm LanguageService, stt Transcriber, tts Synthesizer, registry *Registry, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		def:       def,
		sessions:  make(map[string]*Session),
		executor:  NewExecutor(llm, registry, opts.LLMTimeout, opts.FunctionTimeout),
		evaluator: NewEvaluator(NewEquationEngine(), llm, opts.LLMTimeout),
		stt:       stt,
		tts:       tts,
		opts:      opts,
		logger:    observability.GetLogger().With().Str("component", "engine").Logger(),
	}
}

// Definition returns the flow served to new sessions
func (e *Engine) Definition() *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def
}

// SwapDefinition atomically replaces the definition for sessions
// created afterwards. Existing sessions keep their reference.
func (e *Engine) SwapDefinition(def *Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.def = def
	e.logger.Info().Str("flow_id", def.ID).Str("version", def.Version).Msg("Flow definition swapped")
}

// DetectorSettings resolves detector thresholds from the flow's
// global_settings with engine defaults as fallback.
func (e *Engine) DetectorSettings() (silence, minSpeech time.Duration, allowInterruptions bool) {
	gs := e.Definition().GlobalSettings
	silence = e.opts.SilenceThreshold
	if gs.SilenceThresholdMs > 0 {
		silence = time.Duration(gs.SilenceThresholdMs) * time.Millisecond
	}
	minSpeech = e.opts.MinSpeechDuration
	if gs.MinSpeechDurationMs > 0 {
		minSpeech = time.Duration(gs.MinSpeechDurationMs) * time.Millisecond
	}
	return silence, minSpeech, gs.Interruptions(e.opts.AllowInterruptions)
}

// GetSession returns an active session by id
func (e *Engine) GetSession(sessionID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[sessionID]
	return sess, ok
}

// SessionCount returns the number of active sessions
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// StartSession creates a session bound to the given sink and runs the
// start node's entry behavior, producing the opening response.
func (e *Engine) StartSession(ctx context.Context, sessionID string, sink OutputSink) (*Session, error) {
	e.mu.Lock()
	if _, exists := e.sessions[sessionID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %q already exists", sessionID)
	}
	def := e.def

	sess := &Session{
		ID:         sessionID,
		Definition: def,
		Vars:       NewStore(sessionID),
		Metrics:    observability.NewSessionMetrics(sessionID),
		state:      StateActive,
		retries:    make(map[string]int),
		sink:       sink,
		logger:     observability.WithSession(sessionID, def.ID),
	}
	e.sessions[sessionID] = sess
	e.mu.Unlock()

	for name, value := range def.GlobalSettings.InitialVariables {
		sess.Vars.Set(name, value, SourceInitial, 1.0, 0)
	}

	sess.Metrics.RecordSessionStart()
	sess.logger.Info().Str("start_node", def.StartNodeID).Msg("Session started")

	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()
	e.advance(ctx, sess, def.StartNodeID)

	return sess, nil
}

// OnUtteranceComplete processes one completed user utterance through a
// full turn. Turns for one session run strictly sequentially.
func (e *Engine) OnUtteranceComplete(ctx context.Context, sessionID string, audio []byte) error {
	sess, ok := e.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()

	if sess.state == StateTerminated {
		return nil
	}

	utterance := e.transcribe(ctx, sess, audio)
	e.processTurn(ctx, sess, utterance)
	return nil
}

// OnInterrupted cancels any in-flight synthesis for the session.
// Dialog state, variables, and the current node are untouched.
func (e *Engine) OnInterrupted(sessionID string) {
	sess, ok := e.GetSession(sessionID)
	if !ok {
		return
	}
	if sess.cancelOutput() {
		sess.Metrics.RecordTTSEnd("cancelled")
		sess.logger.Debug().Msg("In-flight synthesis cancelled by interruption")
	}
}

// EndSession terminates a session externally, e.g. on transport
// disconnect.
func (e *Engine) EndSession(sessionID, reason string) {
	sess, ok := e.GetSession(sessionID)
	if !ok {
		return
	}
	sess.cancelOutput()
	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()
	if sess.state != StateTerminated {
		e.terminate(sess, reason)
	}
}

// transcribe resolves utterance audio to text. Recognition failure
// degrades to an empty utterance, never an error.
func (e *Engine) transcribe(ctx context.Context, sess *Session, audio []byte) string {
	if len(audio) == 0 {
		return ""
	}
	sess.Metrics.RecordAudioBytes("in", int64(len(audio)))

	callCtx, cancel := context.WithTimeout(ctx, e.opts.TranscribeTimeout)
	defer cancel()

	sess.Metrics.RecordSTTStart()
	text, err := e.stt.Transcribe(callCtx, audio)
	sess.Metrics.RecordSTTEnd(err == nil)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("Transcription failed, treating as empty utterance")
		sess.Metrics.RecordError("transcription_failure", "engine")
		return ""
	}
	return strings.TrimSpace(text)
}

// processTurn runs the per-turn sequence: execute the current node
// against the utterance, evaluate transitions, advance, speak.
func (e *Engine) processTurn(ctx context.Context, sess *Session, utterance string) {
	sess.TurnCount++
	node, ok := sess.Definition.NodeByID(sess.CurrentNodeID)
	if !ok {
		sess.logger.Error().Str("node_id", sess.CurrentNodeID).Msg("Current node vanished from definition")
		e.terminate(sess, "internal_error")
		return
	}

	if utterance == "" {
		// nothing usable was heard; clarify within the same node
		e.reprompt(ctx, sess, node, "")
		return
	}

	sess.appendHistory("user", utterance, node.ID)
	outcome := e.executor.Execute(ctx, node, sess, utterance)

	target := e.evaluator.Evaluate(ctx, node, sess, utterance)
	if target == "" {
		e.reprompt(ctx, sess, node, outcome.Response)
		return
	}

	delete(sess.retries, node.ID)
	sess.state = StateActive
	e.advance(ctx, sess, target)
	sess.Metrics.RecordTurn()
}

// advance moves the session to targetID and runs entry behavior,
// chaining through dialog-free nodes until one waits for input or the
// session terminates.
func (e *Engine) advance(ctx context.Context, sess *Session, targetID string) {
	for hops := 0; ; hops++ {
		if hops >= maxAutoHops {
			sess.logger.Error().Str("node_id", targetID).Msg("Routing chain exceeded hop limit, terminating")
			e.terminate(sess, "routing_loop")
			return
		}

		node, ok := sess.Definition.NodeByID(targetID)
		if !ok {
			sess.logger.Error().Str("node_id", targetID).Msg("Transition target vanished from definition")
			e.terminate(sess, "internal_error")
			return
		}

		sess.CurrentNodeID = node.ID
		sess.logger.Debug().Str("node_id", node.ID).Str("kind", string(node.Kind)).Msg("Entering node")

		outcome := e.executor.Execute(ctx, node, sess, "")
		if outcome.Response != "" {
			sess.appendHistory("agent", outcome.Response, node.ID)
			e.speak(ctx, sess, outcome.Response, node.ID)
		}

		if outcome.EndSession {
			e.terminate(sess, outcome.EndReason)
			return
		}
		if outcome.TransferTo != "" {
			sess.logger.Info().Str("destination", outcome.TransferTo).Msg("Transferring session")
			sess.sink.SessionTransferred(outcome.TransferTo)
			e.terminate(sess, "transferred")
			return
		}
		if node.HasDialog() {
			// wait for the next utterance
			return
		}

		next := e.evaluator.Evaluate(ctx, node, sess, "")
		if next == "" {
			e.reprompt(ctx, sess, node, "")
			return
		}
		delete(sess.retries, node.ID)
		targetID = next
	}
}

// reprompt keeps the session on the current node and asks the user to
// try again, bounded by the retry ceiling.
func (e *Engine) reprompt(ctx context.Context, sess *Session, node *Node, response string) {
	sess.retries[node.ID]++
	ceiling := sess.Definition.GlobalSettings.MaxRetries()

	if sess.retries[node.ID] > ceiling {
		observability.RecordRetryCeiling()
		sess.logger.Warn().
			Str("node_id", node.ID).
			Int("retries", sess.retries[node.ID]-1).
			Msg("Retry ceiling exceeded, forcing fallback transition")

		delete(sess.retries, node.ID)
		if fb := sess.Definition.GlobalSettings.FallbackNodeID; fb != "" {
			sess.state = StateActive
			e.advance(ctx, sess, fb)
			return
		}
		e.speak(ctx, sess, retryFarewell, node.ID)
		e.terminate(sess, "max_retries_exceeded")
		return
	}

	sess.state = StateAwaitingRetry
	if response == "" {
		response = clarificationFallback
	}
	sess.appendHistory("agent", response, node.ID)
	e.speak(ctx, sess, response, node.ID)
}

// speak streams synthesized audio for the response to the session's
// sink. The synthesis is cancellable; an interruption stops delivery
// mid-stream.
func (e *Engine) speak(ctx context.Context, sess *Session, text, nodeID string) {
	sess.sink.SendResponse(text, nodeID)

	// the synthesis outlives this turn's ctx, bounded by its own
	// timeout and cancelled on interruption
	synthCtx, cancel := context.WithTimeout(context.Background(), e.opts.SynthesizeTimeout)
	gen := sess.beginOutput(cancel)

	sess.Metrics.RecordTTSStart()
	stream, err := e.tts.Synthesize(synthCtx, text)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("Synthesis failed, response delivered as text only")
		sess.Metrics.RecordError("synthesis_failure", "engine")
		if sess.finishOutput(gen) {
			sess.Metrics.RecordTTSEnd("error")
		}
		cancel()
		return
	}

	go func() {
		var sent int64
		for chunk := range stream {
			sess.sink.SendAudio(chunk)
			sent += int64(len(chunk))
		}
		sess.Metrics.RecordAudioBytes("out", sent)
		if sess.finishOutput(gen) {
			sess.Metrics.RecordTTSEnd("success")
		}
		cancel()
	}()
}

// terminate moves the session to its terminal state and releases it
func (e *Engine) terminate(sess *Session, reason string) {
	if reason == "" {
		reason = "completed"
	}
	sess.state = StateTerminated
	sess.endReason = reason
	sess.Metrics.RecordSessionEnd()
	sess.sink.SessionEnded(reason)
	sess.logger.Info().Str("reason", reason).Int("turns", sess.TurnCount).Msg("Session ended")

	e.mu.Lock()
	delete(e.sessions, sess.ID)
	e.mu.Unlock()
}
