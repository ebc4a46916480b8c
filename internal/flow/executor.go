package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// clarificationFallback is spoken when a node cannot produce its own
// response text. The engine never leaves a turn unanswered.
const clarificationFallback = "I'm sorry, I didn't catch that. Could you say it again?"

// Outcome is the result of executing one node
type Outcome struct {
	// Response is the text to speak, empty for dialog-free routing
	// nodes
	Response string
	// EndSession marks the session terminated with EndReason
	EndSession bool
	EndReason  string
	// TransferTo is the hand-off destination for transfer nodes
	TransferTo string
}

// Executor dispatches over node kinds. It is stateless and shared
// across sessions; all per-session state lives on the Session.
type Executor struct {
	llm             LanguageService
	registry        *Registry
	llmTimeout      time.Duration
	functionTimeout time.Duration
	logger          zerolog.Logger
}

// NewExecutor creates a node executor
func NewExecutor(llm LanguageService, registry *Registry, llmTimeout, functionTimeout time.Duration) *Executor {
	return &Executor{
		llm:             llm,
		registry:        registry,
		llmTimeout:      llmTimeout,
		functionTimeout: functionTimeout,
		logger:          observability.GetLogger().With().Str("component", "executor").Logger(),
	}
}

// Execute runs one node. utterance is the user's latest text when the
// node is consuming input, empty when the node is being entered.
// The switch is exhaustive over NodeKind; adding a kind without a case
// falls through to the logged default.
func (x *Executor) Execute(ctx context.Context, node *Node, sess *Session, utterance string) Outcome {
	switch node.Kind {
	case KindConversation:
		return x.executeConversation(ctx, node, sess, utterance)
	case KindFunction:
		return x.executeFunction(ctx, node, sess)
	case KindLogicSplit:
		// pure routing, no dialog and no external call
		return Outcome{}
	case KindEnd:
		reason := node.EndReason
		if reason == "" {
			reason = "completed"
		}
		return Outcome{
			Response:   sess.Vars.Interpolate(node.Message),
			EndSession: true,
			EndReason:  reason,
		}
	case KindTransfer:
		return Outcome{
			Response:   sess.Vars.Interpolate(node.Message),
			TransferTo: node.Destination,
		}
	default:
		x.logger.Error().
			Str("session_id", sess.ID).
			Str("node_id", node.ID).
			Str("kind", string(node.Kind)).
			Msg("Unknown node kind")
		return Outcome{Response: clarificationFallback}
	}
}

// executeConversation extracts declared variables from the utterance,
// then produces the node's spoken response. Extraction failure is
// partial and never fatal; the node always yields something to say.
func (x *Executor) executeConversation(ctx context.Context, node *Node, sess *Session, utterance string) Outcome {
	if utterance != "" && len(node.ExtractVariables) > 0 {
		x.extractVariables(ctx, node, sess, utterance)
	}
	return Outcome{Response: x.conversationResponse(ctx, node, sess)}
}

func (x *Executor) extractVariables(ctx context.Context, node *Node, sess *Session, utterance string) {
	callCtx, cancel := context.WithTimeout(ctx, x.llmTimeout)
	defer cancel()

	sess.Metrics.RecordLLMStart()
	extracted, err := x.llm.Extract(callCtx, utterance, node.ExtractVariables, sess.promptContext())
	sess.Metrics.RecordLLMEnd("extract", err == nil)
	if err != nil {
		x.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("node_id", node.ID).
			Msg("Variable extraction failed, continuing without")
		return
	}

	for _, name := range node.ExtractVariables {
		ex, ok := extracted[name]
		if !ok {
			continue
		}
		// the node declared this name, so this write is an explicit
		// re-extraction and bypasses the confidence guard
		sess.Vars.Reextract(name, ex.Value, SourceExtraction, ex.Confidence, sess.TurnCount)
	}
}

// conversationResponse prefers the deterministic template; an
// instruction-seeded generation call covers nodes without one.
func (x *Executor) conversationResponse(ctx context.Context, node *Node, sess *Session) string {
	if node.ResponseTemplate != "" {
		return sess.Vars.Interpolate(node.ResponseTemplate)
	}

	if node.Instruction != "" {
		callCtx, cancel := context.WithTimeout(ctx, x.llmTimeout)
		defer cancel()

		sess.Metrics.RecordLLMStart()
		text, err := x.llm.Generate(callCtx, sess.Vars.Interpolate(node.Instruction), sess.promptContext())
		sess.Metrics.RecordLLMEnd("generate", err == nil)
		if err == nil && text != "" {
			return text
		}
		x.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("node_id", node.ID).
			Msg("Response generation failed, using clarification fallback")
	}

	return clarificationFallback
}

// executeFunction invokes the registered handler and maps its result
// to the node's success or failure message. A panicking or erroring
// handler resolves to the failure message; it never aborts the
// session.
func (x *Executor) executeFunction(ctx context.Context, node *Node, sess *Session) Outcome {
	var parts []string
	if node.PendingMessage != "" {
		parts = append(parts, sess.Vars.Interpolate(node.PendingMessage))
	}

	result, err := x.invoke(ctx, node, sess)
	observability.RecordFunctionCall(node.FunctionName, err == nil)

	if err != nil {
		x.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("node_id", node.ID).
			Str("function", node.FunctionName).
			Msg("Function invocation failed")
		sess.Metrics.RecordError("function_failure", "executor")

		msg := sess.Vars.Interpolate(node.FailureMessage)
		if msg == "" {
			msg = "I wasn't able to complete that step."
		}
		parts = append(parts, msg)
		return Outcome{Response: strings.Join(parts, " ")}
	}

	if node.ResultVariable != "" {
		sess.Vars.Reextract(node.ResultVariable, result, SourceFunction, 1.0, sess.TurnCount)
	}

	msg := node.SuccessMessage
	if msg != "" {
		// {{result}} refers to the handler's return value even when
		// no result variable is declared
		msg = strings.ReplaceAll(msg, "{{result}}", Stringify(result))
		msg = sess.Vars.Interpolate(msg)
		parts = append(parts, msg)
	}
	return Outcome{Response: strings.Join(parts, " ")}
}

// invoke runs the handler with a bounded timeout and converts a panic
// into an error.
func (x *Executor) invoke(ctx context.Context, node *Node, sess *Session) (result any, err error) {
	fn, ok := x.registry.Resolve(node.FunctionName)
	if !ok {
		// the loader validates this, but the registry may differ
		// after a definition swap
		return nil, fmt.Errorf("function %q not registered", node.FunctionName)
	}

	params := make(map[string]string, len(node.Parameters))
	for key, template := range node.Parameters {
		params[key] = sess.Vars.Interpolate(template)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("function %q panicked: %v", node.FunctionName, r)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, x.functionTimeout)
	defer cancel()

	return fn(callCtx, params)
}
