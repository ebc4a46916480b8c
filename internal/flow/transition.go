package flow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// PromptJudge is the slice of the language collaborator the evaluator
// needs for prompt conditions.
type PromptJudge interface {
	EvaluatePromptCondition(ctx context.Context, utterance, condition string, pctx PromptContext) (bool, error)
}

// Evaluator selects at most one outgoing edge for a node. Edges are
// tried in declaration order, first full match wins; the default edge
// is always tried last regardless of where the author placed it.
type Evaluator struct {
	equations     *EquationEngine
	judge         PromptJudge
	promptTimeout time.Duration
	logger        zerolog.Logger
}

// NewEvaluator creates a transition evaluator. judge may be nil, in
// which case every prompt condition counts as not satisfied.
func NewEvaluator(equations *EquationEngine, judge PromptJudge, promptTimeout time.Duration) *Evaluator {
	return &Evaluator{
		equations:     equations,
		judge:         judge,
		promptTimeout: promptTimeout,
		logger:        observability.GetLogger().With().Str("component", "transition").Logger(),
	}
}

// Evaluate returns the target node id of the selected edge, or ""
// when no edge matches and no default exists. The caller treats ""
// as the re-prompt signal.
func (e *Evaluator) Evaluate(ctx context.Context, node *Node, sess *Session, utterance string) string {
	vars := sess.Vars.Snapshot()

	for i := range node.Edges {
		edge := &node.Edges[i]
		if edge.IsDefault {
			continue
		}
		if e.edgeMatches(ctx, edge, sess, utterance, vars) {
			e.logger.Debug().
				Str("session_id", sess.ID).
				Str("node_id", node.ID).
				Str("edge_id", edge.ID).
				Str("target", edge.TargetNodeID).
				Msg("Edge matched")
			observability.RecordTransition("matched")
			return edge.TargetNodeID
		}
	}

	if def := node.DefaultEdge(); def != nil {
		e.logger.Debug().
			Str("session_id", sess.ID).
			Str("node_id", node.ID).
			Str("target", def.TargetNodeID).
			Msg("Taking default edge")
		observability.RecordTransition("default")
		return def.TargetNodeID
	}

	observability.RecordTransition("none")
	return ""
}

// edgeMatches requires every condition on the edge to hold
func (e *Evaluator) edgeMatches(ctx context.Context, edge *Edge, sess *Session, utterance string, vars map[string]any) bool {
	for _, cond := range edge.Conditions {
		switch cond.Kind {
		case ConditionEquation:
			if !e.equations.Evaluate(cond.Expression, vars) {
				return false
			}
		case ConditionPrompt:
			if !e.judgePrompt(ctx, cond.Prompt, sess, utterance, vars) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// judgePrompt makes one bounded semantic call. Failure or timeout is
// "condition not satisfied", never an error.
func (e *Evaluator) judgePrompt(ctx context.Context, condition string, sess *Session, utterance string, vars map[string]any) bool {
	if e.judge == nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.promptTimeout)
	defer cancel()

	ok, err := e.judge.EvaluatePromptCondition(callCtx, utterance, condition, PromptContext{
		SystemPrompt: sess.Definition.GlobalSettings.SystemPrompt,
		History:      sess.RecentHistory(),
		Variables:    vars,
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("session_id", sess.ID).
			Str("condition", condition).
			Msg("Prompt condition call failed, treating as not satisfied")
		return false
	}
	return ok
}
