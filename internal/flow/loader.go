package flow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// ValidationError reports why a flow definition was rejected at load
// time. A rejected definition is never exposed to the engine.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid flow definition: %s", e.Problems[0])
	}
	return fmt.Sprintf("invalid flow definition: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Load reads and validates a flow definition from a JSON file
func Load(path string, registry *Registry) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition: %w", err)
	}
	return Parse(data, registry)
}

// Parse parses and validates a flow definition from JSON bytes.
// Validation failure is atomic; no partially built definition escapes.
func Parse(data []byte, registry *Registry) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}

	if err := validate(&def, registry); err != nil {
		return nil, err
	}

	def.nodesByID = make(map[string]*Node, len(def.Nodes))
	for i := range def.Nodes {
		def.nodesByID[def.Nodes[i].ID] = &def.Nodes[i]
	}

	warnUnreachable(&def)

	return &def, nil
}

func validate(def *Definition, registry *Registry) error {
	var problems []string

	if def.ID == "" {
		problems = append(problems, "flow id is required")
	}
	if len(def.Nodes) == 0 {
		problems = append(problems, "flow has no nodes")
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			problems = append(problems, fmt.Sprintf("node at index %d has no id", i))
			continue
		}
		if ids[node.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", node.ID))
		}
		ids[node.ID] = true
	}

	if def.StartNodeID == "" {
		problems = append(problems, "start_node_id is required")
	} else if !ids[def.StartNodeID] {
		problems = append(problems, fmt.Sprintf("start_node_id %q references no node", def.StartNodeID))
	}

	if fb := def.GlobalSettings.FallbackNodeID; fb != "" && !ids[fb] {
		problems = append(problems, fmt.Sprintf("fallback_node_id %q references no node", fb))
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		problems = append(problems, validateNode(node, ids, registry)...)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateNode(node *Node, ids map[string]bool, registry *Registry) []string {
	var problems []string

	switch node.Kind {
	case KindConversation, KindLogicSplit, KindEnd, KindTransfer:
	case KindFunction:
		if node.FunctionName == "" {
			problems = append(problems, fmt.Sprintf("function node %q has no function_name", node.ID))
		} else if registry != nil {
			if _, ok := registry.Resolve(node.FunctionName); !ok {
				problems = append(problems, fmt.Sprintf("function node %q references unregistered function %q", node.ID, node.FunctionName))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("node %q has unknown kind %q", node.ID, node.Kind))
	}

	if node.Kind == KindTransfer && node.Destination == "" {
		problems = append(problems, fmt.Sprintf("transfer node %q has no destination", node.ID))
	}

	defaults := 0
	for j := range node.Edges {
		edge := &node.Edges[j]
		if edge.TargetNodeID == "" {
			problems = append(problems, fmt.Sprintf("node %q edge %q has no target", node.ID, edge.ID))
		} else if !ids[edge.TargetNodeID] {
			problems = append(problems, fmt.Sprintf("node %q edge %q targets unknown node %q", node.ID, edge.ID, edge.TargetNodeID))
		}
		if edge.IsDefault {
			defaults++
		}
		for _, cond := range edge.Conditions {
			switch cond.Kind {
			case ConditionEquation:
				if cond.Expression == "" {
					problems = append(problems, fmt.Sprintf("node %q edge %q has an equation condition with no expression", node.ID, edge.ID))
				}
			case ConditionPrompt:
				if cond.Prompt == "" {
					problems = append(problems, fmt.Sprintf("node %q edge %q has a prompt condition with no prompt", node.ID, edge.ID))
				}
			default:
				problems = append(problems, fmt.Sprintf("node %q edge %q has unknown condition kind %q", node.ID, edge.ID, cond.Kind))
			}
		}
	}
	if defaults > 1 {
		problems = append(problems, fmt.Sprintf("node %q has %d default edges, at most one allowed", node.ID, defaults))
	}

	return problems
}

// warnUnreachable logs nodes not reachable from the start node.
// Authors stage flows incrementally, so this is a warning, not an
// error.
func warnUnreachable(def *Definition) {
	reachable := make(map[string]bool, len(def.Nodes))
	stack := []string{def.StartNodeID}
	if fb := def.GlobalSettings.FallbackNodeID; fb != "" {
		stack = append(stack, fb)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		if node, ok := def.nodesByID[id]; ok {
			for _, edge := range node.Edges {
				stack = append(stack, edge.TargetNodeID)
			}
		}
	}
	logger := observability.GetLogger()
	for _, node := range def.Nodes {
		if !reachable[node.ID] {
			logger.Warn().
				Str("flow_id", def.ID).
				Str("node_id", node.ID).
				Msg("Node is unreachable from the start node")
		}
	}
}
