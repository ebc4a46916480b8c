package flow

// NodeKind discriminates the node tagged union
type NodeKind string

const (
	KindConversation NodeKind = "conversation"
	KindFunction     NodeKind = "function"
	KindLogicSplit   NodeKind = "logic_split"
	KindEnd          NodeKind = "end"
	KindTransfer     NodeKind = "transfer"
)

// ConditionKind discriminates edge condition types
type ConditionKind string

const (
	ConditionEquation ConditionKind = "equation"
	ConditionPrompt   ConditionKind = "prompt"
)

// Definition is an immutable dialog graph, loaded once and shared by
// reference across sessions.
type Definition struct {
	ID             string         `json:"id"`
	Version        string         `json:"version"`
	StartNodeID    string         `json:"start_node_id"`
	GlobalSettings GlobalSettings `json:"global_settings"`
	Nodes          []Node         `json:"nodes"`

	// nodesByID is built at load time for O(1) lookup
	nodesByID map[string]*Node
}

// GlobalSettings carries flow-wide tuning and policy
type GlobalSettings struct {
	SystemPrompt        string         `json:"system_prompt,omitempty"`
	SilenceThresholdMs  int            `json:"silence_threshold_ms,omitempty"`
	MinSpeechDurationMs int            `json:"min_speech_duration_ms,omitempty"`
	AllowInterruptions  *bool          `json:"allow_interruptions,omitempty"`
	MaxRetriesPerNode   int            `json:"max_retries_per_node,omitempty"`
	FallbackNodeID      string         `json:"fallback_node_id,omitempty"`
	InitialVariables    map[string]any `json:"initial_variables,omitempty"`
}

// Node is one step in the dialog graph. Fields beyond id/kind/edges are
// meaningful only for the kinds that declare them.
type Node struct {
	ID          string   `json:"id"`
	Kind        NodeKind `json:"kind"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`

	// conversation
	Instruction      string   `json:"instruction,omitempty"`
	ResponseTemplate string   `json:"response_template,omitempty"`
	ExtractVariables []string `json:"extract_variables,omitempty"`

	// function
	FunctionName   string            `json:"function_name,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	PendingMessage string            `json:"pending_message,omitempty"`
	SuccessMessage string            `json:"success_message,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	ResultVariable string            `json:"result_variable,omitempty"`

	// end
	Message   string `json:"message,omitempty"`
	EndReason string `json:"end_reason,omitempty"`

	// transfer
	Destination string `json:"destination,omitempty"`

	Edges []Edge `json:"edges,omitempty"`
}

// Edge is a directed, condition-guarded transition
type Edge struct {
	ID           string      `json:"id"`
	TargetNodeID string      `json:"target_node_id"`
	Description  string      `json:"description,omitempty"`
	IsDefault    bool        `json:"is_default,omitempty"`
	Conditions   []Condition `json:"conditions,omitempty"`
}

// Condition guards an edge. Exactly one of Expression or Prompt is
// populated, matching Kind.
type Condition struct {
	Kind       ConditionKind `json:"kind"`
	Expression string        `json:"expression,omitempty"`
	Prompt     string        `json:"prompt,omitempty"`
}

// NodeByID returns the node with the given id
func (d *Definition) NodeByID(id string) (*Node, bool) {
	n, ok := d.nodesByID[id]
	return n, ok
}

// StartNode returns the flow's entry node
func (d *Definition) StartNode() *Node {
	n, _ := d.nodesByID[d.StartNodeID]
	return n
}

// MaxRetries returns the per-node retry ceiling, defaulting to 3
func (g GlobalSettings) MaxRetries() int {
	if g.MaxRetriesPerNode > 0 {
		return g.MaxRetriesPerNode
	}
	return 3
}

// Interruptions reports whether barge-in cancels output, defaulting
// to the given fallback when the flow does not say.
func (g GlobalSettings) Interruptions(fallback bool) bool {
	if g.AllowInterruptions == nil {
		return fallback
	}
	return *g.AllowInterruptions
}

// HasDialog reports whether the node waits for user input after its
// entry output. Dialog-free nodes are executed and transitioned
// through in the same turn.
func (n *Node) HasDialog() bool {
	return n.Kind == KindConversation
}

// DefaultEdge returns the node's default edge, if any
func (n *Node) DefaultEdge() *Edge {
	for i := range n.Edges {
		if n.Edges[i].IsDefault {
			return &n.Edges[i]
		}
	}
	return nil
}
