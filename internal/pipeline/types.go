// Package pipeline turns named DAG templates of task references into
// executable plans and drives their execution through the job manager.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"molorch/internal/apperrors"
)

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

const maxNodes = 256

// Node is one task invocation inside a template. Inputs maps a task
// parameter to the pipeline-level input that feeds it; parameters fed from
// upstream nodes are wired by Edges instead.
type Node struct {
	ID       string            `yaml:"id" json:"id"`
	TaskRef  string            `yaml:"task" json:"task"`
	Provider string            `yaml:"provider,omitempty" json:"provider,omitempty"` // optional pin
	Inputs   map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`     // task param -> pipeline input name
}

// Edge feeds one node's output into another node's input parameter.
type Edge struct {
	From   string `yaml:"from" json:"from"`     // producer node ID
	Output string `yaml:"output" json:"output"` // producer output name
	To     string `yaml:"to" json:"to"`         // consumer node ID
	Input  string `yaml:"input" json:"input"`   // consumer task parameter
}

// Template is a named DAG of task references. Validated at authoring time;
// never persisted in a broken state.
type Template struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name,omitempty" json:"name,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []string  `yaml:"inputs,omitempty" json:"inputs,omitempty"` // declared pipeline-level input names
	Nodes       []Node    `yaml:"nodes" json:"nodes"`
	Edges       []Edge    `yaml:"edges,omitempty" json:"edges,omitempty"`
	CreatedAt   time.Time `yaml:"-" json:"createdAt,omitzero"`
}

// Node returns the node with the given ID, if present.
func (t *Template) Node(id string) (*Node, bool) {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i], true
		}
	}
	return nil, false
}

// NodeState is a node's place in the run lifecycle. It extends the job
// state machine with "pending" (not yet submitted) and "skipped" (never
// attempted because an ancestor failed or was cancelled).
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running" // job submitted, not yet terminal
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeCancelled NodeState = "cancelled"
	NodeSkipped   NodeState = "skipped"
)

// Terminal reports whether the node can make no further progress.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	}
	return false
}

// RunState is the overall status of a pipeline run, derived from its nodes.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run reached a final status.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeRun is one node's progress within a run.
type NodeRun struct {
	State   NodeState      `json:"state"`
	JobID   string         `json:"jobId,omitempty"` // current job of the attempt chain
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Run is one execution instance of a template with concrete inputs.
type Run struct {
	ID          string              `json:"id"`
	TemplateID  string              `json:"templateId"`
	State       RunState            `json:"state"`
	Inputs      map[string]any      `json:"inputs"`
	Nodes       map[string]*NodeRun `json:"nodes"`
	Callback    string              `json:"callback,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt time.Time           `json:"completedAt,omitzero"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Run) Clone() *Run {
	c := *r
	c.Inputs = make(map[string]any, len(r.Inputs))
	for k, v := range r.Inputs {
		c.Inputs[k] = v
	}
	c.Nodes = make(map[string]*NodeRun, len(r.Nodes))
	for id, n := range r.Nodes {
		nc := *n
		if n.Outputs != nil {
			nc.Outputs = make(map[string]any, len(n.Outputs))
			for k, v := range n.Outputs {
				nc.Outputs[k] = v
			}
		}
		c.Nodes[id] = &nc
	}
	return &c
}

// TemplateStore persists pipeline templates.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *Template) error
	LoadTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
}

// RunStore persists pipeline runs.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	LoadRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)
}

func validationErr(field, format string, args ...any) error {
	return apperrors.Validation(field, fmt.Sprintf(format, args...))
}
