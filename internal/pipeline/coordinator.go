package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
	"molorch/internal/jobmgr"
	"molorch/internal/registry"
)

// Hook observes run state transitions.
type Hook interface {
	RunStateChanged(run *Run, prev RunState)
}

// Coordinator validates templates, instantiates runs and drives each run
// with a dedicated goroutine consuming job transitions. It plugs into the
// job manager as a jobmgr.Hook.
type Coordinator struct {
	catalog   *catalog.Catalog
	jobs      *jobmgr.Manager
	templates TemplateStore
	runs      RunStore
	hooks     []Hook

	mu      sync.Mutex
	drivers map[string]*driver

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

var _ jobmgr.Hook = (*Coordinator)(nil)

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(cat *catalog.Catalog, jobs *jobmgr.Manager, templates TemplateStore, runs RunStore, hooks ...Hook) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		catalog:   cat,
		jobs:      jobs,
		templates: templates,
		runs:      runs,
		hooks:     hooks,
		drivers:   make(map[string]*driver),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Close stops all run drivers and waits for them to exit.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

// CreateTemplate validates a template against the catalog and persists it.
// Invalid templates, including cyclic ones, are rejected and never stored.
func (c *Coordinator) CreateTemplate(ctx context.Context, tpl *Template) error {
	if _, err := Resolve(c.catalog, tpl); err != nil {
		return err
	}
	if existing, err := c.templates.LoadTemplate(ctx, tpl.ID); err == nil && existing != nil {
		return apperrors.Conflict("template", tpl.ID, "template "+tpl.ID+" already exists")
	}
	tpl.CreatedAt = time.Now().UTC()
	if err := c.templates.SaveTemplate(ctx, tpl); err != nil {
		return err
	}
	slog.Info("Pipeline template created", "templateId", tpl.ID, "nodes", len(tpl.Nodes))
	return nil
}

// GetTemplate returns one stored template.
func (c *Coordinator) GetTemplate(ctx context.Context, id string) (*Template, error) {
	return c.templates.LoadTemplate(ctx, id)
}

// ListTemplates returns all stored templates.
func (c *Coordinator) ListTemplates(ctx context.Context) ([]*Template, error) {
	return c.templates.ListTemplates(ctx)
}

// StartRun instantiates a template with concrete pipeline-level inputs and
// begins driving it. Root nodes are submitted before StartRun returns.
func (c *Coordinator) StartRun(ctx context.Context, templateID string, inputs map[string]any, callback string) (*Run, error) {
	tpl, err := c.templates.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	plan, err := Resolve(c.catalog, tpl)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		State:      RunRunning,
		Inputs:     inputs,
		Nodes:      make(map[string]*NodeRun, len(tpl.Nodes)),
		Callback:   callback,
		CreatedAt:  time.Now().UTC(),
	}
	if run.Inputs == nil {
		run.Inputs = map[string]any{}
	}
	for _, n := range tpl.Nodes {
		run.Nodes[n.ID] = &NodeRun{State: NodePending}
	}
	if err := c.runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	// Initial notification with prev == state so observers see the run start.
	c.notify(run, RunRunning)

	d := &driver{
		c:         c,
		plan:      plan,
		run:       run,
		events:    make(chan *jobmgr.Job, 64),
		cancelCh:  make(chan struct{}),
		jobToNode: make(map[string]string),
	}
	c.mu.Lock()
	c.drivers[run.ID] = d
	c.mu.Unlock()

	d.submitReady()
	d.persist()
	snapshot := run.Clone()

	c.wg.Add(1)
	go d.loop()

	slog.Info("Pipeline run started", "runId", run.ID, "templateId", templateID)
	return snapshot, nil
}

// GetRun returns one stored run.
func (c *Coordinator) GetRun(ctx context.Context, id string) (*Run, error) {
	return c.runs.LoadRun(ctx, id)
}

// ListRuns returns all stored runs.
func (c *Coordinator) ListRuns(ctx context.Context) ([]*Run, error) {
	return c.runs.ListRuns(ctx)
}

// CancelRun aborts a run: running node jobs are cancelled best-effort and
// not-yet-started nodes are skipped.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	d, ok := c.drivers[runID]
	c.mu.Unlock()
	if !ok {
		run, err := c.runs.LoadRun(ctx, runID)
		if err != nil {
			return err
		}
		return apperrors.Conflict("pipelineRun", runID, "pipeline run "+runID+" is already "+string(run.State))
	}
	select {
	case d.cancelCh <- struct{}{}:
	default: // cancellation already requested
	}
	return nil
}

// JobStateChanged routes a job transition to the driver of its run. Events
// for jobs outside any active run are ignored.
func (c *Coordinator) JobStateChanged(job *jobmgr.Job, prev jobmgr.State) {
	if job.PipelineRunID == "" {
		return
	}
	c.mu.Lock()
	d, ok := c.drivers[job.PipelineRunID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case d.events <- job:
	default:
		// Hook callers must not block; hand off slow deliveries.
		go func() {
			select {
			case d.events <- job:
			case <-c.baseCtx.Done():
			}
		}()
	}
}

func (c *Coordinator) notify(run *Run, prev RunState) {
	for _, h := range c.hooks {
		h.RunStateChanged(run.Clone(), prev)
	}
}

// driver owns one run. All run mutations happen on its goroutine; the rest
// of the system sees only persisted clones.
type driver struct {
	c         *Coordinator
	plan      *Plan
	run       *Run
	events    chan *jobmgr.Job
	cancelCh  chan struct{}
	jobToNode map[string]string // current job ID -> node ID
	aborted   bool
}

func (d *driver) loop() {
	defer d.c.wg.Done()
	for {
		if d.finished() {
			d.finalize()
			return
		}
		select {
		case <-d.c.baseCtx.Done():
			return
		case <-d.cancelCh:
			d.abort()
		case job := <-d.events:
			d.apply(job)
		}
	}
}

// submitReady submits every pending node whose upstream dependencies are
// all completed. Plan order keeps submission deterministic for siblings.
func (d *driver) submitReady() {
	for _, nodeID := range d.plan.Order {
		node := d.run.Nodes[nodeID]
		if node.State != NodePending || d.aborted {
			continue
		}
		if !d.upstreamCompleted(nodeID) {
			continue
		}

		spec, ok := d.plan.Template.Node(nodeID)
		if !ok {
			continue
		}
		job, err := d.c.jobs.Submit(d.c.baseCtx, jobmgr.SubmitSpec{
			TaskRef:       spec.TaskRef,
			Params:        d.nodeInputs(nodeID, spec),
			Constraints:   registry.Constraints{Provider: spec.Provider},
			PipelineRunID: d.run.ID,
		})
		if err != nil {
			node.State = NodeFailed
			node.Error = err.Error()
			d.propagateSkip(nodeID)
			continue
		}

		node.JobID = job.ID
		d.jobToNode[job.ID] = nodeID
		d.applyTerminalJob(nodeID, node, job)
		if node.State == NodePending {
			node.State = NodeRunning
		}
	}
}

// upstreamCompleted reports whether every direct producer of a node reached
// completed.
func (d *driver) upstreamCompleted(nodeID string) bool {
	for _, up := range d.plan.Upstream(nodeID) {
		if d.run.Nodes[up].State != NodeCompleted {
			return false
		}
	}
	return true
}

// nodeInputs builds one node's effective inputs: pipeline-level inputs per
// the node's declared mapping plus upstream outputs per the plan's edges.
func (d *driver) nodeInputs(nodeID string, spec *Node) map[string]any {
	params := make(map[string]any)
	for param, pipelineInput := range spec.Inputs {
		if v, ok := d.run.Inputs[pipelineInput]; ok {
			params[param] = v
		}
	}
	for _, e := range d.plan.EdgesInto(nodeID) {
		if v, ok := d.run.Nodes[e.From].Outputs[e.Output]; ok {
			params[e.Input] = v
		}
	}
	return params
}

// apply folds one job transition into the run.
func (d *driver) apply(job *jobmgr.Job) {
	nodeID, ok := d.jobToNode[job.ID]
	if !ok {
		// A fallback successor announces itself through its RetryOf link.
		prevNode, linked := d.jobToNode[job.RetryOf]
		if !linked {
			return
		}
		delete(d.jobToNode, job.RetryOf)
		d.jobToNode[job.ID] = prevNode
		d.run.Nodes[prevNode].JobID = job.ID
		nodeID = prevNode
	}
	node := d.run.Nodes[nodeID]
	if node.State.Terminal() {
		return
	}

	d.applyTerminalJob(nodeID, node, job)
	if node.State == NodeCompleted {
		d.submitReady()
	}
	d.persist()
}

// applyTerminalJob maps a job's terminal state onto its node, following the
// fallback chain when the failed job was superseded.
func (d *driver) applyTerminalJob(nodeID string, node *NodeRun, job *jobmgr.Job) {
	switch job.State {
	case jobmgr.StateCompleted:
		node.State = NodeCompleted
		node.Outputs = job.Outputs

	case jobmgr.StateFailed:
		if job.SupersededBy != "" {
			// Another provider is taking over; keep the node running and
			// track the successor job.
			delete(d.jobToNode, job.ID)
			d.jobToNode[job.SupersededBy] = nodeID
			node.JobID = job.SupersededBy
			return
		}
		node.State = NodeFailed
		if job.Error != nil {
			node.Error = job.Error.Message
		}
		d.propagateSkip(nodeID)

	case jobmgr.StateCancelled:
		node.State = NodeCancelled
		d.propagateSkip(nodeID)
	}
}

// propagateSkip marks every pending transitive consumer of a node skipped.
// A failed or cancelled ancestor means the consumer is never attempted.
func (d *driver) propagateSkip(nodeID string) {
	for _, down := range d.plan.Descendants(nodeID) {
		if d.run.Nodes[down].State == NodePending {
			d.run.Nodes[down].State = NodeSkipped
		}
	}
}

// abort cancels running node jobs best-effort and skips pending nodes.
func (d *driver) abort() {
	d.aborted = true
	for nodeID, node := range d.run.Nodes {
		switch node.State {
		case NodePending:
			node.State = NodeSkipped
		case NodeRunning:
			if _, err := d.c.jobs.Cancel(d.c.baseCtx, node.JobID); err != nil {
				slog.Warn("Node job cancellation failed",
					"runId", d.run.ID, "node", nodeID, "jobId", node.JobID, "error", err)
				node.State = NodeCancelled
			}
			// The cancelled event finishes the node through apply.
		}
	}
	d.persist()
}

// finished reports whether every node is terminal.
func (d *driver) finished() bool {
	for _, node := range d.run.Nodes {
		if !node.State.Terminal() {
			return false
		}
	}
	return true
}

// deriveState computes the run status from node statuses.
func (d *driver) deriveState() RunState {
	if d.aborted {
		return RunCancelled
	}
	allCompleted := true
	for _, node := range d.run.Nodes {
		switch node.State {
		case NodeFailed, NodeCancelled, NodeSkipped:
			return RunFailed
		case NodeCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return RunCompleted
	}
	return RunRunning
}

// persist recomputes the derived state and saves a snapshot of the run.
func (d *driver) persist() {
	prev := d.run.State
	d.run.State = d.deriveState()
	if err := d.c.runs.SaveRun(d.c.baseCtx, d.run.Clone()); err != nil {
		slog.Error("Pipeline run save failed", "runId", d.run.ID, "error", err)
	}
	if d.run.State != prev {
		d.c.notify(d.run, prev)
	}
}

// finalize stamps completion, persists and unregisters the driver.
func (d *driver) finalize() {
	d.run.CompletedAt = time.Now().UTC()
	d.persist()

	d.c.mu.Lock()
	delete(d.c.drivers, d.run.ID)
	d.c.mu.Unlock()

	slog.Info("Pipeline run finished", "runId", d.run.ID, "state", d.run.State)
}
