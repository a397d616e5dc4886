package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/itsandyd/ppr-academy-sub023/internal/delivery"
	"github.com/itsandyd/ppr-academy-sub023/internal/observability"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInvalidDefinition  = errors.New("workflow definition is invalid")
	ErrWorkflowDisabled   = errors.New("workflow disabled")
	ErrRunNotFound        = errors.New("run not found")
	ErrRunFinished        = errors.New("run already finished")
)

// Failure codes stored on failed runs.
const (
	CodeWorkflowNotFound  = "workflow_not_found"
	CodeInvalidDefinition = "invalid_definition"
	CodeDeadEnd           = "dead_end"
	CodeStepLimit         = "step_limit_exceeded"
)

// Subject identifies who a run acts on.
type Subject struct {
	ContactID     string         `json:"contactId,omitempty"`
	StoreID       string         `json:"storeId" validate:"required"`
	CustomerEmail string         `json:"customerEmail" validate:"required,email"`
	ExecutionData map[string]any `json:"executionData,omitempty"`
}

// Key is the stable identity used for variant assignment.
func (s Subject) Key() string {
	if s.ContactID != "" {
		return s.ContactID
	}
	return strings.ToLower(strings.TrimSpace(s.CustomerEmail))
}

type RunHandle struct {
	RunID      uuid.UUID `json:"runId"`
	WorkflowID uuid.UUID `json:"workflowId"`
}

type Options struct {
	PollInterval   time.Duration
	ReloadInterval time.Duration
	Workers        int
	BatchSize      int
	LeaseDuration  time.Duration

	// DeliveryRetries is the number of retries after the first attempt.
	DeliveryRetries    int
	DeliveryBackoff    time.Duration
	DeliveryBackoffMax time.Duration

	// DisableImmediate leaves new runs to the poller instead of starting them
	// in a goroutine right away.
	DisableImmediate bool
	Now              func() time.Time
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReloadInterval <= 0 {
		o.ReloadInterval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.DeliveryRetries < 0 {
		o.DeliveryRetries = 0
	}
	if o.DeliveryBackoff <= 0 {
		o.DeliveryBackoff = 500 * time.Millisecond
	}
	if o.DeliveryBackoffMax <= 0 {
		o.DeliveryBackoffMax = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine interprets workflow graphs as durable runs. All run state lives in
// the store; the engine only caches compiled definitions.
type Engine struct {
	repo     *store.Repo
	email    delivery.EmailSender
	webhooks delivery.WebhookPoster
	events   *RunEventHub
	opts     Options

	mu        sync.RWMutex
	workflows map[uuid.UUID]store.Workflow
	graphs    map[uuid.UUID]*Graph

	cron *cron.Cron
	// inflight tracks runs started by kick so Stop can drain them.
	inflight sync.WaitGroup
}

func New(repo *store.Repo, email delivery.EmailSender, webhooks delivery.WebhookPoster, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		repo:      repo,
		email:     email,
		webhooks:  webhooks,
		events:    NewRunEventHub(),
		opts:      opts,
		workflows: map[uuid.UUID]store.Workflow{},
		graphs:    map[uuid.UUID]*Graph{},
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func (e *Engine) SubscribeRunEvents(runID uuid.UUID) (<-chan RunEvent, func()) {
	return e.events.Subscribe(runID)
}

func (e *Engine) publish(run *store.WorkflowRun, evt RunEvent) {
	evt.WorkflowID = run.WorkflowID.String()
	e.events.Publish(run.ID, evt)
}

// Start loads definitions and schedules the due-run poller and the periodic reload.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc("@every "+e.opts.PollInterval.String(), func() {
		if _, err := e.PollDue(ctx); err != nil {
			slog.Warn("poll due runs failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc("@every "+e.opts.ReloadInterval.String(), func() {
		if err := e.reload(ctx); err != nil {
			slog.Warn("workflow reload failed", "error", err)
		}
	}); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Stop halts the schedules and waits for in-flight runs to settle.
func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.inflight.Wait()
}

// ReloadNow refreshes cached definitions so API changes apply immediately.
func (e *Engine) ReloadNow(ctx context.Context) error { return e.reload(ctx) }

func (e *Engine) reload(ctx context.Context) error {
	rows, err := e.repo.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	workflows := make(map[uuid.UUID]store.Workflow, len(rows))
	graphs := make(map[uuid.UUID]*Graph, len(rows))
	for _, w := range rows {
		workflows[w.ID] = w
		g, err := ParseDefinition(w.Definition)
		if err != nil {
			slog.Warn("invalid workflow definition", "workflow_id", w.ID, "error", err)
			continue
		}
		graphs[w.ID] = g
	}
	e.mu.Lock()
	e.workflows = workflows
	e.graphs = graphs
	e.mu.Unlock()
	return nil
}

func (e *Engine) remember(w store.Workflow) {
	g, err := ParseDefinition(w.Definition)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[w.ID] = w
	if err != nil {
		delete(e.graphs, w.ID)
		return
	}
	e.graphs[w.ID] = g
}

// lookup returns the workflow and its compiled graph, falling back to the
// store for workflows created since the last reload.
func (e *Engine) lookup(ctx context.Context, id uuid.UUID) (store.Workflow, *Graph, error) {
	e.mu.RLock()
	w, okW := e.workflows[id]
	g, okG := e.graphs[id]
	e.mu.RUnlock()
	if okW && okG {
		return w, g, nil
	}
	row, err := e.repo.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workflow{}, nil, ErrDefinitionNotFound
	}
	if err != nil {
		return store.Workflow{}, nil, err
	}
	e.remember(*row)
	g, err = ParseDefinition(row.Definition)
	if err != nil {
		return *row, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return *row, g, nil
}

// WorkflowsForTrigger lists enabled workflows of a store whose trigger type matches.
func (e *Engine) WorkflowsForTrigger(storeID, triggerType string) []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []uuid.UUID
	for id, w := range e.workflows {
		if !w.Enabled || w.StoreID != storeID {
			continue
		}
		g, ok := e.graphs[id]
		if !ok {
			continue
		}
		if strings.EqualFold(w.TriggerType, triggerType) || strings.EqualFold(g.TriggerType(), triggerType) {
			out = append(out, id)
		}
	}
	return out
}

// StartRun creates a run positioned at the workflow's first non-trigger node.
// A workflow that cannot be found still gets a run record, failed with
// workflow_not_found, and the call returns ErrDefinitionNotFound.
func (e *Engine) StartRun(ctx context.Context, workflowID uuid.UUID, subject Subject) (RunHandle, error) {
	subject.CustomerEmail = strings.TrimSpace(subject.CustomerEmail)
	if err := validate.Struct(subject); err != nil {
		return RunHandle{}, err
	}
	var execData datatypes.JSON
	if len(subject.ExecutionData) > 0 {
		b, err := json.Marshal(subject.ExecutionData)
		if err != nil {
			return RunHandle{}, err
		}
		execData = b
	}
	run := &store.WorkflowRun{
		WorkflowID:    workflowID,
		StoreID:       subject.StoreID,
		ContactID:     subject.ContactID,
		CustomerEmail: subject.CustomerEmail,
		ExecutionData: execData,
	}
	handle := func() RunHandle { return RunHandle{RunID: run.ID, WorkflowID: workflowID} }

	w, g, err := e.lookup(ctx, workflowID)
	switch {
	case errors.Is(err, ErrDefinitionNotFound), errors.Is(err, ErrInvalidDefinition):
		code := CodeWorkflowNotFound
		if errors.Is(err, ErrInvalidDefinition) {
			code = CodeInvalidDefinition
		}
		now := e.now()
		run.Status = store.RunFailed
		run.Error = code
		run.FinishedAt = &now
		if cerr := e.repo.CreateRun(ctx, run); cerr != nil {
			return RunHandle{}, cerr
		}
		observability.RunsStarted.WithLabelValues(code).Inc()
		observability.RunsFinished.WithLabelValues(store.RunFailed).Inc()
		e.publish(run, RunEvent{Type: "run_finished", Status: store.RunFailed, Error: code})
		return handle(), err
	case err != nil:
		return RunHandle{}, err
	}
	if !w.Enabled {
		observability.RunsStarted.WithLabelValues("disabled").Inc()
		return RunHandle{}, ErrWorkflowDisabled
	}

	now := e.now()
	start, ok := g.StartNode()
	if ok {
		run.Status = store.RunPending
		run.CurrentNodeID = start
		run.DueAt = &now
	} else {
		run.Status = store.RunCompleted
		run.FinishedAt = &now
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return RunHandle{}, err
	}
	observability.RunsStarted.WithLabelValues("started").Inc()
	e.publish(run, RunEvent{Type: "run_started", Status: run.Status, NodeID: start})
	slog.Info("workflow run started", "run_id", run.ID, "workflow_id", workflowID, "store_id", subject.StoreID)
	if !ok {
		observability.RunsFinished.WithLabelValues(store.RunCompleted).Inc()
		e.publish(run, RunEvent{Type: "run_finished", Status: store.RunCompleted})
		return handle(), nil
	}
	e.kick(run.ID)
	return handle(), nil
}

func (e *Engine) kick(runID uuid.UUID) {
	if e.opts.DisableImmediate {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx := context.Background()
		ok, err := e.repo.ClaimRun(ctx, runID, e.now(), e.opts.LeaseDuration)
		if err != nil {
			slog.Warn("claim run failed", "run_id", runID, "error", err)
			return
		}
		if !ok {
			return
		}
		if err := e.Advance(ctx, runID); err != nil {
			slog.Warn("advance run failed", "run_id", runID, "error", err)
		}
	}()
}

// Cancel stops a live run. Sleeping runs never wake up afterwards and a run
// mid-execution stops before its next node.
func (e *Engine) Cancel(ctx context.Context, h RunHandle) error {
	ok, err := e.repo.CancelRun(ctx, h.RunID)
	if err != nil {
		return err
	}
	run, gerr := e.repo.GetRun(ctx, h.RunID)
	if errors.Is(gerr, store.ErrNotFound) {
		return ErrRunNotFound
	}
	if gerr != nil {
		return gerr
	}
	if !ok {
		return ErrRunFinished
	}
	observability.RunsFinished.WithLabelValues(store.RunCancelled).Inc()
	e.publish(run, RunEvent{Type: "run_cancelled", Status: store.RunCancelled, NodeID: run.CurrentNodeID})
	slog.Info("workflow run cancelled", "run_id", run.ID, "node_id", run.CurrentNodeID)
	return nil
}

// PollDue claims runs whose due time has passed and advances them on a
// bounded worker pool. It returns the number of runs claimed.
func (e *Engine) PollDue(ctx context.Context) (int, error) {
	runs, err := e.repo.ClaimDueRuns(ctx, e.now(), e.opts.LeaseDuration, e.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, r := range runs {
		id := r.ID
		g.Go(func() error {
			if err := e.Advance(ctx, id); err != nil {
				slog.Warn("advance run failed", "run_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(runs), nil
}

type nodeResult struct {
	next      string
	sleep     time.Duration
	stop      bool
	failCode  string
	stepState string
	stepError string
	output    map[string]any
}

// Advance executes a claimed run from its current node until it sleeps,
// stops, fails, completes or is cancelled.
func (e *Engine) Advance(ctx context.Context, runID uuid.UUID) error {
	run, err := e.repo.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	_, g, err := e.lookup(ctx, run.WorkflowID)
	switch {
	case errors.Is(err, ErrDefinitionNotFound):
		return e.finish(ctx, run, store.RunFailed, "", CodeWorkflowNotFound)
	case errors.Is(err, ErrInvalidDefinition):
		return e.finish(ctx, run, store.RunFailed, "", CodeInvalidDefinition)
	case err != nil:
		return err
	}

	nodeID := run.CurrentNodeID
	for steps := 0; ; steps++ {
		cur, err := e.repo.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return nil
		}
		run = cur
		if nodeID == "" {
			return e.finish(ctx, run, store.RunCompleted, "", "")
		}
		if steps > g.Len() {
			return e.finish(ctx, run, store.RunFailed, nodeID, CodeStepLimit)
		}
		node, ok := g.Node(nodeID)
		if !ok {
			return e.finish(ctx, run, store.RunFailed, nodeID, CodeDeadEnd)
		}

		res := e.execNode(ctx, run, g, node)
		switch {
		case res.failCode != "":
			return e.finish(ctx, run, store.RunFailed, node.ID, res.failCode)
		case res.stop:
			return e.finish(ctx, run, store.RunCompleted, node.ID, "")
		case res.sleep > 0:
			due := e.now().Add(res.sleep)
			saved, err := e.repo.SaveProgress(ctx, run.ID, res.next, store.RunSleeping, &due)
			if err != nil || !saved {
				return err
			}
			e.publish(run, RunEvent{Type: "run_sleeping", Status: store.RunSleeping, NodeID: res.next, DueAt: &due})
			slog.Debug("workflow run sleeping", "run_id", run.ID, "resume_node", res.next, "due_at", due)
			return nil
		case res.next == "":
			return e.finish(ctx, run, store.RunCompleted, "", "")
		}

		now := e.now()
		saved, err := e.repo.SaveProgress(ctx, run.ID, res.next, store.RunRunning, &now)
		if err != nil || !saved {
			return err
		}
		nodeID = res.next
	}
}

func (e *Engine) finish(ctx context.Context, run *store.WorkflowRun, status, stoppedAt, code string) error {
	ok, err := e.repo.FinishRun(ctx, run.ID, status, stoppedAt, code)
	if err != nil || !ok {
		return err
	}
	observability.RunsFinished.WithLabelValues(status).Inc()
	e.publish(run, RunEvent{Type: "run_finished", Status: status, NodeID: stoppedAt, Error: code, Variant: run.Variant})
	if status == store.RunFailed {
		slog.Warn("workflow run failed", "run_id", run.ID, "node_id", stoppedAt, "error", code)
	} else {
		slog.Info("workflow run finished", "run_id", run.ID, "status", status, "stopped_at", stoppedAt)
	}
	return nil
}

func (e *Engine) execNode(ctx context.Context, run *store.WorkflowRun, g *Graph, node Node) nodeResult {
	step := &store.WorkflowRunStep{RunID: run.ID, NodeID: node.ID, NodeType: node.Type, Status: "running", StartedAt: e.now()}
	if err := e.repo.CreateStep(ctx, step); err != nil {
		slog.Warn("create step failed", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	e.publish(run, RunEvent{Type: "node_started", NodeID: node.ID, NodeType: node.Type, StepID: step.ID.String(), Status: "running"})

	res := e.dispatch(ctx, run, g, node)
	if res.stepState == "" {
		res.stepState = "success"
	}
	var out []byte
	if len(res.output) > 0 {
		out, _ = json.Marshal(res.output)
	}
	if err := e.repo.FinishStep(ctx, step.ID, res.stepState, out, res.stepError); err != nil {
		slog.Warn("finish step failed", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	observability.NodeExecutions.WithLabelValues(node.Type, res.stepState).Inc()
	e.publish(run, RunEvent{Type: "node_finished", NodeID: node.ID, NodeType: node.Type, StepID: step.ID.String(), Status: res.stepState, Error: res.stepError, Variant: run.Variant})
	return res
}

func (e *Engine) dispatch(ctx context.Context, run *store.WorkflowRun, g *Graph, node Node) nodeResult {
	next := func(handle string) string {
		id, _ := g.Next(node.ID, handle)
		return id
	}

	switch node.Type {
	case NodeTrigger, NodeNotify:
		return nodeResult{next: next("")}

	case NodeStop:
		return nodeResult{stop: true}

	case NodeDelay:
		d, _ := payload[DelayData](g, node.ID)
		dur := d.Duration()
		return nodeResult{next: next(""), sleep: dur, output: map[string]any{"delayMs": dur.Milliseconds()}}

	case NodeEmail:
		d, _ := payload[EmailData](g, node.ID)
		res := e.sendEmail(ctx, run, node.ID, d.TemplateID)
		if run.Variant != "" {
			if err := e.repo.MarkAssignmentResult(ctx, run.ID, res.OK); err != nil {
				slog.Warn("mark ab result failed", "run_id", run.ID, "error", err)
			}
		}
		r := nodeResult{next: next(""), output: map[string]any{"templateId": d.TemplateID, "delivered": res.OK}}
		if !res.OK {
			r.stepState, r.stepError = "failed", res.Reason
		}
		return r

	case NodeWebhook:
		d, _ := payload[WebhookData](g, node.ID)
		res := e.postWebhook(ctx, run, node.ID, d.WebhookURL)
		r := nodeResult{next: next(""), output: map[string]any{"delivered": res.OK, "status": res.StatusCode}}
		if !res.OK {
			r.stepState, r.stepError = "failed", res.Reason
		}
		return r

	case NodeCondition:
		d, _ := payload[ConditionData](g, node.ID)
		st := e.subjectState(ctx, run)
		handle := "false"
		if EvaluateNode(st, d, e.now()) {
			handle = "true"
		}
		target, ok := g.Next(node.ID, handle)
		if !ok {
			return nodeResult{failCode: CodeDeadEnd, stepState: "failed", stepError: "no edge for branch " + handle}
		}
		return nodeResult{next: target, output: map[string]any{"branch": handle}}

	case NodeGoal:
		d, _ := payload[GoalData](g, node.ID)
		if GoalAchieved(e.subjectState(ctx, run), d) {
			return nodeResult{stop: true, output: map[string]any{"achieved": true}}
		}
		return nodeResult{next: next(""), output: map[string]any{"achieved": false}}

	case NodeSplit:
		d, _ := payload[SplitData](g, node.ID)
		subject := Subject{ContactID: run.ContactID, CustomerEmail: run.CustomerEmail}
		variant := strings.ToUpper(d.Winner)
		if variant == "" {
			variant = AssignVariant(subject.Key(), d.Percent())
		}
		err := e.repo.RecordAssignment(ctx, &store.ABAssignment{RunID: run.ID, NodeID: node.ID, WorkflowID: run.WorkflowID, SubjectKey: subject.Key(), Variant: variant})
		if err != nil {
			slog.Warn("record ab assignment failed", "run_id", run.ID, "error", err)
		}
		if err := e.repo.SetRunVariant(ctx, run.ID, variant); err != nil {
			slog.Warn("set run variant failed", "run_id", run.ID, "error", err)
		}
		run.Variant = variant
		target, ok := g.Next(node.ID, strings.ToLower(variant))
		if !ok {
			target = next("")
		}
		return nodeResult{next: target, output: map[string]any{"variant": variant}}

	case NodeAction:
		d, _ := payload[ActionData](g, node.ID)
		return e.applyAction(ctx, run, d, next(""))
	}

	slog.Info("skipping unsupported node type", "run_id", run.ID, "node_id", node.ID, "type", node.Type)
	return nodeResult{next: next(""), stepState: "skipped"}
}

func (e *Engine) applyAction(ctx context.Context, run *store.WorkflowRun, d ActionData, next string) nodeResult {
	var edit func(tags []string) []string
	switch d.ActionType {
	case "add_tag":
		edit = func(tags []string) []string {
			for _, t := range tags {
				if t == d.TagID {
					return tags
				}
			}
			return append(tags, d.TagID)
		}
	case "remove_tag":
		edit = func(tags []string) []string {
			out := tags[:0]
			for _, t := range tags {
				if t != d.TagID {
					out = append(out, t)
				}
			}
			return out
		}
	default:
		return nodeResult{next: next, stepState: "skipped"}
	}
	_, err := e.repo.UpdateContact(ctx, run.StoreID, run.CustomerEmail, func(c *store.Contact) {
		c.Tags = store.EncodeStrings(edit(c.TagList()))
	})
	if err != nil {
		return nodeResult{next: next, stepState: "failed", stepError: err.Error()}
	}
	return nodeResult{next: next, output: map[string]any{"action": d.ActionType, "tagId": d.TagID}}
}

func (e *Engine) subjectState(ctx context.Context, run *store.WorkflowRun) SubjectState {
	var execData map[string]any
	if len(run.ExecutionData) > 0 {
		_ = json.Unmarshal(run.ExecutionData, &execData)
	}
	c, err := e.repo.FindContact(ctx, run.StoreID, run.ContactID, run.CustomerEmail)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("load contact failed", "run_id", run.ID, "error", err)
		}
		return StateFromContact(nil, execData)
	}
	return StateFromContact(c, execData)
}

func (e *Engine) sendEmail(ctx context.Context, run *store.WorkflowRun, nodeID, templateID string) delivery.Result {
	if e.email == nil {
		return delivery.FailedPermanent("email delivery is not configured")
	}
	rcpt := delivery.Recipient{
		Email:     run.CustomerEmail,
		ContactID: run.ContactID,
		StoreID:   run.StoreID,
		RunID:     run.ID.String(),
		NodeID:    nodeID,
	}
	if c, err := e.repo.FindContact(ctx, run.StoreID, run.ContactID, run.CustomerEmail); err == nil {
		rcpt.FirstName, rcpt.LastName = c.FirstName, c.LastName
	}
	return e.deliver(ctx, run, nodeID, "email", func(ctx context.Context) delivery.Result {
		return e.email.SendTemplatedEmail(ctx, templateID, rcpt)
	})
}

func (e *Engine) postWebhook(ctx context.Context, run *store.WorkflowRun, nodeID, url string) delivery.Result {
	if e.webhooks == nil {
		return delivery.FailedPermanent("webhook delivery is not configured")
	}
	var execData any
	if len(run.ExecutionData) > 0 {
		_ = json.Unmarshal(run.ExecutionData, &execData)
	}
	body := map[string]any{
		"workflowId":    run.WorkflowID.String(),
		"runId":         run.ID.String(),
		"nodeId":        nodeID,
		"contactId":     run.ContactID,
		"storeId":       run.StoreID,
		"customerEmail": run.CustomerEmail,
		"executionData": execData,
		"timestamp":     e.now().UnixMilli(),
	}
	return e.deliver(ctx, run, nodeID, "webhook", func(ctx context.Context) delivery.Result {
		return e.webhooks.PostWebhook(ctx, url, body)
	})
}

// deliver retries transient failures with capped exponential backoff. A
// delivery that still fails is logged against the run, which then proceeds.
func (e *Engine) deliver(ctx context.Context, run *store.WorkflowRun, nodeID, channel string, send func(context.Context) delivery.Result) delivery.Result {
	backoff := retry.WithMaxRetries(uint64(e.opts.DeliveryRetries),
		retry.WithCappedDuration(e.opts.DeliveryBackoffMax, retry.NewExponential(e.opts.DeliveryBackoff)))

	attempts := 0
	last := delivery.Failed("not attempted")
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		last = send(ctx)
		switch {
		case last.OK:
			observability.DeliveryAttempts.WithLabelValues(channel, "ok").Inc()
			return nil
		case last.Permanent:
			observability.DeliveryAttempts.WithLabelValues(channel, "permanent").Inc()
			return errors.New(last.Reason)
		default:
			observability.DeliveryAttempts.WithLabelValues(channel, "transient").Inc()
			return retry.RetryableError(errors.New(last.Reason))
		}
	})
	if last.OK {
		return last
	}
	slog.Warn("delivery failed", "run_id", run.ID, "node_id", nodeID, "channel", channel, "attempts", attempts, "reason", last.Reason)
	err := e.repo.RecordDeliveryFailure(ctx, &store.DeliveryFailure{RunID: run.ID, NodeID: nodeID, Channel: channel, Reason: last.Reason, Attempts: attempts})
	if err != nil {
		slog.Warn("record delivery failure failed", "run_id", run.ID, "error", err)
	}
	return last
}
