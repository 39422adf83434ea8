package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/network"
	"github.com/diabetactic/glucosync/internal/telemetry"
	"github.com/diabetactic/glucosync/internal/uuid"
)

// DefaultHistoryLimit is the number of finished workflows kept.
const DefaultHistoryLimit = 50

// ErrNoNetwork is the error of a workflow that needs the network and could
// not start because the device is offline.
const ErrNoNetwork = "No network connectivity"

// Orchestrator executes catalogue workflows. It holds no lock while a
// workflow runs; only the records and the history are guarded. Concurrent
// executions are independent and meet again in the sync engine's flights.
type Orchestrator struct {
	defs        map[Type]Definition
	registry    *Registry
	network     network.Monitor
	instruments *telemetry.Instruments
	tracer      trace.Tracer
	limit       int
	now         func() time.Time

	mu      sync.Mutex
	active  map[string]*Workflow
	history []*Workflow
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistoryLimit bounds the finished-workflow history.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithInstruments records executions on the given instruments.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(o *Orchestrator) {
		if in != nil {
			o.instruments = in
		}
	}
}

// NewOrchestrator creates an orchestrator over the catalogue built from deps.
func NewOrchestrator(deps Deps, registry *Registry, monitor network.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		defs:        Catalogue(deps),
		registry:    registry,
		network:     monitor,
		instruments: telemetry.NoopInstruments(),
		tracer:      telemetry.Tracer(),
		limit:       DefaultHistoryLimit,
		now:         time.Now,
		active:      make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Definition returns the definition of typ.
func (o *Orchestrator) Definition(typ Type) (Definition, bool) {
	def, ok := o.defs[typ]
	return def, ok
}

// Execute runs one attempt of every step of typ and returns the finished
// record. Failures are recorded in the result, never returned.
func (o *Orchestrator) Execute(ctx context.Context, typ Type, params Params) *Workflow {
	return o.execute(ctx, typ, params, nil)
}

// Retry executes the type of a finished workflow again with the same
// parameters. Steps that did not complete carry an incremented RetryCount.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Workflow, error) {
	prev, ok := o.finished(id)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "workflow %s not found", id)
	}
	return o.execute(ctx, prev.Type, prev.Params, prev), nil
}

// Get returns a copy of the workflow, running or finished.
func (o *Orchestrator) Get(id string) (*Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wf, ok := o.active[id]; ok {
		return wf.clone(), true
	}
	for _, wf := range o.history {
		if wf.ID == id {
			return wf.clone(), true
		}
	}
	return nil, false
}

// Active returns copies of the workflows that have not finished yet.
func (o *Orchestrator) Active() []*Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Workflow, 0, len(o.active))
	for _, wf := range o.active {
		out = append(out, wf.clone())
	}
	slices.SortFunc(out, func(a, b *Workflow) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// History returns copies of the finished workflows, oldest first.
func (o *Orchestrator) History() []*Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Workflow, len(o.history))
	for i, wf := range o.history {
		out[i] = wf.clone()
	}
	return out
}

func (o *Orchestrator) finished(id string) (*Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, wf := range o.history {
		if wf.ID == id {
			return wf.clone(), true
		}
	}
	return nil, false
}

func (o *Orchestrator) execute(ctx context.Context, typ Type, params Params, prev *Workflow) *Workflow {
	wf := &Workflow{
		ID:        uuid.NewSortable(),
		Type:      typ,
		Status:    StatusPending,
		Params:    params,
		Output:    make(map[string]string),
		StartTime: o.now(),
	}
	if prev != nil {
		wf.RetryOf = prev.ID
	}

	ctx, span := o.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.type", string(typ)),
		attribute.String("workflow.id", wf.ID),
	))
	defer span.End()

	def, ok := o.defs[typ]
	if !ok {
		wf.Status = StatusFailed
		wf.Error = fmt.Sprintf("unknown workflow type %q", typ)
		return o.finish(ctx, span, wf)
	}

	wf.Steps = make([]StepRecord, len(def.Steps))
	for i, step := range def.Steps {
		wf.Steps[i] = StepRecord{
			Name:     step.Name,
			Service:  step.Service,
			Critical: step.Critical,
			Status:   StepPending,
		}
		if prev != nil {
			if ps, ok := prev.Step(step.Name); ok {
				wf.Steps[i].RetryCount = ps.RetryCount
				if ps.Status != StepCompleted {
					wf.Steps[i].RetryCount++
				}
			}
		}
	}

	o.mu.Lock()
	o.active[wf.ID] = wf
	o.mu.Unlock()

	if def.RequiresNetwork && !o.network.Status().Online {
		o.update(wf, func(w *Workflow) {
			w.Status = StatusFailed
			w.Error = ErrNoNetwork
		})
		return o.finish(ctx, span, wf)
	}
	o.update(wf, func(w *Workflow) { w.Status = StatusRunning })

	run := &Run{Params: params, output: make(map[string]string)}
	for i, step := range def.Steps {
		if !o.runStep(ctx, wf, i, step, run) {
			break
		}
	}

	o.update(wf, func(w *Workflow) {
		for k, v := range run.output {
			w.Output[k] = v
		}
		if w.Status == StatusRunning {
			w.Status = StatusCompleted
		}
	})
	return o.finish(ctx, span, wf)
}

// runStep executes step i and reports whether the workflow continues.
func (o *Orchestrator) runStep(ctx context.Context, wf *Workflow, i int, step StepDefinition, run *Run) bool {
	ctx, span := o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.String("step.service", string(step.Service)),
		attribute.Bool("step.critical", step.Critical),
	))
	defer span.End()

	o.update(wf, func(w *Workflow) {
		w.Steps[i].Status = StepRunning
		w.Steps[i].StartTime = o.now()
	})

	if !o.registry.Available(ctx, step.Service) {
		msg := fmt.Sprintf("%s not available", step.Service)
		span.SetStatus(codes.Error, msg)
		if step.Critical {
			o.update(wf, func(w *Workflow) {
				o.endStep(w, i, StepFailed, msg)
				w.Status = StatusFailed
				w.Error = msg
			})
			return false
		}
		o.update(wf, func(w *Workflow) { o.endStep(w, i, StepSkipped, msg) })
		logging.WarnCtx(ctx, "workflow step skipped", map[string]any{
			"workflow": wf.ID,
			"step":     step.Name,
			"reason":   msg,
		})
		return true
	}

	err := invoke(ctx, step, run)
	if err == nil {
		o.update(wf, func(w *Workflow) { o.endStep(w, i, StepCompleted, "") })
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if step.Critical {
		o.update(wf, func(w *Workflow) {
			o.endStep(w, i, StepFailed, err.Error())
			w.Status = StatusFailed
			w.Error = fmt.Sprintf("%s: %v", step.Name, err)
		})
		return false
	}
	o.update(wf, func(w *Workflow) { o.endStep(w, i, StepFailed, err.Error()) })
	logging.WarnCtx(ctx, "non-critical workflow step failed", map[string]any{
		"workflow": wf.ID,
		"step":     step.Name,
		"error":    err.Error(),
	})
	return true
}

func (o *Orchestrator) endStep(w *Workflow, i int, status StepStatus, msg string) {
	w.Steps[i].Status = status
	w.Steps[i].Error = msg
	w.Steps[i].EndTime = o.now()
}

// invoke runs the step action, converting a panic into an error.
func invoke(ctx context.Context, step StepDefinition, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrWorkflowFailed, "panic in step %s: %v", step.Name, r)
		}
	}()
	return step.Action(ctx, run)
}

func (o *Orchestrator) update(wf *Workflow, fn func(*Workflow)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(wf)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, wf *Workflow) *Workflow {
	o.mu.Lock()
	wf.EndTime = o.now()
	delete(o.active, wf.ID)
	o.history = append(o.history, wf)
	if over := len(o.history) - o.limit; over > 0 {
		o.history = append([]*Workflow(nil), o.history[over:]...)
	}
	result := wf.clone()
	o.mu.Unlock()

	o.instruments.WorkflowExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(result.Type)),
		attribute.String("status", string(result.Status)),
	))

	fields := map[string]any{
		"workflow":    result.ID,
		"type":        string(result.Type),
		"status":      string(result.Status),
		"duration_ms": result.EndTime.Sub(result.StartTime).Milliseconds(),
	}
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.Error)
		logging.ErrorCtx(ctx, "workflow failed", apperrors.New(apperrors.ErrWorkflowFailed, result.Error), fields)
	} else {
		logging.InfoCtx(ctx, "workflow completed", fields)
	}
	return result
}
