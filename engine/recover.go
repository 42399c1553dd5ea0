package engine

import (
	"context"
	"fmt"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/store"
	"github.com/nomis52/tenantflow/workflow"
)

// Recover resumes every non-terminal execution in the store. Each one is
// rebuilt by replaying its history and continues on the exact version it was
// pinned to. It returns the number of executions adopted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	headers, err := e.List(ctx, store.Filter{NonTerminal: true})
	if err != nil {
		return 0, fmt.Errorf("listing executions to recover: %w", err)
	}

	adopted := 0
	for _, h := range headers {
		if e.active(h.ID) != nil {
			continue
		}
		x, err := e.load(ctx, h.ID)
		if err != nil {
			e.logger.Error("failed to recover execution", "execution_id", h.ID, "error", err)
			continue
		}
		if x.Status.IsTerminal() {
			continue
		}
		if _, err := e.adopt(x); err != nil {
			e.logger.Error("failed to recover execution", "execution_id", h.ID, "error", err)
			continue
		}
		adopted++
	}
	e.logger.Info("recovered executions", "count", adopted, "found", len(headers))
	return adopted, nil
}

// adopt takes ownership of a replayed execution and resumes it from where its
// history stops.
func (e *Engine) adopt(x *execution.Execution) (*run, error) {
	def, err := e.workflows.Resolve(x.WorkflowType, x.Version)
	known := err == nil && workflow.SupportsHistory(def, x.ExecutedSteps())
	if !known {
		def = workflow.Definition{Type: x.WorkflowType, Version: x.Version}
	}
	r := newRun(x.ID, e.executionLogger(x.ID, x.Tenant, def))
	r.exec = x
	if known {
		r.setDefinition(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	if existing, ok := e.runs[x.ID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.runs[x.ID] = r
	e.mu.Unlock()

	e.metrics.active.Add(1)
	r.logger.Info("adopting execution", "status", x.Status, "step", x.ActiveStep(), "last_seq", x.LastSeq)

	if known && def.Timeout > 0 && x.StartedAt != nil && !e.now().Before(x.StartedAt.Add(def.Timeout)) {
		// Expired while nobody was driving it.
		return r, e.appendLocked(r, execution.TimedOut())
	}
	e.armTimeoutLocked(r)
	return r, e.resumeLocked(r)
}

// resumeLocked restarts the driver of an execution that can make progress.
func (e *Engine) resumeLocked(r *run) error {
	x := r.exec
	switch x.Status {
	case execution.StatusPending:
		if err := e.appendLocked(r, execution.Started()); err != nil {
			return err
		}
	case execution.StatusSuspended:
		s := x.Suspension
		switch {
		case s == nil:
		case s.Reason == execution.SuspendSignal:
			if _, ok := x.PendingSignal(s.Signal); !ok {
				return nil
			}
		case s.Reason == execution.SuspendVersionConflict:
			if !r.hasDef {
				return nil
			}
		default:
			// Waiting for Complete.
			return nil
		}
		if err := e.appendLocked(r, execution.Resumed()); err != nil {
			return err
		}
	}
	e.driveLocked(r)
	return nil
}

// Deploy registers a definition and resumes executions that were suspended
// because their pinned version was missing. Redeploying a version is refused
// when an in-flight execution of that version has a history the new steps do
// not support.
func (e *Engine) Deploy(ctx context.Context, def workflow.Definition) (workflow.Deployment, error) {
	if err := def.Validate(); err != nil {
		return workflow.Deployment{}, failure.Wrap(failure.KindValidation, "deploy", err)
	}
	headers, err := e.List(ctx, store.Filter{WorkflowType: def.Type, NonTerminal: true})
	if err != nil {
		return workflow.Deployment{}, err
	}
	for _, h := range headers {
		if h.Version != def.Version {
			continue
		}
		x, err := e.Query(ctx, h.ID)
		if err != nil {
			return workflow.Deployment{}, err
		}
		if !workflow.SupportsHistory(def, x.ExecutedSteps()) {
			return workflow.Deployment{}, failure.Wrap(failure.KindVersionConflict, "deploy "+def.String(),
				fmt.Errorf("%w: execution %s has run steps %v", workflow.ErrIncompatible, x.ID, x.ExecutedSteps()))
		}
	}

	dep, err := e.workflows.Register(def)
	if err != nil {
		return workflow.Deployment{}, err
	}
	e.logger.Info("deployed workflow", "workflow", def.String(), "replaced", dep.Replaced, "breaking", dep.Breaking)

	for _, h := range headers {
		if h.Version != def.Version {
			continue
		}
		if _, err := e.acquire(ctx, h.ID); err != nil {
			e.logger.Error("failed to load execution after deploy", "execution_id", h.ID, "error", err)
		}
	}

	e.mu.Lock()
	var waiting []*run
	for _, r := range e.runs {
		waiting = append(waiting, r)
	}
	e.mu.Unlock()

	for _, r := range waiting {
		r.mu.Lock()
		if !r.hasDef && r.exec.WorkflowType == def.Type && r.exec.Version == def.Version && !r.exec.Status.IsTerminal() {
			r.setDefinition(def)
			e.armTimeoutLocked(r)
			if err := e.resumeLocked(r); err != nil {
				r.logger.Error("failed to resume execution after deploy", "error", err)
			} else {
				r.logger.Info("resumed execution after deploy", "workflow", def.String())
			}
		}
		r.mu.Unlock()
	}
	return dep, nil
}
