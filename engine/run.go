package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/workflow"
)

// run is the in-memory state of one execution. mu serialises every append.
type run struct {
	mu     sync.Mutex
	exec   *execution.Execution
	def    workflow.Definition
	hasDef bool
	logger *slog.Logger

	// stop is closed when the execution becomes terminal, telling the
	// activity in flight to give up.
	stop    chan struct{}
	stopped bool
	// done is closed when the execution is terminal.
	done     chan struct{}
	finished bool

	driving bool
	timer   *time.Timer
	// fault is set once when the run halts; halted is closed at the same time.
	fault  error
	halted chan struct{}
}

func newRun(id string, logger *slog.Logger) *run {
	return &run{
		exec:   &execution.Execution{ID: id},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		halted: make(chan struct{}),
	}
}

func (r *run) setDefinition(def workflow.Definition) {
	r.def = def
	r.hasDef = true
}

func (r *run) snapshot() *execution.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.exec.Clone()
	if r.fault != nil {
		x.EngineFault = r.fault.Error()
	}
	return x
}

func (r *run) closeStop() {
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
}

func (r *run) finish() {
	if !r.finished {
		r.finished = true
		close(r.done)
	}
}

// halt marks the run faulted and wakes every waiter. It reports false when
// the run had already halted.
func (r *run) halt(err error) bool {
	if r.fault != nil {
		return false
	}
	if !failure.Is(err, failure.KindEngineFault) {
		err = failure.Wrap(failure.KindEngineFault, "execution halted", err)
	}
	r.fault = err
	close(r.halted)
	return true
}

func (r *run) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
