package dagflow

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Engine owns a fixed pool of worker goroutines created at NewEngine and
// destroyed by Close. Each call to Run installs a fresh Plan into the
// engine's dispatch state, joins the caller's goroutine into the
// work-consuming loop, and returns only once every entry's completion
// event has been observed.
//
// Run must not be called concurrently with another Run on the same
// Engine, and Close must not be called while a Run is in flight.
type Engine struct {
	workerCount int

	hasWork completionEvent
	state   atomic.Pointer[dispatchState]

	shouldExit atomic.Bool
	wg         sync.WaitGroup

	errMu sync.Mutex
	errs  map[int]error
}

// dispatchState is one run's worth of dispatch bookkeeping, installed
// atomically as a unit. The cursor lives inside the state rather than on
// the Engine so that a worker holding a stale state across a run
// boundary claims from that state's own exhausted cursor and simply
// loops, instead of consuming the new run's indices against the old
// entry vector.
type dispatchState struct {
	entries []runtimeEntry
	cursor  atomic.Int64
}

type runtimeEntry struct {
	body  func()
	preds []int
	done  completionEvent
}

// NewEngine launches workerCount background workers, each pinned to a
// logical id in [1, workerCount]; the calling goroutine of Run always
// participates as well, so workerCount == 0 is legal: the caller alone
// performs all work.
func NewEngine(workerCount int) *Engine {
	e := &Engine{
		workerCount: workerCount,
		hasWork:     newCompletionEvent(),
	}

	e.wg.Add(workerCount)
	for id := 1; id <= workerCount; id++ {
		go e.workerLoop(id)
	}

	return e
}

// Close requests shutdown: it installs an empty dispatch state, wakes
// every worker via the has-work event, and joins them. Close must not be
// called while a Run is in flight.
func (e *Engine) Close() {
	e.shouldExit.Store(true)
	e.state.Store(&dispatchState{})
	e.hasWork.set()
	e.wg.Wait()
}

// Run installs plan, executes it across the worker pool plus the
// caller's goroutine, and blocks until every entry has completed. A Plan
// is immutable and may be Run more than once, including again on the
// same Engine.
//
// A body that panics is recovered: its entry still signals completion,
// so its dependents run and Run returns, and the panic is recorded as
// that entry's error in Errors.
func (e *Engine) Run(plan Plan) {
	n := len(plan.Entries)

	st := &dispatchState{entries: make([]runtimeEntry, n)}
	for i, entry := range plan.Entries {
		st.entries[i] = runtimeEntry{body: entry.Body, preds: entry.Preds, done: newCompletionEvent()}
	}

	e.errMu.Lock()
	e.errs = nil
	e.errMu.Unlock()

	// Install: the dispatch state is fully built before hasWork is set,
	// so workers only ever observe it once it is safe to read.
	e.state.Store(st)
	e.hasWork.set()

	// Consume: the caller claims indices alongside the workers.
	for {
		i := int(st.cursor.Add(1)) - 1
		if i >= n {
			e.hasWork.clear()
			break
		}
		e.executeOne(st, i)
	}

	// Drain: indices claimed by a worker just before the cursor ran out
	// must still be observed as complete before Run returns.
	for i := 0; i < n; i++ {
		st.entries[i].done.wait()
	}
}

// Errors returns the per-entry errors recorded by the most recent Run,
// keyed by plan index, for bodies that panicked. A nil/empty result
// means every body returned normally. See Run's panic-recovery policy.
func (e *Engine) Errors() map[int]error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	out := make(map[int]error, len(e.errs))
	for k, v := range e.errs {
		out[k] = v
	}
	return out
}

func (e *Engine) workerLoop(id int) {
	defer e.wg.Done()
	for {
		e.hasWork.wait()
		if e.shouldExit.Load() {
			return
		}
		st := e.state.Load()
		if st == nil {
			// woke before any plan was installed
			continue
		}
		i := int(st.cursor.Add(1)) - 1
		if i < len(st.entries) {
			e.executeOne(st, i)
		}
		// a spurious wake with i >= n simply loops back to await hasWork;
		// only the caller goroutine clears it.
	}
}

// executeOne awaits entry i's predecessors, invokes its body, and signals
// its completion event. Because every predecessor index is strictly
// less than i, and the dispatch cursor only ever advances, some
// goroutine (possibly this one on its next claim) is guaranteed to
// eventually claim and complete every index below n.
func (e *Engine) executeOne(st *dispatchState, i int) {
	entry := &st.entries[i]
	for _, p := range entry.preds {
		st.entries[p].done.wait()
	}

	if entry.body != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.recordError(i, fmt.Errorf("dagflow: task %d panicked: %v", i, r))
				}
			}()
			entry.body()
		}()
	}

	entry.done.set()
}

func (e *Engine) recordError(i int, err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.errs == nil {
		e.errs = make(map[int]error)
	}
	e.errs[i] = err
}
