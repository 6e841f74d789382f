package dagflow

// completionEvent is a one-shot, multi-waiter, manual-set signal. It
// backs both per-entry completion events and the engine's has-work
// event. Two implementations are provided behind a build tag (see
// event_cond.go and event_atomic.go); both satisfy this same contract:
//
//   - set is idempotent and safe to call before any wait.
//   - wait may be called from multiple goroutines concurrently and
//     returns immediately if the event is already set.
//   - clear is only safe to call when no goroutine is waiting (the
//     engine only clears the has-work event, from the caller goroutine,
//     after it has observed the dispatch cursor drained).
type completionEvent interface {
	set()
	clear()
	wait()
}

// newCompletionEvent is implemented once per build-tag variant: see
// event_cond.go (default) and event_atomic.go (-tags dagflow_atomicwait).
