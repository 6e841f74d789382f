//go:build !dagflow_atomicwait

package dagflow

import "sync"

// condEvent backs completionEvent with a mutex-protected condition
// variable. The mutex on set() is what closes the wake-up race where a
// waiter has observed done==false but has not yet parked on the cv.
type condEvent struct {
	mu   sync.Mutex
	cv   *sync.Cond
	done bool
}

func newCompletionEvent() completionEvent {
	e := &condEvent{}
	e.cv = sync.NewCond(&e.mu)
	return e
}

func (e *condEvent) set() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
	e.cv.Broadcast()
}

func (e *condEvent) clear() {
	e.mu.Lock()
	e.done = false
	e.mu.Unlock()
}

func (e *condEvent) wait() {
	e.mu.Lock()
	for !e.done {
		e.cv.Wait()
	}
	e.mu.Unlock()
}
