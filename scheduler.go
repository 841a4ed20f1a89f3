package mux

import "sync"

// scheduler serializes every mutation of a Session's streams onto a single
// goroutine, so Stream fields never need a lock or an atomic: reads and
// writes from net.Conn happen on their own goroutines (see session.go's
// readLoop/writeLoop) and hand work to the scheduler as closures instead of
// touching stream state directly.
//
// This is the Go rendering of the cooperative, single-threaded concurrency
// model the Stream state machine assumes. It is grounded on the
// channel-of-closures pattern in other_examples' libp2p webrtc datachannel
// (deferred reads posted to a single loop instead of guarded by a mutex),
// adapted here into a reusable, general-purpose task queue rather than a
// single-purpose read-dispatch channel.
type scheduler struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newScheduler() *scheduler {
	return &scheduler{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// run processes tasks until stop is called. It must be invoked in its own
// goroutine; every Stream and Session mutation happens inside the task
// closures it executes.
func (s *scheduler) run() {
	for {
		select {
		case t := <-s.tasks:
			t()
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain runs any tasks still queued at shutdown, so a straggling deferred
// callback (e.g. a write-queue broadcast fired moments before Close) still
// reaches the caller instead of being silently dropped.
func (s *scheduler) drain() {
	for {
		select {
		case t := <-s.tasks:
			t()
		default:
			return
		}
	}
}

// post enqueues fn to run on the scheduler goroutine. Safe to call from any
// goroutine, including the scheduler goroutine itself (in which case fn runs
// on a later tick, never reentrantly) — this is exactly the property
// Feedback.DeferCall needs.
func (s *scheduler) post(fn func()) {
	// try the queue first: once stop has been called, a select with both
	// cases ready picks one at random and could drop fn while drain is
	// still running tasks.
	select {
	case s.tasks <- fn:
		return
	default:
	}
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// stop signals run to finish after draining whatever is currently queued.
// Session.Close and a failing I/O loop may both call it; only the first call
// has any effect.
func (s *scheduler) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
