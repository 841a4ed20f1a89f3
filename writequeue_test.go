package mux

import "testing"

func TestWriteQueueEnqueueDequeueAck(t *testing.T) {
	q := NewWriteQueue(1024)
	var gotN int
	var gotErr error
	q.enqueue([]byte("hello"), false, func(n int, err error) {
		gotN, gotErr = n, err
	})

	slice, partial, remaining := q.dequeue(3)
	if string(slice) != "hel" || partial || remaining != 0 {
		t.Fatalf("dequeue = %q %v %d, want \"hel\" false 0", slice, partial, remaining)
	}
	if !q.ack(3) {
		t.Fatal("ack(3) should succeed")
	}
	if gotErr != nil || gotN != 0 {
		t.Fatalf("callback fired early: n=%d err=%v", gotN, gotErr)
	}

	slice, _, remaining = q.dequeue(10)
	if string(slice) != "lo" || remaining != 8 {
		t.Fatalf("dequeue = %q %d, want \"lo\" 8", slice, remaining)
	}
	if !q.ack(2) {
		t.Fatal("ack(2) should succeed")
	}
	if gotErr != nil || gotN != 5 {
		t.Fatalf("callback = %d %v, want 5 nil", gotN, gotErr)
	}
	if !q.empty() {
		t.Fatal("queue should be empty after full ack")
	}
}

func TestWriteQueuePartialCompletesOnFirstAck(t *testing.T) {
	q := NewWriteQueue(1024)
	done := false
	q.enqueue([]byte("hello"), true, func(n int, err error) {
		done = true
		if n != 2 {
			t.Fatalf("n = %d, want 2", n)
		}
	})
	q.dequeue(2)
	if !q.ack(2) {
		t.Fatal("ack should succeed")
	}
	if !done {
		t.Fatal("partial write should complete on first ack")
	}
	if !q.empty() {
		t.Fatal("entry should be removed once its partial write completes")
	}
}

func TestWriteQueueCanEnqueueRespectsLimit(t *testing.T) {
	q := NewWriteQueue(10)
	if !q.canEnqueue(10) {
		t.Fatal("exactly-at-limit enqueue should be allowed")
	}
	q.enqueue(make([]byte, 10), false, nil)
	if q.canEnqueue(1) {
		t.Fatal("enqueue beyond limit should be rejected")
	}
}

func TestWriteQueueBroadcast(t *testing.T) {
	q := NewWriteQueue(1024)
	var calls []int
	q.enqueue([]byte("a"), false, func(n int, err error) { calls = append(calls, 1) })
	q.enqueue([]byte("b"), false, func(n int, err error) { calls = append(calls, 2) })
	q.broadcast(ErrResetByHost, func() bool { return true })
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("broadcast order = %v, want [1 2]", calls)
	}
	if !q.empty() {
		t.Fatal("broadcast should drain the queue")
	}
}

func TestWriteQueueBroadcastStopsWhenContFalse(t *testing.T) {
	q := NewWriteQueue(1024)
	calls := 0
	q.enqueue([]byte("a"), false, func(n int, err error) { calls++ })
	q.enqueue([]byte("b"), false, func(n int, err error) { calls++ })
	first := true
	q.broadcast(ErrResetByHost, func() bool {
		if first {
			first = false
			return true
		}
		return false
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestWriteQueueClearDropsWithoutCallbacks(t *testing.T) {
	q := NewWriteQueue(1024)
	called := false
	q.enqueue([]byte("a"), false, func(n int, err error) { called = true })
	q.clear()
	if called {
		t.Fatal("clear must not invoke callbacks")
	}
	if !q.empty() {
		t.Fatal("clear should empty the queue")
	}
}

func TestWriteQueueAckPastOutstandingFails(t *testing.T) {
	q := NewWriteQueue(1024)
	q.enqueue([]byte("hi"), false, nil)
	if q.ack(1) {
		t.Fatal("ack before any dequeue should fail accounting check")
	}
}
