package util

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
)

func receive(t *testing.T, q *LockFreeMPSC[db.Change]) *db.Change {
	t.Helper()
	select {
	case c := <-q.Recv():
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for a change event")
		return nil
	}
}

func TestDeliversInPushOrder(t *testing.T) {
	q := NewLockFreeMPSC[db.Change]()
	defer q.CloseNow()

	for seq := uint64(1); seq <= 100; seq++ {
		if !q.Push(&db.Change{Segment: int(seq % 4), ModSeq: seq}) {
			t.Fatalf("push %d failed", seq)
		}
	}
	for seq := uint64(1); seq <= 100; seq++ {
		if c := receive(t, q); c.ModSeq != seq {
			t.Fatalf("expected sequence %d, got %d", seq, c.ModSeq)
		}
	}

	select {
	case c := <-q.Recv():
		t.Errorf("queue should be empty, got %+v", c)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPushRejectsNil(t *testing.T) {
	q := NewLockFreeMPSC[db.Change]()
	defer q.CloseNow()

	if q.Push(nil) {
		t.Error("nil must not be queued")
	}
	if n := q.Len(); n != 0 {
		t.Errorf("expected an empty queue, got %d items", n)
	}
}

// TestConcurrentProducers checks that nothing is lost or duplicated and that the events
// of each producer arrive in the order it pushed them
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[db.Change]()
	defer q.CloseNow()

	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(segment int) {
			defer wg.Done()
			for seq := uint64(1); seq <= perProducer; seq++ {
				q.Push(&db.Change{Segment: segment, ModSeq: seq})
			}
		}(p)
	}

	last := make([]uint64, producers)
	for i := 0; i < producers*perProducer; i++ {
		if n := q.Len(); n < 0 {
			t.Fatalf("negative queue length %d", n)
		}
		c := receive(t, q)
		if c.ModSeq != last[c.Segment]+1 {
			t.Fatalf("producer %d: expected sequence %d, got %d", c.Segment, last[c.Segment]+1, c.ModSeq)
		}
		last[c.Segment] = c.ModSeq
	}
	wg.Wait()

	for p, seq := range last {
		if seq != perProducer {
			t.Errorf("producer %d: received %d of %d events", p, seq, perProducer)
		}
	}
}

func TestCloseDeliversQueuedItems(t *testing.T) {
	q := NewLockFreeMPSC[db.Change]()
	for seq := uint64(1); seq <= 5; seq++ {
		q.Push(&db.Change{ModSeq: seq})
	}
	q.Close()

	if q.Push(&db.Change{ModSeq: 6}) {
		t.Error("push after close must fail")
	}
	if !q.IsClosed() {
		t.Error("queue should report closed")
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if c := receive(t, q); c.ModSeq != seq {
			t.Errorf("expected sequence %d, got %d", seq, c.ModSeq)
		}
	}
	if _, ok := <-q.Recv(); ok {
		t.Error("channel should be closed once drained")
	}
}

// TestCloseNowReleasesConsumer verifies that an abandoned queue does not keep its delivery goroutine
func TestCloseNowReleasesConsumer(t *testing.T) {
	before := runtime.NumGoroutine()

	for i := 0; i < 10; i++ {
		q := NewLockFreeMPSC[db.Change]()
		for seq := uint64(1); seq <= 5; seq++ {
			q.Push(&db.Change{ModSeq: seq})
		}
		q.CloseNow()

		deadline := time.After(time.Second)
		for open := true; open; {
			select {
			case _, ok := <-q.Recv():
				open = ok
			case <-deadline:
				t.Fatal("Recv channel not closed after CloseNow")
			}
		}
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("expected at most %d goroutines, got %d", before, n)
	}
}

func TestLen(t *testing.T) {
	q := NewLockFreeMPSC[db.Change]()
	defer q.CloseNow()

	for seq := uint64(1); seq <= 3; seq++ {
		q.Push(&db.Change{ModSeq: seq})
	}
	if n := q.Len(); n > 3 || n < 2 {
		t.Errorf("expected 2 or 3 queued items, got %d", n)
	}
	// the first item is taken off the list and offered on the channel
	waitLen(t, q, 2)

	receive(t, q)
	receive(t, q)
	waitLen(t, q, 0)

	if c := receive(t, q); c.ModSeq != 3 {
		t.Errorf("expected sequence 3, got %d", c.ModSeq)
	}
	if n := q.Len(); n != 0 {
		t.Errorf("expected an empty queue, got %d items", n)
	}
}

func waitLen(t *testing.T, q *LockFreeMPSC[db.Change], want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for q.Len() != want && time.Now().Before(deadline) {
		runtime.Gosched()
	}
	if n := q.Len(); n != want {
		t.Fatalf("expected %d queued items, got %d", want, n)
	}
}

func BenchmarkPush(b *testing.B) {
	q := NewLockFreeMPSC[db.Change]()
	defer q.CloseNow()

	go func() {
		for range q.Recv() {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		c := &db.Change{}
		for pb.Next() {
			q.Push(c)
		}
	})
}
