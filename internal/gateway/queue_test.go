package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/tripclaw/internal/types"
)

func testRun(key string, text string) *Run {
	return &Run{
		ID:     types.NewRunID(),
		Key:    types.SessionKey(key),
		Text:   text,
		Status: RunStatusQueued,
	}
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2, 0)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32
	var wg sync.WaitGroup

	queue.SetProcessor(func(run *Run) error {
		defer wg.Done()
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		if err := queue.Enqueue(testRun(fmt.Sprintf("conv-%d", i), "hi")); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueUnboundedRunsConversationsInParallel(t *testing.T) {
	queue := NewQueue(0, 0)
	queue.Start(context.Background())
	defer queue.Stop()

	const lanes = 4
	var entered sync.WaitGroup
	entered.Add(lanes)
	release := make(chan struct{})
	queue.SetProcessor(func(run *Run) error {
		entered.Done()
		<-release
		return nil
	})

	for i := 0; i < lanes; i++ {
		if err := queue.Enqueue(testRun(fmt.Sprintf("conv-%d", i), "hi")); err != nil {
			t.Fatal(err)
		}
	}

	all := make(chan struct{})
	go func() {
		entered.Wait()
		close(all)
	}()
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %d conversations running at once, active=%d", lanes, queue.Active())
	}
	close(release)
}

func TestQueueSameConversationOrdering(t *testing.T) {
	queue := NewQueue(4, 0)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	queue.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.Text)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(testRun("same", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprint(i) {
			t.Errorf("expected order[%d] = %d, got %s", i, i, v)
		}
	}
}

func TestQueueRecordsOutcome(t *testing.T) {
	queue := NewQueue(1, 0)
	queue.Start(context.Background())
	defer queue.Stop()

	done := make(chan *Run, 2)
	queue.SetProcessor(func(run *Run) error {
		defer func() { done <- run }()
		if run.Text == "fail" {
			return errors.New("boom")
		}
		return nil
	})

	ok := testRun("a", "ok")
	bad := testRun("a", "fail")
	if err := queue.Enqueue(ok); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(bad); err != nil {
		t.Fatal(err)
	}
	<-done
	<-done
	queue.Stop()

	if ok.Ctx == nil || ok.StartedAt == nil {
		t.Error("expected run context and start time to be set")
	}
	if ok.Status != RunStatusComplete {
		t.Errorf("expected complete, got %s", ok.Status)
	}
	if bad.Status != RunStatusFailed || bad.Error == nil {
		t.Errorf("expected failed run with error, got %s %v", bad.Status, bad.Error)
	}
}

func TestQueueFullLane(t *testing.T) {
	queue := NewQueue(1, 1)
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	queue.SetProcessor(func(run *Run) error {
		started <- struct{}{}
		<-release
		return nil
	})
	defer close(release)

	if err := queue.Enqueue(testRun("k", "1")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := queue.Enqueue(testRun("k", "2")); err != nil {
		t.Fatal(err)
	}
	if queue.Pending("k") != 1 {
		t.Errorf("expected 1 pending run, got %d", queue.Pending("k"))
	}
	if err := queue.Enqueue(testRun("k", "3")); err == nil {
		t.Fatal("expected error when lane is full")
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1, 0)
	queue.Start(context.Background())
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	if err := queue.Enqueue(testRun("no-proc", "hi")); err != nil {
		t.Fatal(err)
	}
	if !queue.WaitIdle(time.Second) {
		t.Error("expected queue to be idle")
	}
}

func TestQueueRejectsAfterStop(t *testing.T) {
	queue := NewQueue(1, 0)
	queue.Start(context.Background())
	queue.Stop()
	queue.Stop()

	if err := queue.Enqueue(testRun("k", "late")); err == nil {
		t.Fatal("expected enqueue after stop to fail")
	}
}
