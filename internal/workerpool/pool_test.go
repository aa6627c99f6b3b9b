package workerpool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(4, 16, slog.Default())
	defer p.Shutdown()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}) {
			t.Fatal("submit rejected")
		}
	}
	wg.Wait()

	if got := n.Load(); got != 100 {
		t.Errorf("Expected 100 tasks, got %d", got)
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 4, slog.Default())
	defer p.Shutdown()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestPool_TrySubmitWhenFull(t *testing.T) {
	p := New(1, 1, slog.Default())
	block := make(chan struct{})
	started := make(chan struct{})

	p.Submit(func() {
		close(started)
		<-block
	})
	<-started
	if !p.TrySubmit(func() {}) {
		t.Fatal("queue slot should be free")
	}
	if p.TrySubmit(func() {}) {
		t.Error("Expected TrySubmit to fail on full queue")
	}

	close(block)
	p.Shutdown()
}

func TestPool_ShutdownRejectsAndDrains(t *testing.T) {
	p := New(1, 8, slog.Default())
	block := make(chan struct{})
	var ran atomic.Int32

	p.Submit(func() { <-block })
	for i := 0; i < 3; i++ {
		p.Submit(func() { ran.Add(1) })
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	p.Shutdown()

	if got := ran.Load(); got != 3 {
		t.Errorf("Expected queued tasks to drain, ran %d", got)
	}
	if p.Submit(func() {}) {
		t.Error("Expected Submit to fail after shutdown")
	}
	if p.TrySubmit(func() {}) {
		t.Error("Expected TrySubmit to fail after shutdown")
	}
}
