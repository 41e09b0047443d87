package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLanesRunTasksInSubmissionOrder(t *testing.T) {
	t.Parallel()

	executor := newLanes(8)
	defer executor.stop(context.Background())

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	for index := 0; index < 20; index++ {
		index := index
		wg.Add(1)
		err := executor.submit(context.Background(), "c1", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, index)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("submit task %d failed: %v", index, err)
		}
	}
	wg.Wait()

	for index, value := range got {
		if value != index {
			t.Fatalf("task order[%d] = %d, want %d", index, value, index)
		}
	}
}

func TestLanesDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	executor := newLanes(8)
	defer executor.stop(context.Background())

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	if err := executor.submit(context.Background(), "slow", func() {
		close(slowStarted)
		<-release
	}); err != nil {
		t.Fatalf("submit slow task failed: %v", err)
	}
	<-slowStarted

	fastDone := make(chan struct{})
	if err := executor.submit(context.Background(), "fast", func() {
		close(fastDone)
	}); err != nil {
		t.Fatalf("submit fast task failed: %v", err)
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast lane blocked behind slow lane")
	}
	close(release)
}

func TestLanesSubmitAfterStopFails(t *testing.T) {
	t.Parallel()

	executor := newLanes(8)
	if err := executor.stop(context.Background()); err != nil {
		t.Fatalf("stop() = %v, want nil", err)
	}

	err := executor.submit(context.Background(), "c1", func() {})
	if !errors.Is(err, errLanesStopped) {
		t.Fatalf("submit after stop = %v, want errLanesStopped", err)
	}
}

func TestLanesStopIsIdempotent(t *testing.T) {
	t.Parallel()

	executor := newLanes(8)
	if err := executor.submit(context.Background(), "c1", func() {}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := executor.stop(context.Background()); err != nil {
		t.Fatalf("first stop() = %v, want nil", err)
	}
	if err := executor.stop(context.Background()); err != nil {
		t.Fatalf("second stop() = %v, want nil", err)
	}
}

func TestLanesSubmitHonorsContext(t *testing.T) {
	t.Parallel()

	executor := newLanes(1)
	defer executor.stop(context.Background())

	release := make(chan struct{})
	defer close(release)

	blockStarted := make(chan struct{})
	if err := executor.submit(context.Background(), "c1", func() {
		close(blockStarted)
		<-release
	}); err != nil {
		t.Fatalf("submit blocking task failed: %v", err)
	}
	<-blockStarted

	// Fill the queue so the next submit must block.
	if err := executor.submit(context.Background(), "c1", func() {}); err != nil {
		t.Fatalf("submit queued task failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := executor.submit(ctx, "c1", func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("submit with expired context = %v, want deadline exceeded", err)
	}
}
