package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const defaultLaneQueueSize = 64

var errLanesStopped = errors.New("lanes stopped")

// lanes executes queued tasks serially per key. Tasks submitted to one key
// run in submission order on a single worker; distinct keys run
// concurrently, so one key suspended on a slow lookup does not delay the
// others.
type lanes struct {
	queueSize int

	mu     sync.Mutex
	closed bool
	byKey  map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

type lane struct {
	queue chan func()
}

func newLanes(queueSize int) *lanes {
	if queueSize <= 0 {
		queueSize = defaultLaneQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &lanes{
		queueSize: queueSize,
		byKey:     make(map[string]*lane),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// submit enqueues task on key's lane, creating the lane on first use. It
// blocks while the lane queue is full and fails when ctx expires or the
// lanes are stopped.
func (l *lanes) submit(ctx context.Context, key string, task func()) error {
	if task == nil {
		return fmt.Errorf("submit lane %s: nil task", key)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("submit lane %s: %w", key, errLanesStopped)
	}
	worker, exists := l.byKey[key]
	if !exists {
		worker = &lane{queue: make(chan func(), l.queueSize)}
		l.byKey[key] = worker
		l.wg.Add(1)
		go l.runLane(worker)
	}
	l.mu.Unlock()

	select {
	case worker.queue <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit lane %s: %w", key, ctx.Err())
	case <-l.ctx.Done():
		return fmt.Errorf("submit lane %s: %w", key, errLanesStopped)
	}
}

// stop cancels all lane workers and waits for them to exit, or returns when
// ctx expires first. Queued tasks that have not started are dropped.
func (l *lanes) stop(ctx context.Context) error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.cancel()
		go func() {
			l.wg.Wait()
			close(l.done)
		}()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop ingest lanes: %w", ctx.Err())
	}
}

func (l *lanes) runLane(worker *lane) {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case task := <-worker.queue:
			task()
		}
	}
}
