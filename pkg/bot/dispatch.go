package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perch/pkg/perch"
)

// dispatcher fans domain events out to registered listeners.
//
// Delivery is synchronous in the emitting goroutine, so events for one
// channel reach listeners in application order. Listeners for different
// channels can run concurrently; they must be concurrency-safe.
type dispatcher struct {
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	listeners map[perch.Kind][]perch.Handler
}

func newDispatcher(logger *slog.Logger, clock func() time.Time) *dispatcher {
	return &dispatcher{
		logger:    logger,
		clock:     clock,
		listeners: make(map[perch.Kind][]perch.Handler),
	}
}

var knownKinds = func() map[perch.Kind]struct{} {
	kinds := make(map[perch.Kind]struct{})
	for _, kind := range perch.Kinds() {
		kinds[kind] = struct{}{}
	}

	return kinds
}()

// register appends one listener for kind. Listeners run in registration
// order.
func (d *dispatcher) register(kind perch.Kind, handler perch.Handler) error {
	if handler == nil {
		return fmt.Errorf("register %s listener: %w: nil handler", kind, perch.ErrInvalidRequest)
	}
	if _, known := knownKinds[kind]; !known {
		return fmt.Errorf("register listener: %w: unknown kind %q", perch.ErrInvalidRequest, kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[kind] = append(d.listeners[kind], handler)

	return nil
}

// Dispatch delivers one event to every listener registered for its kind and
// returns after the last one. A listener failure or panic becomes an error
// event; a failing error listener is only logged, so a failure can never
// recurse.
func (d *dispatcher) Dispatch(ctx context.Context, event *perch.Event) {
	if event == nil {
		return
	}

	for _, handler := range d.snapshot(event.Kind) {
		if err := d.invoke(ctx, event.Kind, handler, event); err != nil {
			d.reportFailure(ctx, event.Kind, err)
		}
	}
}

// snapshot copies the listener slice so dispatch never holds the lock while
// listeners run.
func (d *dispatcher) snapshot(kind perch.Kind) []perch.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]perch.Handler(nil), d.listeners[kind]...)
}

// invoke runs one listener and converts panics into returned errors.
func (d *dispatcher) invoke(ctx context.Context, kind perch.Kind, handler perch.Handler, event *perch.Event) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s listener: panic recovered: %v", kind, recovered)
	}()

	if err := handler(ctx, event); err != nil {
		return fmt.Errorf("%s listener: %w", kind, err)
	}

	return nil
}

func (d *dispatcher) reportFailure(ctx context.Context, kind perch.Kind, failure error) {
	if kind == perch.KindError {
		d.logger.ErrorContext(ctx, "error listener failed", "error", failure)
		return
	}

	d.logger.WarnContext(ctx, "listener failed", "kind", kind, "error", failure)
	d.Dispatch(ctx, &perch.Event{
		Kind:       perch.KindError,
		OccurredAt: d.clock(),
		Err:        failure,
	})
}
