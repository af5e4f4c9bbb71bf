package store

import (
	"context"
	"runtime"
	"time"
)

// Priority tags every store operation as either latency-sensitive
// interactive work or best-effort background work, per the admission
// discipline described in the package doc.
type Priority int

const (
	// UserSearch is interactive work that must proceed with minimal
	// latency.
	UserSearch Priority = iota
	// BackgroundIngest is long-running work that must yield to
	// interactive work.
	BackgroundIngest
)

func (p Priority) String() string {
	if p == BackgroundIngest {
		return "background_ingest"
	}
	return "user_search"
}

// backgroundAdmitDeadline bounds how long a background operation waits
// for the writer gate before yielding and re-queuing.
const backgroundAdmitDeadline = 100 * time.Millisecond

// gate is a bounded counting semaphore with an available-permit count,
// the one piece golang.org/x/sync/semaphore.Weighted cannot expose and
// that the yield-when-readers-active rule below depends on.
type gate struct {
	slots chan struct{}
	width int
}

func newGate(width int) *gate {
	return &gate{slots: make(chan struct{}, width), width: width}
}

// acquire blocks until a slot is free or ctx is done.
func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire attempts to grab a slot before deadline elapses.
func (g *gate) tryAcquire(ctx context.Context, deadline time.Duration) bool {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case g.slots <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (g *gate) release() {
	<-g.slots
}

// available returns the number of free slots, used to decide whether a
// background task should yield before starting work.
func (g *gate) available() int {
	return g.width - len(g.slots)
}

// priorityGate implements the store's two-gate admission policy: up to
// readerWidth concurrent UserSearch operations, and at most one
// BackgroundIngest operation at a time, with the background side
// cooperating to keep interactive reads responsive.
type priorityGate struct {
	reader *gate
	writer *gate
}

func newPriorityGate(readerWidth int) *priorityGate {
	return &priorityGate{
		reader: newGate(readerWidth),
		writer: newGate(1),
	}
}

// admit blocks (respecting ctx) until the operation may proceed, and
// returns a release function that must be called when the operation
// completes.
func (g *priorityGate) admit(ctx context.Context, prio Priority) (func(), error) {
	switch prio {
	case UserSearch:
		if err := g.reader.acquire(ctx); err != nil {
			return nil, err
		}
		return g.reader.release, nil

	default: // BackgroundIngest
		if !g.writer.tryAcquire(ctx, backgroundAdmitDeadline) {
			runtime.Gosched()
			if err := g.writer.acquire(ctx); err != nil {
				return nil, err
			}
		}
		if g.reader.available() < g.reader.width {
			runtime.Gosched()
		}
		return g.writer.release, nil
	}
}
