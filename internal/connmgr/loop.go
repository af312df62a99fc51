package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/srg/cgmlink/internal/groutine"
)

// eventLoop serializes all state machine work onto a single worker goroutine.
// Every adapter callback, session callback, and public manager operation is
// posted here as a closure, so the manager needs no internal locking: all
// reads and mutations of its state happen-before the next posted op.
type eventLoop struct {
	ops  chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventLoop(buffer int) *eventLoop {
	if buffer <= 0 {
		buffer = 64
	}
	l := &eventLoop{
		ops:  make(chan func(), buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	groutine.Go(nil, "connmgr-loop", func(context.Context) { l.run() })
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			// drain ops already posted so a close op observes a settled state
			for {
				select {
				case op := <-l.ops:
					op()
				default:
					return
				}
			}
		case op := <-l.ops:
			op()
		}
	}
}

// post enqueues op for execution on the worker. Reports false when the loop
// is shut down; the op is dropped in that case.
func (l *eventLoop) post(op func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.ops <- op:
		return true
	case <-l.quit:
		return false
	}
}

// postDelayed schedules op to be posted after d. The op is dropped if the
// loop shuts down before the timer fires; callers re-check their own guards
// (e.g. StayConnected) at fire time.
func (l *eventLoop) postDelayed(d time.Duration, op func()) *time.Timer {
	if d <= 0 {
		l.post(op)
		return nil
	}
	return time.AfterFunc(d, func() {
		l.post(op)
	})
}

// sync posts a no-op and waits for it to execute, establishing that every
// previously posted op has completed. Returns immediately if the loop is
// shut down.
func (l *eventLoop) sync() {
	flushed := make(chan struct{})
	if !l.post(func() { close(flushed) }) {
		return
	}
	select {
	case <-flushed:
	case <-l.done:
	}
}

// close stops the worker after draining already-posted ops. Idempotent.
func (l *eventLoop) close() {
	l.once.Do(func() {
		close(l.quit)
	})
	<-l.done
}
