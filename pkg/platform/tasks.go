package platform

import (
	"sync"
	"sync/atomic"

	"github.com/embernet/ember/pkg/sequencer"
	"golang.org/x/sync/errgroup"
)

// TaskGroup scopes a set of deferred and worker tasks so a component can
// mass-cancel its own in-flight work on shutdown. A canceled worker still
// invokes its done callback, with canceled=true, so callers can free
// resources deterministically.
type TaskGroup struct {
	canceled atomic.Bool
	workers  sync.WaitGroup
}

// NewTaskGroup returns an empty, live TaskGroup.
func NewTaskGroup() *TaskGroup {
	return &TaskGroup{}
}

// Canceled reports whether Loop.CancelTaskGroup has been called on this
// group.
func (g *TaskGroup) Canceled() bool {
	return g.canceled.Load()
}

// Loop is the platform event loop: a sequencer queue plus timers and a
// worker pool, all driven from a single goroutine started by Run.
type Loop struct {
	Clock  Clock
	seq    *sequencer.Queue
	timers *timerSet
	stop   chan struct{}
	wg     *errgroup.Group
}

// NewLoop constructs a Loop using clock as its time source.
func NewLoop(clock Clock) *Loop {
	return &Loop{
		Clock:  clock,
		seq:    sequencer.New(),
		timers: newTimerSet(),
		stop:   make(chan struct{}),
		wg:     &errgroup.Group{},
	}
}

// Run drains the sequencer queue until Stop is called. It must run on its
// own goroutine; every other Loop method is safe to call from any
// goroutine, but the fn passed to Submit* only ever executes here.
func (l *Loop) Run() {
	for {
		select {
		case <-l.seq.Wake():
			l.seq.RunPending()
		case <-l.stop:
			// Drain whatever is left so deferred cleanup (e.g. a
			// just-submitted cancellation continuation) still runs.
			l.seq.RunPending()
			return
		}
	}
}

// Stop ends Run after the current turn; calls after the first are no-ops.
// It does not wait for workers; use a TaskGroup and CancelTaskGroup for
// that.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// SubmitDeferred enqueues fn for the next sequencer turn. If group is
// already canceled, fn never runs.
func (l *Loop) SubmitDeferred(group *TaskGroup, fn func()) {
	task := sequencer.NewTask(func() {
		if group != nil && group.Canceled() {
			return
		}
		fn()
	})
	l.seq.Submit(task)
}

// SubmitMain is identical to SubmitDeferred in this single-threaded
// implementation — there is no separate thread-safe hop to perform.
func (l *Loop) SubmitMain(fn func()) {
	l.SubmitDeferred(nil, fn)
}

// SubmitWorker runs entry on a new goroutine, then hops done back onto the
// sequencer with the entry's result and the group's cancellation state at
// the time it completed.
func (l *Loop) SubmitWorker(group *TaskGroup, entry func() any, done func(result any, canceled bool)) {
	if group != nil {
		group.workers.Add(1)
	}
	l.wg.Go(func() error {
		if group != nil {
			defer group.workers.Done()
		}
		result := entry()
		l.SubmitMain(func() {
			canceled := group != nil && group.Canceled()
			done(result, canceled)
		})
		return nil
	})
}

// CancelTaskGroup marks group canceled, waits for its in-flight workers to
// finish (their done callbacks still fire, with canceled=true), then calls
// onDone on the sequencer.
func (l *Loop) CancelTaskGroup(group *TaskGroup, onDone func()) {
	group.canceled.Store(true)
	go func() {
		group.workers.Wait()
		l.SubmitMain(onDone)
	}()
}

// TimerStart schedules fn(data) to run on the sequencer after firstMS,
// repeating every repeatMS thereafter (0 for a one-shot timer).
func (l *Loop) TimerStart(firstMS, repeatMS int64, fn func(data any), data any) TimerHandle {
	return l.timers.start(l, firstMS, repeatMS, fn, data)
}

// TimerStop cancels a timer started by TimerStart. It's a no-op if the
// timer already fired (for one-shot timers) or was already stopped.
func (l *Loop) TimerStop(h TimerHandle) {
	l.timers.stop(h)
}
