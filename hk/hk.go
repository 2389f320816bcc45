// Package hk provides the core's task scheduler: a single worker thread
// running periodic/delayed Tasks (spec §4.5, "Task Manager"). Each task,
// when run, reports the next absolute time it wants to run again, or the
// zero Time to retire itself — this is the teacher's own
// register/run/unregister housekeeper shape (housekeeper_suite_test.go's
// TestInit/DefaultHK.Run/WaitStarted harness is kept verbatim as the test
// bring-up convention), generalized from the teacher's relative-duration
// callbacks to the spec's absolute-deadline contract.
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/xrootd-go/xrdcl/cmn/xlog"
)

// Task is scheduled by a Manager. Run is invoked with the current time
// once its deadline has passed; the return value is the next absolute
// time to run, or the zero Time to stop rescheduling.
type Task interface {
	Name() string
	Run(now time.Time) time.Time
}

// funcTask adapts a plain function into a Task, for callers that would
// rather not define a type.
type funcTask struct {
	name string
	fn   func(now time.Time) time.Time
}

func (f *funcTask) Name() string               { return f.name }
func (f *funcTask) Run(now time.Time) time.Time { return f.fn(now) }

func Func(name string, fn func(now time.Time) time.Time) Task { return &funcTask{name, fn} }

type item struct {
	task     Task
	deadline time.Time
	index    int
	live     bool // false once Unregister has been called
}

type taskHeap []*item

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Manager is a single-worker-thread scheduler. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	mu      sync.Mutex
	heap    taskHeap
	byName  map[string]*item
	wake    chan struct{}
	started chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
}

func NewManager() *Manager {
	return &Manager{
		byName:  map[string]*item{},
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register schedules task's first run at deadline. Registering a name
// already in use replaces the previous registration.
func (m *Manager) Register(task Task, deadline time.Time) {
	m.mu.Lock()
	if old, ok := m.byName[task.Name()]; ok {
		old.live = false
	}
	it := &item{task: task, deadline: deadline, live: true}
	m.byName[task.Name()] = it
	heap.Push(&m.heap, it)
	m.mu.Unlock()
	m.nudge()
}

// RegisterAfter is a convenience for Register(task, time.Now().Add(d)).
func (m *Manager) RegisterAfter(task Task, d time.Duration) {
	m.Register(task, time.Now().Add(d))
}

// Unregister removes task by name. Safe from any goroutine; once it
// returns, no further Run call will be made for that task (the live
// flag is cleared under the same lock Run checks before invoking).
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	if it, ok := m.byName[name]; ok {
		it.live = false
		delete(m.byName, name)
	}
	m.mu.Unlock()
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run is the single worker loop; call it from its own goroutine, as
// housekeeper_suite_test.go does with `go hk.DefaultHK.Run()`.
func (m *Manager) Run() {
	m.startOnce.Do(func() { close(m.started) })
	for {
		select {
		case <-m.stop:
			close(m.done)
			return
		default:
		}

		m.mu.Lock()
		var wait time.Duration
		if len(m.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(m.heap[0].deadline)
		}
		m.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-m.stop:
				t.Stop()
				close(m.done)
				return
			case <-m.wake:
				t.Stop()
				continue
			case <-t.C:
			}
		}

		m.runDue()
	}
}

func (m *Manager) runDue() {
	now := time.Now()
	for {
		m.mu.Lock()
		if len(m.heap) == 0 || m.heap[0].deadline.After(now) {
			m.mu.Unlock()
			return
		}
		it := heap.Pop(&m.heap).(*item)
		live := it.live
		m.mu.Unlock()

		if !live {
			continue
		}
		next := it.task.Run(now)
		if next.IsZero() {
			m.mu.Lock()
			delete(m.byName, it.task.Name())
			m.mu.Unlock()
			continue
		}
		if !next.After(now) {
			xlog.Warningf(xlog.TaskMgrMsg, "task %s returned non-advancing deadline, forcing +1ns", it.task.Name())
			next = now.Add(time.Nanosecond)
		}
		it.deadline = next
		m.mu.Lock()
		if cur, stillWanted := m.byName[it.task.Name()]; stillWanted && cur == it {
			heap.Push(&m.heap, it)
		}
		m.mu.Unlock()
	}
}

// Stop halts the worker loop. Safe to call once; Run's goroutine
// observes it promptly (within one wake tick).
func (m *Manager) Stop() {
	close(m.stop)
}

// WaitStarted blocks until Run's goroutine has entered its loop at
// least once. Used by tests that need the worker live before
// registering tasks with near-immediate deadlines.
func (m *Manager) WaitStarted() {
	<-m.started
}

// DefaultHK is the process-wide task manager Post-Master wires its
// per-channel tick tasks into, mirroring the teacher's package-level
// hk.DefaultHK singleton.
var DefaultHK = NewManager()

// TestInit resets DefaultHK for a fresh test run, the way the teacher's
// housekeeper_suite_test.go expects a hk.TestInit() hook to exist.
func TestInit() {
	DefaultHK = NewManager()
}

// WaitStarted waits for DefaultHK specifically.
func WaitStarted() { DefaultHK.WaitStarted() }
