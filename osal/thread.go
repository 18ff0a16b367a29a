package osal

import (
	"sync"

	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/hdf/errno"
)

// ThreadPriority mirrors the host scheduler priorities.
type ThreadPriority int

// Thread priorities, lowest first.
const (
	ThreadPriorityLow ThreadPriority = iota
	ThreadPriorityDefault
	ThreadPriorityHigh
	ThreadPriorityHighest
)

// ThreadConfig describes how a thread is launched. Priority and StackSize are recorded for
// parity with the host OS; goroutines are scheduled and sized by the Go runtime.
type ThreadConfig struct {
	Name      string
	Priority  ThreadPriority
	StackSize uint32
}

// A ThreadEntry is the body of a thread. Its return value is the thread's exit status.
type ThreadEntry func(data interface{}) int

// A Thread runs one entry function on its own goroutine.
type Thread struct {
	entry ThreadEntry
	data  interface{}

	mu        sync.Mutex
	config    ThreadConfig
	started   bool
	destroyed bool
	done      chan struct{}
	status    atomic.Int64
}

// NewThread creates a thread that will run entry(data) once started.
func NewThread(entry ThreadEntry, data interface{}) (*Thread, error) {
	if entry == nil {
		return nil, errno.ErrInvalidParam
	}
	return &Thread{entry: entry, data: data, done: make(chan struct{})}, nil
}

// Start launches the thread. A thread can be started only once.
func (t *Thread) Start(config ThreadConfig) error {
	if t == nil {
		return errno.ErrInvalidObject
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.destroyed {
		return errno.ErrInvalidObject
	}
	t.config = config
	t.started = true
	goutils.PanicCapturingGo(func() {
		defer close(t.done)
		t.status.Store(int64(t.entry(t.data)))
	})
	return nil
}

// Config returns the configuration the thread was started with.
func (t *Thread) Config() ThreadConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Destroy releases the thread handle. It does not wait for a running entry function, so a thread
// may destroy its own handle on the way out.
func (t *Thread) Destroy() error {
	if t == nil {
		return errno.ErrInvalidObject
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		close(t.done)
	}
	t.started = true
	t.destroyed = true
	return nil
}

// Done is closed when the entry function returns, or on Destroy of a thread never started.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Status returns the entry function's exit status once Done is closed.
func (t *Thread) Status() int {
	return int(t.status.Load())
}
