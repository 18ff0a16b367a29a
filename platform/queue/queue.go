// Package queue implements the platform message queue: a FIFO drained by one dedicated worker that
// hands each message to a caller supplied handler, so long running work leaves the caller's
// goroutine.
package queue

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/logging"
	"go.viam.com/hdf/osal"
)

// DefaultStackSize is the stack size requested for queue workers.
const DefaultStackSize = 0x2000

// A Msg is one unit of queued work. Messages are owned by the caller, who must not reuse one until
// the handler has processed it.
type Msg struct {
	Code int32
	// Error holds the handler's result once the message has been handled.
	Error error
	Data  interface{}

	queued atomic.Bool
	done   chan struct{}
}

// A Handler processes one message on the queue's worker.
type Handler func(q *Queue, msg *Msg) error

// A Queue delivers messages to its handler in the order they were added.
type Queue struct {
	name    string
	handler Handler
	data    interface{}
	logger  logging.Logger

	lock      osal.Spinlock
	msgs      []*Msg
	sem       *osal.Sem
	thread    *osal.Thread
	start     atomic.Bool
	destroyed bool
	done      chan struct{}
}

// New creates a queue and its worker. The worker does not run until Start.
func New(handler Handler, name string, data interface{}, logger logging.Logger) (*Queue, error) {
	if handler == nil {
		return nil, errno.ErrInvalidParam
	}
	if logger == nil {
		logger = logging.Global().Sublogger("platform.queue." + name)
	}
	q := &Queue{
		name:    name,
		handler: handler,
		data:    data,
		logger:  logger,
		sem:     osal.NewSem(0),
		done:    make(chan struct{}),
	}
	thread, err := osal.NewThread(q.worker, nil)
	if err != nil {
		logger.Errorw("failed to create queue worker", "queue", name, "error", err)
		return nil, errors.Wrapf(err, "creating worker for queue %q", name)
	}
	q.thread = thread
	logger.Debugw("queue created", "queue", name)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Data returns the context value given to New.
func (q *Queue) Data() interface{} {
	return q.data
}

// Start launches the worker at the highest priority.
func (q *Queue) Start() error {
	if q == nil {
		return errno.ErrInvalidObject
	}
	flags := q.lock.LockIrqSave()
	defer q.lock.UnlockIrqRestore(flags)
	if q.destroyed {
		return errno.ErrRscNotAvl
	}
	if q.start.Load() {
		return errno.Wrapf(errno.Failure, "queue %q already started", q.name)
	}
	cfg := osal.ThreadConfig{
		Name:      fmt.Sprintf("queue-%s", q.name),
		Priority:  osal.ThreadPriorityHighest,
		StackSize: DefaultStackSize,
	}
	if err := q.thread.Start(cfg); err != nil {
		q.logger.Errorw("failed to start queue worker", "queue", q.name, "error", err)
		return err
	}
	q.start.Store(true)
	return nil
}

// AddMsg appends msg to the queue and wakes the worker.
func (q *Queue) AddMsg(msg *Msg) error {
	return q.addMsg(msg, nil)
}

// addMsg queues msg and, once it is known not to be queued already, attaches done for the worker
// to close after handling it.
func (q *Queue) addMsg(msg *Msg, done chan struct{}) error {
	if q == nil || msg == nil {
		return errno.ErrInvalidObject
	}
	flags := q.lock.LockIrqSave()
	if q.destroyed {
		q.lock.UnlockIrqRestore(flags)
		return errno.ErrRscNotAvl
	}
	if !msg.queued.CompareAndSwap(false, true) {
		q.lock.UnlockIrqRestore(flags)
		return errno.ErrObjRepeat
	}
	msg.Error = nil
	msg.done = done
	q.msgs = append(q.msgs, msg)
	q.lock.UnlockIrqRestore(flags)
	return q.sem.Post()
}

// SendMsg adds msg and waits until the handler has processed it, returning the handler's error.
// If ctx ends first the message stays queued and its result is discarded.
func (q *Queue) SendMsg(ctx context.Context, msg *Msg) error {
	done := make(chan struct{})
	if err := q.addMsg(msg, done); err != nil {
		return err
	}
	select {
	case <-done:
		return msg.Error
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errno.ErrRscNotAvl
	}
}

// Pending returns the number of queued messages.
func (q *Queue) Pending() int {
	if q == nil {
		return 0
	}
	flags := q.lock.LockIrqSave()
	defer q.lock.UnlockIrqRestore(flags)
	return len(q.msgs)
}

// Destroy stops the queue. A started worker tears the queue down itself after its current
// message; an unstarted queue is torn down before Destroy returns. Messages still queued are
// abandoned to their owners.
func (q *Queue) Destroy() {
	if q == nil {
		return
	}
	flags := q.lock.LockIrqSave()
	if q.destroyed {
		q.lock.UnlockIrqRestore(flags)
		return
	}
	q.destroyed = true
	started := q.start.Swap(false)
	q.lock.UnlockIrqRestore(flags)

	if started {
		//nolint:errcheck
		q.sem.Post()
		return
	}
	q.teardown()
}

// Done is closed once the queue has been torn down.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) worker(interface{}) int {
	for {
		if err := q.sem.Wait(context.Background(), osal.WaitForever); err != nil {
			q.logger.Errorw("queue worker wait failed", "queue", q.name, "error", err)
			q.teardown()
			return int(errno.CodeOf(err))
		}
		if !q.start.Load() {
			q.teardown()
			return 0
		}

		var msg *Msg
		var done chan struct{}
		flags := q.lock.LockIrqSave()
		if len(q.msgs) > 0 {
			msg = q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			done, msg.done = msg.done, nil
			msg.queued.Store(false)
		}
		q.lock.UnlockIrqRestore(flags)
		if msg == nil {
			continue
		}

		msg.Error = q.handle(msg)
		if done != nil {
			close(done)
		}
	}
}

func (q *Queue) handle(msg *Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("queue handler panicked", "queue", q.name, "code", msg.Code, "panic", r)
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return q.handler(q, msg)
}

func (q *Queue) teardown() {
	flags := q.lock.LockIrqSave()
	abandoned := q.msgs
	q.msgs = nil
	for _, msg := range abandoned {
		msg.done = nil
		msg.queued.Store(false)
	}
	q.lock.UnlockIrqRestore(flags)

	//nolint:errcheck
	q.thread.Destroy()
	//nolint:errcheck
	q.sem.Destroy()
	//nolint:errcheck
	q.lock.Destroy()
	q.logger.Debugw("queue destroyed", "queue", q.name, "abandoned", len(abandoned))
	close(q.done)
}
