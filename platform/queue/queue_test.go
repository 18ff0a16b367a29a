package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.viam.com/test"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	codes []int32
	seen  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) handle(q *Queue, msg *Msg) error {
	r.mu.Lock()
	r.codes = append(r.codes, msg.Code)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) recorded() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.codes...)
}

func TestNew(t *testing.T) {
	_, err := New(nil, "q", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldEqual, errno.ErrInvalidParam)

	q, err := New(newRecorder().handle, "q", "ctx", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Name(), test.ShouldEqual, "q")
	test.That(t, q.Data(), test.ShouldEqual, "ctx")
	test.That(t, q.AddMsg(nil), test.ShouldEqual, errno.ErrInvalidObject)

	var nilQueue *Queue
	test.That(t, nilQueue.Start(), test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, nilQueue.AddMsg(&Msg{}), test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, nilQueue.SendMsg(context.Background(), &Msg{}), test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, nilQueue.Pending(), test.ShouldEqual, 0)
	nilQueue.Destroy()

	// never started: torn down synchronously
	q.Destroy()
	<-q.Done()
	test.That(t, q.AddMsg(&Msg{}), test.ShouldEqual, errno.ErrRscNotAvl)
	test.That(t, q.Start(), test.ShouldEqual, errno.ErrRscNotAvl)
}

func TestFIFO(t *testing.T) {
	r := newRecorder()
	q, err := New(r.handle, "fifo", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// queued before the worker runs
	msgs := []*Msg{{Code: 1}, {Code: 2}, {Code: 3}}
	for _, msg := range msgs {
		test.That(t, q.AddMsg(msg), test.ShouldBeNil)
	}
	test.That(t, q.Pending(), test.ShouldEqual, 3)
	test.That(t, q.Start(), test.ShouldBeNil)
	test.That(t, errno.CodeOf(q.Start()), test.ShouldEqual, errno.Failure)

	more := []*Msg{{Code: 4}, {Code: 5}}
	for _, msg := range more {
		test.That(t, q.AddMsg(msg), test.ShouldBeNil)
	}
	for i := 0; i < 5; i++ {
		<-r.seen
	}
	test.That(t, r.recorded(), test.ShouldResemble, []int32{1, 2, 3, 4, 5})

	q.Destroy()
	<-q.Done()
}

func TestSendMsg(t *testing.T) {
	q, err := New(func(q *Queue, msg *Msg) error {
		if msg.Code < 0 {
			return errno.ErrNotSupport
		}
		msg.Data = msg.Data.(int) * 2
		return nil
	}, "send", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Start(), test.ShouldBeNil)
	defer func() {
		q.Destroy()
		<-q.Done()
	}()

	msg := &Msg{Code: 1, Data: 21}
	test.That(t, q.SendMsg(context.Background(), msg), test.ShouldBeNil)
	test.That(t, msg.Data, test.ShouldEqual, 42)

	failing := &Msg{Code: -1}
	test.That(t, q.SendMsg(context.Background(), failing), test.ShouldEqual, errno.ErrNotSupport)
	test.That(t, failing.Error, test.ShouldEqual, errno.ErrNotSupport)

	// handled messages can be sent again
	test.That(t, q.SendMsg(context.Background(), msg), test.ShouldBeNil)
	test.That(t, msg.Data, test.ShouldEqual, 84)
}

func TestSendMsgRepeatKeepsFirstSender(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q, err := New(func(_ *Queue, msg *Msg) error {
		if msg.Code == 0 {
			started <- struct{}{}
			<-release
		}
		return nil
	}, "repeat", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Start(), test.ShouldBeNil)
	defer func() {
		q.Destroy()
		<-q.Done()
	}()

	test.That(t, q.AddMsg(&Msg{Code: 0}), test.ShouldBeNil)
	<-started

	msg := &Msg{Code: 1}
	first := make(chan error, 1)
	go func() {
		first <- q.SendMsg(context.Background(), msg)
	}()
	for q.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.SendMsg(context.Background(), msg), test.ShouldEqual, errno.ErrObjRepeat)

	close(release)
	select {
	case err := <-first:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("first sender was not told its message was handled")
	}
}

func TestHandlerMayEnqueue(t *testing.T) {
	var q *Queue
	r := newRecorder()
	followUp := &Msg{Code: 2}
	q, err := New(func(q *Queue, msg *Msg) error {
		if msg.Code == 1 {
			if err := q.AddMsg(followUp); err != nil {
				return err
			}
		}
		return r.handle(q, msg)
	}, "reentrant", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Start(), test.ShouldBeNil)
	test.That(t, q.AddMsg(&Msg{Code: 1}), test.ShouldBeNil)
	<-r.seen
	<-r.seen
	test.That(t, r.recorded(), test.ShouldResemble, []int32{1, 2})
	q.Destroy()
	<-q.Done()
}

func TestMsgInOneQueue(t *testing.T) {
	block := make(chan struct{})
	q, err := New(func(*Queue, *Msg) error {
		<-block
		return nil
	}, "busy", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	other, err := New(func(*Queue, *Msg) error { return nil }, "other", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	msg := &Msg{Code: 1}
	test.That(t, q.AddMsg(msg), test.ShouldBeNil)
	test.That(t, q.AddMsg(msg), test.ShouldEqual, errno.ErrObjRepeat)
	test.That(t, other.AddMsg(msg), test.ShouldEqual, errno.ErrObjRepeat)

	other.Destroy()
	close(block)
	q.Destroy()
	<-q.Done()
	<-other.Done()
	// abandoned messages are released to their owner
	test.That(t, q.Pending(), test.ShouldEqual, 0)
}

func TestDestroyAbandonsPending(t *testing.T) {
	release := make(chan struct{})
	handled := make(chan int32, 8)
	q, err := New(func(_ *Queue, msg *Msg) error {
		handled <- msg.Code
		<-release
		return nil
	}, "abandon", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Start(), test.ShouldBeNil)

	first := &Msg{Code: 1}
	test.That(t, q.AddMsg(first), test.ShouldBeNil)
	test.That(t, <-handled, test.ShouldEqual, 1)
	test.That(t, q.AddMsg(&Msg{Code: 2}), test.ShouldBeNil)
	test.That(t, q.AddMsg(&Msg{Code: 3}), test.ShouldBeNil)

	sendResult := make(chan error, 1)
	go func() {
		sendResult <- q.SendMsg(context.Background(), &Msg{Code: 4})
	}()
	for q.Pending() < 3 {
		time.Sleep(time.Millisecond)
	}

	q.Destroy()
	test.That(t, q.AddMsg(&Msg{Code: 5}), test.ShouldEqual, errno.ErrRscNotAvl)
	close(release)
	<-q.Done()

	// the stop request is seen on the next wakeup, before any queued message
	test.That(t, len(handled), test.ShouldEqual, 0)
	test.That(t, <-sendResult, test.ShouldEqual, errno.ErrRscNotAvl)
}

func TestHandlerPanic(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	q, err := New(func(*Queue, *Msg) error {
		panic("boom")
	}, "panicky", nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, q.Start(), test.ShouldBeNil)

	err = q.SendMsg(context.Background(), &Msg{Code: 9})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "boom")
	test.That(t, observed.FilterMessage("queue handler panicked").Len(), test.ShouldEqual, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, q.SendMsg(ctx, &Msg{Code: 10}), test.ShouldNotBeNil)

	q.Destroy()
	<-q.Done()
}
