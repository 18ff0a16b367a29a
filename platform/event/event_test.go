package event

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/osal"
)

const (
	bitA uint32 = 1 << 0
	bitB uint32 = 1 << 1
	bitC uint32 = 1 << 2
)

func waitForWaiters(t *testing.T, e *Event, n int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if e.Waiters() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d waiters, have %d", n, e.Waiters())
}

func TestInvalidArguments(t *testing.T) {
	var nilEvent *Event
	test.That(t, nilEvent.Init(), test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, nilEvent.Post(bitA), test.ShouldEqual, errno.ErrInvalidObject)
	_, err := nilEvent.Wait(context.Background(), bitA, ModeOr, 0)
	test.That(t, err, test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, nilEvent.Uninit(), test.ShouldEqual, errno.ErrInvalidObject)

	var e Event
	test.That(t, e.Init(), test.ShouldBeNil)
	test.That(t, e.Post(0), test.ShouldEqual, errno.ErrInvalidParam)
	_, err = e.Wait(context.Background(), 0, ModeOr, 0)
	test.That(t, err, test.ShouldEqual, errno.ErrInvalidParam)
	test.That(t, e.Listen(nil), test.ShouldEqual, errno.ErrInvalidParam)
	test.That(t, e.Listen(&Listener{Mask: bitA}), test.ShouldEqual, errno.ErrInvalidParam)
	test.That(t, e.Unlisten(&Listener{Mask: bitA}), test.ShouldEqual, errno.ErrInvalidParam)
	test.That(t, e.Pending(), test.ShouldEqual, 0)
}

func TestOrAndSemantics(t *testing.T) {
	var e Event
	test.That(t, e.Init(), test.ShouldBeNil)

	test.That(t, e.Post(bitA|bitB), test.ShouldBeNil)
	got, err := e.Wait(context.Background(), bitA|bitB, ModeOr, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, bitA|bitB)
	test.That(t, e.Pending(), test.ShouldEqual, 0)

	test.That(t, e.Post(bitA), test.ShouldBeNil)
	_, err = e.Wait(context.Background(), bitA|bitB, ModeAnd, 10*time.Millisecond)
	test.That(t, err, test.ShouldEqual, errno.ErrTimeout)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)
	test.That(t, e.Pending(), test.ShouldEqual, bitA)

	got, err = e.Wait(context.Background(), bitA|bitB, ModeOr, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, bitA)

	// only masked bits are consumed
	test.That(t, e.Post(bitA|bitC), test.ShouldBeNil)
	got, err = e.Read(bitA, ModeAnd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, bitA)
	test.That(t, e.Pending(), test.ShouldEqual, bitC)
}

func TestPollWithNothingPending(t *testing.T) {
	var e Event
	_, err := e.Wait(context.Background(), bitA, ModeOr, 0)
	test.That(t, err, test.ShouldEqual, errno.ErrNoData)
	_, err = e.Read(bitA, ModeOr)
	test.That(t, err, test.ShouldEqual, errno.ErrNoData)
}

func TestBlockingWaitIsWoken(t *testing.T) {
	var e Event
	result := make(chan uint32, 1)
	go func() {
		got, err := e.Wait(context.Background(), bitA|bitB, ModeAnd, osal.WaitForever)
		if err == nil {
			result <- got
		}
	}()
	waitForWaiters(t, &e, 1)

	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, e.Waiters(), test.ShouldEqual, 1)
	test.That(t, e.Post(bitB), test.ShouldBeNil)
	test.That(t, <-result, test.ShouldEqual, bitA|bitB)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)
}

func TestAtMostOneWaiterPerPost(t *testing.T) {
	var e Event
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Wait(context.Background(), bitA, ModeOr, osal.WaitForever)
			results <- err
		}()
		waitForWaiters(t, &e, i+1)
	}

	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, <-results, test.ShouldBeNil)
	test.That(t, e.Waiters(), test.ShouldEqual, 1)
	select {
	case <-results:
		t.Fatal("second waiter released by the first post")
	case <-time.After(20 * time.Millisecond):
	}

	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, <-results, test.ShouldBeNil)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)
}

func TestWaitTimeoutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	var e Event
	test.That(t, e.InitWithClock(mock), test.ShouldBeNil)

	result := make(chan error, 1)
	go func() {
		_, err := e.Wait(context.Background(), bitA, ModeOr, time.Second)
		result <- err
	}()
	waitForWaiters(t, &e, 1)
	var err error
	for done := false; !done; {
		// the timer is armed just after the waiter links, so advance until it fires
		mock.Add(time.Second)
		select {
		case err = <-result:
			done = true
		case <-time.After(time.Millisecond):
		}
	}
	test.That(t, err, test.ShouldEqual, errno.ErrTimeout)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)

	// a post with no waiter stays pending
	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, e.Pending(), test.ShouldEqual, bitA)
}

func TestWaitContextCancel(t *testing.T) {
	var e Event
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := e.Wait(ctx, bitA, ModeOr, osal.WaitForever)
		result <- err
	}()
	waitForWaiters(t, &e, 1)
	cancel()
	test.That(t, errors.Is(<-result, context.Canceled), test.ShouldBeTrue)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)
}

func TestListeners(t *testing.T) {
	var e Event
	type firing struct {
		data   interface{}
		events uint32
	}
	fired := make([]firing, 0)
	cb := func(l *Listener, events uint32) error {
		fired = append(fired, firing{l.Data, events})
		return nil
	}
	first := &Listener{Mask: bitA | bitB, Mode: ModeAnd, Callback: cb, Data: "first"}
	second := &Listener{Mask: bitA, Callback: cb, Data: "second"}
	test.That(t, e.Listen(first), test.ShouldBeNil)
	test.That(t, e.Listen(second), test.ShouldBeNil)
	test.That(t, e.Listen(second), test.ShouldEqual, errno.ErrObjRepeat)

	// first needs both bits; second is the first match and consumes A
	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, fired, test.ShouldResemble, []firing{{"second", bitA}})
	test.That(t, e.Pending(), test.ShouldEqual, 0)

	// both bits: first matches and wins, second stays registered
	test.That(t, e.Post(bitA|bitB), test.ShouldBeNil)
	test.That(t, fired[1], test.ShouldResemble, firing{"first", bitA | bitB})
	test.That(t, e.Waiters(), test.ShouldEqual, 2)

	test.That(t, e.Unlisten(first), test.ShouldBeNil)
	test.That(t, e.Unlisten(first), test.ShouldEqual, errno.ErrInvalidParam)
	test.That(t, e.Post(bitB), test.ShouldBeNil)
	test.That(t, fired, test.ShouldHaveLength, 2)
	test.That(t, e.Pending(), test.ShouldEqual, bitB)
}

func TestListenerCallbackMayPost(t *testing.T) {
	var e Event
	chained := &Listener{Mask: bitA, Callback: func(l *Listener, events uint32) error {
		return e.Post(bitC)
	}}
	test.That(t, e.Listen(chained), test.ShouldBeNil)
	test.That(t, e.Post(bitA), test.ShouldBeNil)
	test.That(t, e.Pending(), test.ShouldEqual, bitC)

	failing := &Listener{Mask: bitB, Callback: func(*Listener, uint32) error {
		return errno.ErrNotSupport
	}}
	test.That(t, e.Listen(failing), test.ShouldBeNil)
	test.That(t, e.Post(bitB), test.ShouldEqual, errno.ErrNotSupport)
}

func TestUninit(t *testing.T) {
	var e Event
	test.That(t, e.Listen(&Listener{Mask: bitA, Callback: func(*Listener, uint32) error { return nil }}), test.ShouldBeNil)
	result := make(chan error, 1)
	go func() {
		_, err := e.Wait(context.Background(), bitB, ModeOr, osal.WaitForever)
		result <- err
	}()
	waitForWaiters(t, &e, 2)

	test.That(t, e.Uninit(), test.ShouldBeNil)
	test.That(t, <-result, test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)
	test.That(t, e.Post(bitA), test.ShouldEqual, errno.ErrInvalidObject)

	test.That(t, e.Init(), test.ShouldBeNil)
	test.That(t, e.Post(bitA), test.ShouldBeNil)
}

func TestReinitFailsWaiters(t *testing.T) {
	var e Event
	test.That(t, e.Init(), test.ShouldBeNil)
	result := make(chan error, 1)
	go func() {
		_, err := e.Wait(context.Background(), bitA, ModeOr, osal.WaitForever)
		result <- err
	}()
	waitForWaiters(t, &e, 1)

	test.That(t, e.Init(), test.ShouldBeNil)
	test.That(t, <-result, test.ShouldEqual, errno.ErrInvalidObject)
	test.That(t, e.Waiters(), test.ShouldEqual, 0)

	test.That(t, e.Post(bitA), test.ShouldBeNil)
	got, err := e.Wait(context.Background(), bitA, ModeOr, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, bitA)
}
