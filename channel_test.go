package serial

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type readResult struct {
	data []byte
	err  error
}

// fakeDevice hands out scripted read completions in order.
type fakeDevice struct {
	reads      chan readResult
	cancel     chan struct{}
	cancelOnce sync.Once

	mu       sync.Mutex
	written  []byte
	writeErr error
	closes   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		reads:  make(chan readResult, 128),
		cancel: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case <-d.cancel:
		return 0, ErrCancelled
	case r := <-d.reads:
		return copy(p, r.data), r.err
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.written = append(d.written, p...)
	return len(p), nil
}

func (d *fakeDevice) Cancel() error {
	d.cancelOnce.Do(func() { close(d.cancel) })
	return nil
}

func (d *fakeDevice) Close() error {
	d.Cancel()
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) inject(data ...byte) { d.reads <- readResult{data: data} }

func (d *fakeDevice) fail(err error) { d.reads <- readResult{err: err} }

// host records the callbacks it receives.
type host struct {
	interp *Interpreter
	data   chan *Channel
	done   chan *Channel
}

func newHost() *host {
	h := &host{
		interp: NewInterpreter(),
		data:   make(chan *Channel, 128),
		done:   make(chan *Channel, 8),
	}
	h.interp.Define(DataAvailable, func(ch *Channel) error { h.data <- ch; return nil })
	h.interp.Define(DoneAction, func(ch *Channel) error { h.done <- ch; return nil })
	return h
}

var lineOpts = Options{BaudRate: 9600, CharSize: 8, StopBits: StopBitsOne, Parity: ParityNone, FlowControl: FlowControlNone}

func attachFake(t *testing.T, h *host, settings ...Setting) (*Channel, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	ch, err := Attach("fake", dev, lineOpts, h.interp, settings...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, dev
}

func waitFor(t *testing.T, events <-chan *Channel, what string) *Channel {
	t.Helper()
	select {
	case ch := <-events:
		return ch
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return nil
	}
}

func expectNone(t *testing.T, events <-chan *Channel, what string) {
	t.Helper()
	select {
	case <-events:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(h *host, ch *Channel) []byte {
	var out []byte
	h.interp.Run(func() {
		for b, ok := ch.Next(); ok; b, ok = ch.Next() {
			out = append(out, b)
		}
	})
	return out
}

func TestChannel_EndToEnd(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h)
	require.Equal(t, "9600 8N1", ch.Options().String())

	dev.inject(0x41, 0x42, 0x43)

	require.Same(t, ch, waitFor(t, h.data, "data available"))
	expectNone(t, h.data, "second data notification")

	h.interp.Run(func() {
		for _, want := range []byte{0x41, 0x42, 0x43} {
			b, ok := ch.Next()
			require.True(t, ok)
			require.Equal(t, want, b)
		}
		_, ok := ch.Next()
		require.False(t, ok)
		require.Zero(t, ch.ErrorsSinceLast())
	})

	require.Eventually(t, func() bool { return ch.Stats().Notifications == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(3), ch.Stats().BytesReceived)
}

func TestChannel_OneNotificationPerCompletion(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h)

	dev.inject(1)
	dev.inject(2, 3, 4, 5)
	dev.inject(6, 7)

	for i := 0; i < 3; i++ {
		waitFor(t, h.data, "data available")
	}
	expectNone(t, h.data, "extra data notification")

	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, drain(h, ch))
}

func TestChannel_NoNotificationForEmptyOrFailedRead(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHost()
	ch, dev := attachFake(t, h,
		WithLogger(zap.New(core)),
		WithRetry(time.Millisecond, time.Millisecond, 0),
	)

	dev.reads <- readResult{}
	dev.fail(errors.New("framing error"))
	dev.inject(0x7f)

	waitFor(t, h.data, "data available")
	expectNone(t, h.data, "spurious data notification")

	require.Equal(t, []byte{0x7f}, drain(h, ch))
	require.Equal(t, uint64(1), ch.Stats().ReadErrors)
	require.Equal(t, 1, logs.FilterMessage("read failed").Len())
	require.False(t, ch.State().Terminal())
	expectNone(t, h.done, "done notification")
}

func TestChannel_OverflowIsCountedNotBlocked(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h, WithRelayCapacity(4))

	dev.inject(1, 2, 3, 4, 5, 6)
	waitFor(t, h.data, "data available")

	h.interp.Run(func() {
		require.Equal(t, uint32(2), ch.ErrorsSinceLast())
		require.Equal(t, uint32(0), ch.ErrorsSinceLast())
	})
	require.Equal(t, []byte{1, 2, 3, 4}, drain(h, ch))

	dev.inject(7, 8, 9, 10, 11)
	waitFor(t, h.data, "data available")
	h.interp.Run(func() {
		require.Equal(t, uint32(1), ch.ErrorsSinceLast())
	})
	require.Equal(t, []byte{7, 8, 9, 10}, drain(h, ch))
	require.Equal(t, uint64(3), ch.Stats().Overflowed)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h)

	h.interp.Run(func() {
		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())
	})

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for read loop to exit")
	}
	require.Equal(t, ReaderCancelled, ch.State())
	require.Equal(t, 1, dev.closes)

	dev.inject(1, 2, 3)
	expectNone(t, h.data, "data notification after close")
	expectNone(t, h.done, "done notification after close")
	require.Empty(t, drain(h, ch))
	require.False(t, ch.Put('x'))
}

func TestChannel_NothingDeliveredAfterClose(t *testing.T) {
	h := newHost()
	var notified atomic.Int64
	h.interp.Define(DataAvailable, func(*Channel) error { notified.Inc(); return nil })
	ch, dev := attachFake(t, h, WithRelayCapacity(1<<16))

	quit := make(chan struct{})
	injected := make(chan struct{})
	go func() {
		defer close(injected)
		for {
			select {
			case <-quit:
				return
			case dev.reads <- readResult{data: []byte{0xaa}}:
			}
		}
	}()
	require.Eventually(t, func() bool { return notified.Load() > 10 }, time.Second, time.Millisecond)

	var buffered int
	var calls int64
	h.interp.Run(func() {
		require.NoError(t, ch.Close())
		buffered = ch.Buffered()
		calls = notified.Load()
	})

	time.Sleep(30 * time.Millisecond)
	close(quit)
	<-injected

	require.Equal(t, buffered, ch.Buffered())
	require.Equal(t, calls, notified.Load())
}

func TestChannel_CloseFromCallback(t *testing.T) {
	h := newHost()
	closed := make(chan error, 1)
	h.interp.Define(DataAvailable, func(ch *Channel) error {
		closed <- ch.Close()
		return nil
	})
	ch, dev := attachFake(t, h)

	dev.inject(1)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close from callback")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit after close from callback")
	}
}

func TestChannel_TerminalErrorFiresDone(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHost()
	ch, dev := attachFake(t, h, WithLogger(zap.New(core)))

	dev.fail(fmt.Errorf("%w: unplugged", ErrDeviceGone))

	require.Same(t, ch, waitFor(t, h.done, "done notification"))
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}
	require.Equal(t, ReaderFailed, ch.State())
	require.Equal(t, 1, logs.FilterMessage("read loop stopped").Len())
	expectNone(t, h.data, "data notification")
}

func TestChannel_PersistentErrorsGiveUp(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h, WithRetry(time.Millisecond, time.Millisecond, 5*time.Millisecond))

	for i := 0; i < 100; i++ {
		dev.fail(errors.New("transient"))
	}

	waitFor(t, h.done, "done notification")
	<-ch.Done()
	require.Equal(t, ReaderFailed, ch.State())
	require.NotZero(t, ch.Stats().ReadErrors)
}

func TestChannel_IsolatedErrorAfterIdleIsRetried(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h, WithRetry(time.Millisecond, time.Millisecond, 50*time.Millisecond))

	// Stay quiet for longer than the retry budget.
	time.Sleep(100 * time.Millisecond)
	dev.fail(errors.New("framing error"))
	dev.inject(0x55)

	waitFor(t, h.data, "data available")
	expectNone(t, h.done, "done notification")
	require.Equal(t, []byte{0x55}, drain(h, ch))
	require.Equal(t, uint64(1), ch.Stats().ReadErrors)
	require.False(t, ch.State().Terminal())
}

func TestChannel_Put(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h)

	h.interp.Run(func() {
		require.True(t, ch.Put('o'))
		require.True(t, ch.Put('k'))
	})
	require.Equal(t, []byte("ok"), dev.written)

	dev.mu.Lock()
	dev.writeErr = errors.New("device busy")
	dev.mu.Unlock()
	require.False(t, ch.Put('!'))
	require.Equal(t, uint64(2), ch.Stats().BytesSent)
}

func TestChannel_ReleaseOrphansHandle(t *testing.T) {
	h := newHost()
	ch, dev := attachFake(t, h)

	h.interp.Run(func() { require.NoError(t, ch.Release()) })
	dev.inject(1)
	expectNone(t, h.data, "data notification after release")
	<-ch.Done()
}

func TestAttach_Errors(t *testing.T) {
	h := newHost()

	_, err := Attach("x", newFakeDevice(), lineOpts, nil)
	require.ErrorIs(t, err, ErrNoInterpreter)

	_, err = Attach("x", nil, lineOpts, h.interp)
	require.ErrorIs(t, err, ErrInvalidOption)

	bad := lineOpts
	bad.CharSize = 9
	_, err = Attach("x", newFakeDevice(), bad, h.interp)
	require.ErrorIs(t, err, ErrInvalidOption)
}

func TestReader_StartOnce(t *testing.T) {
	h := newHost()
	ch, _ := attachFake(t, h)
	require.False(t, ch.reader.start())
	require.False(t, ch.State().Terminal())
}
