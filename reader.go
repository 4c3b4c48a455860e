package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ReaderState is the state of a channel's read loop.
type ReaderState int32

const (
	ReaderIdle ReaderState = iota
	ReaderArmed
	ReaderCompleted
	ReaderErrored
	ReaderCancelled // terminal, after Close
	ReaderFailed    // terminal, after an unrecoverable read error
)

func (s ReaderState) String() string {
	switch s {
	case ReaderIdle:
		return "idle"
	case ReaderArmed:
		return "armed"
	case ReaderCompleted:
		return "completed"
	case ReaderErrored:
		return "errored"
	case ReaderCancelled:
		return "cancelled"
	case ReaderFailed:
		return "failed"
	}
	return fmt.Sprintf("ReaderState(%d)", int32(s))
}

// Terminal reports whether the loop has exited.
func (s ReaderState) Terminal() bool {
	return s == ReaderCancelled || s == ReaderFailed
}

// reader keeps one read outstanding on dev at all times and moves every
// completed batch into the relay.
type reader struct {
	dev    Device
	relay  *Relay
	bridge *bridge
	stats  *counters
	log    *zap.Logger

	buf   []byte
	retry *backoff.ExponentialBackOff

	state atomic.Int32

	// procMu orders batch delivery against stop: once stop has returned
	// no further byte reaches the relay.
	procMu   sync.Mutex
	stopping bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newReader(dev Device, relay *Relay, br *bridge, stats *counters, cfg Config) *reader {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInitialInterval
	retry.MaxInterval = cfg.RetryMaxInterval
	retry.MaxElapsedTime = cfg.RetryMaxElapsed

	return &reader{
		dev:    dev,
		relay:  relay,
		bridge: br,
		stats:  stats,
		log:    cfg.Logger,
		buf:    make([]byte, cfg.ReadBufferSize),
		retry:  retry,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start arms the loop. Only the first call has an effect.
func (r *reader) start() bool {
	if !r.state.CompareAndSwap(int32(ReaderIdle), int32(ReaderArmed)) {
		return false
	}
	go r.loop()
	return true
}

// stop marks the loop as stopping and aborts the in-flight read. The loop
// notices at its next completion and exits without delivering it.
func (r *reader) stop() {
	r.procMu.Lock()
	r.stopping = true
	r.procMu.Unlock()
	r.quitOnce.Do(func() { close(r.quit) })

	if r.state.CompareAndSwap(int32(ReaderIdle), int32(ReaderCancelled)) {
		close(r.done)
		return
	}
	if err := r.dev.Cancel(); err != nil {
		r.log.Debug("cancel read", zap.Error(err))
	}
}

func (r *reader) State() ReaderState {
	return ReaderState(r.state.Load())
}

func (r *reader) setState(s ReaderState) {
	r.state.Store(int32(s))
}

func (r *reader) loop() {
	defer close(r.done)

	// failing is set while consecutive reads keep erroring. The retry clock
	// starts at the first error of such a run.
	failing := false
	for {
		n, err := r.dev.Read(r.buf)

		switch {
		case err == nil:
			r.setState(ReaderCompleted)
			if !r.deliver(n) {
				r.setState(ReaderCancelled)
				return
			}
			failing = false

		case errors.Is(err, ErrCancelled) || r.isStopping():
			r.log.Debug("read loop cancelled")
			r.setState(ReaderCancelled)
			return

		case IsTerminal(err):
			r.fail(err)
			return

		default:
			r.setState(ReaderErrored)
			r.stats.readErrors.Inc()
			if !failing {
				failing = true
				r.retry.Reset()
			}
			wait := r.retry.NextBackOff()
			if wait == backoff.Stop {
				r.fail(fmt.Errorf("giving up after %s of read errors: %w", r.retry.MaxElapsedTime, err))
				return
			}
			r.log.Warn("read failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !r.sleep(wait) {
				r.setState(ReaderCancelled)
				return
			}
		}

		r.setState(ReaderArmed)
	}
}

// deliver pushes the first n scratch bytes into the relay and signals the
// host once for the whole batch. It returns false if the loop is stopping.
func (r *reader) deliver(n int) bool {
	r.procMu.Lock()
	if r.stopping {
		r.procMu.Unlock()
		return false
	}
	for _, b := range r.buf[:n] {
		r.relay.Push(b)
	}
	r.procMu.Unlock()

	if n == 0 {
		return true
	}
	r.stats.bytesReceived.Add(uint64(n))
	r.bridge.dataAvailable()
	return true
}

func (r *reader) fail(err error) {
	r.log.Error("read loop stopped", zap.Error(err))
	r.setState(ReaderFailed)
	r.bridge.done()
}

func (r *reader) isStopping() bool {
	r.procMu.Lock()
	defer r.procMu.Unlock()
	return r.stopping
}

// sleep waits for d or until stop is called.
func (r *reader) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.quit:
		return false
	}
}
