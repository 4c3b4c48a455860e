package serial

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Device is the byte transport a Channel drives.
//
// Read blocks until at least one byte, an error, or Cancel. After Cancel,
// pending and future Reads return ErrCancelled. Write is blocking. Close
// releases the underlying resource; it may be called after Cancel while a
// Read is still returning.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Cancel() error
	Close() error
}

// Channel is one open serial device together with its read loop and the
// relay holding received bytes for the host.
//
// The read loop runs on its own goroutine. Next, Put, ErrorsSinceLast,
// Close and Release are host operations: they are meant to be called from
// host code, which runs under the Interpreter lock.
type Channel struct {
	name string
	opts Options
	dev  Device
	log  *zap.Logger

	relay  *Relay
	reader *reader
	bridge *bridge
	stats  counters

	// mu excludes a concurrent Put from Close.
	mu        sync.RWMutex
	closed    atomic.Bool
	released  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Stats are cumulative counters for a channel.
type Stats struct {
	BytesReceived uint64
	BytesSent     uint64
	Overflowed    uint64
	ReadErrors    uint64
	Notifications uint64
}

type counters struct {
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	readErrors    atomic.Uint64
	notifications atomic.Uint64
}

// Open opens the serial device at path, applies opts and starts reading.
// Received bytes are announced to interp through the DataAvailable
// callback.
func Open(path string, opts Options, interp *Interpreter, settings ...Setting) (*Channel, error) {
	if interp == nil {
		return nil, &OpenError{Path: path, Op: "open", Err: ErrNoInterpreter}
	}
	if err := opts.Validate(); err != nil {
		return nil, &OpenError{Path: path, Op: "validate", Err: err}
	}
	p, err := openPort(path, opts)
	if err != nil {
		return nil, err
	}
	return attach(path, p, opts, interp, settings), nil
}

// Attach builds a channel over an already opened device and starts reading.
// opts are recorded for reference; applying them is the device's business.
func Attach(name string, dev Device, opts Options, interp *Interpreter, settings ...Setting) (*Channel, error) {
	if interp == nil {
		return nil, ErrNoInterpreter
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidOption)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return attach(name, dev, opts, interp, settings), nil
}

func attach(name string, dev Device, opts Options, interp *Interpreter, settings []Setting) *Channel {
	cfg := buildConfig(settings)
	cfg.Logger = cfg.Logger.With(zap.String("device", name))

	c := &Channel{
		name:  name,
		opts:  opts,
		dev:   dev,
		log:   cfg.Logger,
		relay: NewRelay(cfg.RelayCapacity),
	}
	c.bridge = &bridge{interp: interp, ch: c}
	c.reader = newReader(dev, c.relay, c.bridge, &c.stats, cfg)
	c.reader.start()
	c.log.Debug("channel open", zap.Stringer("options", opts))
	return c
}

// Name returns the device path or the name given to Attach.
func (c *Channel) Name() string { return c.name }

// Options returns the line settings the channel was opened with.
func (c *Channel) Options() Options { return c.opts }

// Next pops the oldest received byte. ok is false when nothing is buffered.
func (c *Channel) Next() (b byte, ok bool) {
	return c.relay.Pop()
}

// Buffered returns the number of received bytes waiting in the relay.
func (c *Channel) Buffered() int {
	return c.relay.Len()
}

// Put writes one byte, blocking until the device accepts it. It reports
// whether exactly one byte was written.
func (c *Channel) Put(b byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return false
	}
	n, err := c.dev.Write([]byte{b})
	if err != nil {
		c.log.Debug("write failed", zap.Error(err))
	}
	if n > 0 {
		c.stats.bytesSent.Add(uint64(n))
	}
	return err == nil && n == 1
}

// ErrorsSinceLast returns the number of received bytes dropped because the
// relay was full since the previous call.
func (c *Channel) ErrorsSinceLast() uint32 {
	return c.relay.OverflowSinceLast()
}

// Close stops the read loop and releases the device. Calling it again is a
// no-op returning nil. Once Close returns no further bytes are buffered and
// no further callbacks are invoked for this channel.
func (c *Channel) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		defer c.mu.Unlock()

		c.closed.Store(true)
		c.reader.stop()
		c.closeErr = c.dev.Close()
		if c.closeErr != nil {
			c.log.Warn("close failed", zap.Error(c.closeErr))
			return
		}
		c.log.Debug("channel closed")
	})
	if !first {
		return nil
	}
	return c.closeErr
}

// Release closes the channel and detaches it from the host: the handle is
// orphaned and any notification still in flight becomes a no-op.
func (c *Channel) Release() error {
	c.released.Store(true)
	return c.Close()
}

// Done is closed when the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.reader.done
}

// State returns the read loop state.
func (c *Channel) State() ReaderState {
	return c.reader.State()
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		BytesReceived: c.stats.bytesReceived.Load(),
		BytesSent:     c.stats.bytesSent.Load(),
		Overflowed:    c.relay.Overflowed(),
		ReadErrors:    c.stats.readErrors.Load(),
		Notifications: c.stats.notifications.Load(),
	}
}
