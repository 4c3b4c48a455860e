//go:build linux

package serial

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// port is a Linux tty configured for raw, unbuffered operation. Reads wait
// in poll(2) on the device and a self-pipe so that Cancel can wake them.
type port struct {
	path  string
	fd    int
	pipeR int // self-pipe read fd
	pipeW int // self-pipe write fd

	// mu is held shared by Read and Write, exclusively by Close.
	mu         sync.RWMutex
	cancelled  atomic.Bool
	closed     bool
	cancelOnce sync.Once
}

var baudRates = map[uint32]uint32{
	50:     unix.B50,
	75:     unix.B75,
	110:    unix.B110,
	134:    unix.B134,
	150:    unix.B150,
	200:    unix.B200,
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	1800:   unix.B1800,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

var charSizes = map[uint8]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// openPort opens path and applies opts. On any failure the descriptor is
// released and an *OpenError naming the failed step is returned.
func openPort(path string, opts Options) (*port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &OpenError{Path: path, Op: "open", Err: err}
	}
	fail := func(op string, err error) (*port, error) {
		unix.Close(fd)
		return nil, &OpenError{Path: path, Op: op, Err: err}
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fail("get termios", err)
	}

	termiosSetRaw(termios)
	if err := termiosSetBaudRate(termios, opts.BaudRate); err != nil {
		return fail("baud rate", err)
	}
	if err := termiosSetCharSize(termios, opts.CharSize); err != nil {
		return fail("character size", err)
	}
	if err := termiosSetStopBits(termios, opts.StopBits); err != nil {
		return fail("stop bits", err)
	}
	if err := termiosSetParity(termios, opts.Parity); err != nil {
		return fail("parity", err)
	}
	if err := termiosSetFlowControl(termios, opts.FlowControl, opts.CRTSCTS); err != nil {
		return fail("flow control", err)
	}

	// VMIN=1, VTIME=0: a read returns as soon as one byte is there.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fail("set termios", err)
	}
	if opts.Exclusive {
		if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
			return fail("exclusive", err)
		}
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fail("flush", err)
	}

	// Back to blocking mode now that the line is configured; reads only
	// happen after poll reports the device readable.
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail("set blocking", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC); err != nil {
		return fail("pipe", err)
	}

	return &port{
		path:  path,
		fd:    fd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// Read waits for the device to become readable and reads what is there.
func (p *port) Read(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for {
		if p.closed {
			return 0, ErrClosed
		}
		if p.cancelled.Load() {
			return 0, ErrCancelled
		}

		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return 0, ErrCancelled
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return 0, fmt.Errorf("%w: invalid descriptor", ErrDeviceGone)
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := unix.Read(p.fd, b)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err != nil:
			return 0, classifyErrno(err)
		case n == 0:
			return 0, fmt.Errorf("%w: hangup", ErrDeviceGone)
		}
		return n, nil
	}
}

// Write writes b on the caller's goroutine.
func (p *port) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return max(n, 0), classifyErrno(err)
		}
		return n, nil
	}
}

// Cancel wakes a pending Read. Every later Read returns ErrCancelled.
func (p *port) Cancel() error {
	var err error
	p.cancelOnce.Do(func() {
		p.cancelled.Store(true)
		_, err = unix.Write(p.pipeW, []byte{1})
	})
	return err
}

// Close cancels any pending Read, waits for it to return and releases the
// descriptors. Safe to call multiple times.
func (p *port) Close() error {
	cancelErr := p.Cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return multierr.Combine(
		cancelErr,
		unix.Close(p.fd),
		unix.Close(p.pipeR),
		unix.Close(p.pipeW),
	)
}

// classifyErrno marks the errors a tty returns once its device is gone.
func classifyErrno(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EIO, unix.ENXIO, unix.ENODEV, unix.EBADF:
			return fmt.Errorf("%w: %w", ErrDeviceGone, err)
		}
	}
	return err
}

func termiosSetRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag |= unix.CREAD | unix.CLOCAL
}

func termiosSetBaudRate(t *unix.Termios, rate uint32) error {
	b, ok := baudRates[rate]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, rate)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= b
	t.Ispeed = b
	t.Ospeed = b
	return nil
}

func termiosSetCharSize(t *unix.Termios, size uint8) error {
	s, ok := charSizes[size]
	if !ok {
		return fmt.Errorf("%w: character size %d", ErrInvalidOption, size)
	}
	t.Cflag &^= unix.CSIZE
	t.Cflag |= s
	return nil
}

func termiosSetStopBits(t *unix.Termios, stopBits StopBits) error {
	switch stopBits {
	case StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case StopBitsTwo:
		t.Cflag |= unix.CSTOPB
	default:
		return fmt.Errorf("%w: stop bits %v", ErrInvalidOption, stopBits)
	}
	return nil
}

func termiosSetParity(t *unix.Termios, parity Parity) error {
	switch parity {
	case ParityNone:
		t.Cflag &^= unix.PARENB | unix.PARODD
		t.Iflag &^= unix.INPCK
	case ParityEven:
		t.Cflag |= unix.PARENB
		t.Cflag &^= unix.PARODD
		t.Iflag |= unix.INPCK
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	default:
		return fmt.Errorf("%w: parity %v", ErrInvalidOption, parity)
	}
	return nil
}

func termiosSetFlowControl(t *unix.Termios, fc FlowControl, crtscts bool) error {
	t.Cflag &^= unix.CRTSCTS
	t.Iflag &^= unix.IXON | unix.IXOFF
	switch fc {
	case FlowControlHardware:
		t.Cflag |= unix.CRTSCTS
	case FlowControlSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	case FlowControlNone:
	default:
		return fmt.Errorf("%w: flow control %v", ErrInvalidOption, fc)
	}
	if crtscts {
		t.Cflag |= unix.CRTSCTS
	}
	return nil
}
