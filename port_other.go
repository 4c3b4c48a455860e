//go:build !linux

package serial

import "runtime"

type port struct{}

func openPort(path string, _ Options) (*port, error) {
	return nil, &OpenError{Path: path, Op: runtime.GOOS, Err: ErrUnsupportedPlatform}
}

func (*port) Read([]byte) (int, error)  { return 0, ErrClosed }
func (*port) Write([]byte) (int, error) { return 0, ErrClosed }
func (*port) Cancel() error             { return nil }
func (*port) Close() error              { return nil }
