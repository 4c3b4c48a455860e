package serial

import (
	"fmt"
	"strings"
)

// StopBits selects the number of stop bits sent after each character.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsTwo:
		return "2"
	}
	return fmt.Sprintf("StopBits(%d)", int(s))
}

// Parity selects the parity bit mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "N"
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	}
	return fmt.Sprintf("Parity(%d)", int(p))
}

// ParseParity accepts none/even/odd and their one-letter forms, case-insensitive.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "n":
		return ParityNone, nil
	case "even", "e":
		return ParityEven, nil
	case "odd", "o":
		return ParityOdd, nil
	}
	return ParityNone, fmt.Errorf("%w: parity %q", ErrInvalidOption, s)
}

// FlowControl selects the flow control scheme applied to the line.
type FlowControl int

const (
	// FlowControlHardware uses RTS/CTS.
	FlowControlHardware FlowControl = iota
	// FlowControlSoftware uses XON/XOFF.
	FlowControlSoftware
	// FlowControlNone disables both.
	FlowControlNone
)

func (f FlowControl) String() string {
	switch f {
	case FlowControlHardware:
		return "hardware"
	case FlowControlSoftware:
		return "software"
	case FlowControlNone:
		return "none"
	}
	return fmt.Sprintf("FlowControl(%d)", int(f))
}

// ParseFlowControl accepts hardware/software/none (also rtscts/xonxoff).
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardware", "rtscts":
		return FlowControlHardware, nil
	case "software", "xonxoff":
		return FlowControlSoftware, nil
	case "none", "":
		return FlowControlNone, nil
	}
	return FlowControlNone, fmt.Errorf("%w: flow control %q", ErrInvalidOption, s)
}

// Options holds the line settings applied when a device is opened.
// It is a plain value; changing it after Open has no effect on the device.
type Options struct {
	// Exclusive requests exclusive access to the tty (TIOCEXCL).
	Exclusive   bool
	BaudRate    uint32
	CharSize    uint8 // data bits, 5..8
	StopBits    StopBits
	Parity      Parity
	FlowControl FlowControl
	// CRTSCTS forces RTS/CTS handshaking regardless of FlowControl.
	CRTSCTS bool
}

// DefaultOptions returns 9600 baud, 8 data bits, two stop bits, no parity
// and hardware flow control.
func DefaultOptions() Options {
	return Options{
		BaudRate:    9600,
		CharSize:    8,
		StopBits:    StopBitsTwo,
		Parity:      ParityNone,
		FlowControl: FlowControlHardware,
	}
}

// Validate checks the ranges of every field. Whether the baud rate is
// supported by the platform is only known when the options are applied.
func (o Options) Validate() error {
	if o.BaudRate == 0 {
		return fmt.Errorf("%w: baud rate must be positive", ErrInvalidOption)
	}
	if o.CharSize < 5 || o.CharSize > 8 {
		return fmt.Errorf("%w: character size %d (must be 5..8)", ErrInvalidOption, o.CharSize)
	}
	switch o.StopBits {
	case StopBitsOne, StopBitsTwo:
	default:
		return fmt.Errorf("%w: stop bits %v", ErrInvalidOption, o.StopBits)
	}
	switch o.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("%w: parity %v", ErrInvalidOption, o.Parity)
	}
	switch o.FlowControl {
	case FlowControlHardware, FlowControlSoftware, FlowControlNone:
	default:
		return fmt.Errorf("%w: flow control %v", ErrInvalidOption, o.FlowControl)
	}
	return nil
}

// String renders the options in the usual "9600 8N1" notation.
func (o Options) String() string {
	return fmt.Sprintf("%d %d%s%s", o.BaudRate, o.CharSize, o.Parity, o.StopBits)
}
