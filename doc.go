// Package serial relays bytes between a serial device and a single-threaded
// host runtime without ever blocking the host on device I/O.
//
// A Channel keeps one read outstanding on the device from its own goroutine.
// Every completed read is copied into a bounded lock-free Relay and announced
// to the host once, by invoking the host's DataAvailable callback under the
// Interpreter lock. The host then drains the relay at its own pace with Next.
// When the host falls behind, bytes are dropped and counted; ErrorsSinceLast
// reports how many were lost since the previous query.
//
// Features:
//   - Raw termios configuration on Linux (baud, data bits, stop bits, parity,
//     flow control, exclusive access)
//   - Killable reads: poll(2) on the device plus a self-pipe
//   - Allocation-free single-producer/single-consumer relay
//   - Transient read errors retried with exponential backoff; hangups stop
//     the loop and fire the DoneAction callback
//   - PTY-based tests
//
// Opening a device on anything but Linux returns ErrUnsupportedPlatform;
// Attach works everywhere with a caller-supplied Device.
//
// Example usage:
//
//	interp := serial.NewInterpreter()
//	interp.Define(serial.DataAvailable, func(ch *serial.Channel) error {
//	    for b, ok := ch.Next(); ok; b, ok = ch.Next() {
//	        fmt.Printf("%02x ", b)
//	    }
//	    return nil
//	})
//
//	opts := serial.DefaultOptions()
//	opts.BaudRate = 115200
//	opts.StopBits = serial.StopBitsOne
//	ch, err := serial.Open("/dev/ttyUSB0", opts, interp)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer interp.Run(func() { ch.Close() })
//
//	interp.Run(func() {
//	    ch.Put('A')
//	})
package serial
