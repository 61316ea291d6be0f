package serialmux

import "io"

// SerialPorter is the minimal interface needed for a serial port, so the mux
// can run against test doubles and recorded captures.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
