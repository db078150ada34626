// Package serialio implements the loader's Receiver and Transmitter
// capabilities over a real UART using go.bug.st/serial, the transport
// library the teacher pack reaches for whenever it talks to physical
// hardware (seen in the pack's Thermoquad-heliostat and
// seedhammer-seedhammer manifests).
package serialio

import (
	"log/slog"

	"go.bug.st/serial"
)

// Port wraps a serial.Port as the loader's non-blocking byte source.
// RxByte never blocks: it relies on a short read timeout configured
// in Open, returning ok=false when nothing has arrived yet, matching
// the cooperative single-threaded model (§5).
type Port struct {
	port   serial.Port
	logger *slog.Logger
	scratch [1]byte
}

// Open opens portName at baud with 8N1 framing and a short read
// timeout so RxByte can poll without blocking the caller's tick.
func Open(portName string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(5); err != nil {
		p.Close()
		return nil, err
	}
	return &Port{port: p, logger: slog.Default().With("port", portName)}, nil
}

// Close releases the underlying port.
func (p *Port) Close() error { return p.port.Close() }

// RxByte implements loader.Receiver.
func (p *Port) RxByte() (byte, bool) {
	n, err := p.port.Read(p.scratch[:])
	if err != nil {
		p.logger.Warn("serial read error", "err", err)
		return 0, false
	}
	if n == 0 {
		return 0, false
	}
	return p.scratch[0], true
}

// ClearRx implements loader.Receiver by draining whatever is already
// buffered in the driver, bounded so a stuck line can't loop forever.
func (p *Port) ClearRx() {
	var discard [64]byte
	for i := 0; i < 64; i++ {
		n, err := p.port.Read(discard[:])
		if err != nil || n == 0 {
			return
		}
	}
}

// TxAll implements loader.Transmitter.
func (p *Port) TxAll(buf []byte) error {
	_, err := p.port.Write(buf)
	return err
}
