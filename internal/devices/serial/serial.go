package serial

import (
	"fmt"
	"io"

	"github.com/tealvm/teal/internal/chipset"
	"github.com/tealvm/teal/internal/hv"
)

const (
	// RegisterBlockSize is the size of the 16550 register file in bytes.
	RegisterBlockSize = 8

	serialLCRDLAB = 1 << 7
	serialMCRLoop = 1 << 4

	serialLSRDataReady = 1 << 0
	serialLSROverrun   = 1 << 1
	serialLSRTHRE      = 1 << 5
	serialLSRTEMT      = 1 << 6

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7
)

// Serial16550 is a single 16550-compatible UART with an 8-byte register
// file, a character backend and one level-triggered interrupt output. It is
// designed to be mapped into a shared MMIO window by an owning device.
type Serial16550 struct {
	irqLine chipset.LineInterrupt
	out     io.Writer
	in      io.Reader

	realized bool

	dll       byte
	dlm       byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte
	rbr       byte

	pendingIIR byte
	skipLF     bool
}

// NewSerial16550 creates an unrealized UART. The character backend is bound
// later via SetBackend; Realize fails while no backend is bound.
func NewSerial16550() *Serial16550 {
	return &Serial16550{
		irqLine:    chipset.LineInterruptDetached(),
		lsr:        serialLSRTHRE | serialLSRTEMT,
		pendingIIR: 0x01,
	}
}

// SetBackend binds the character backend. Either side may be nil, but
// Realize requires at least one to be set.
func (s *Serial16550) SetBackend(out io.Writer, in io.Reader) {
	s.out = out
	s.in = in
}

// SetIRQLine configures the LineInterrupt used for IRQ delivery.
func (s *Serial16550) SetIRQLine(line chipset.LineInterrupt) {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	s.irqLine = line
}

// Realize implements hv.Device. It fails when no character backend has been
// bound, matching the external transport-endpoint misconfiguration case.
func (s *Serial16550) Realize() error {
	if s.realized {
		return fmt.Errorf("serial: already realized")
	}
	if s.out == nil && s.in == nil {
		return fmt.Errorf("serial: no character backend configured")
	}
	s.reset()
	s.updateModemStatus()
	s.realized = true
	return nil
}

// Unrealize implements hv.Device. The interrupt output is lowered and
// detached so a stale level cannot survive teardown.
func (s *Serial16550) Unrealize() {
	if !s.realized {
		return
	}
	s.irqLine.SetLevel(false)
	s.irqLine = chipset.LineInterruptDetached()
	s.realized = false
}

// Realized reports whether the UART is currently realized.
func (s *Serial16550) Realized() bool { return s.realized }

func (s *Serial16550) reset() {
	s.dll = 0
	s.dlm = 0
	s.ier = 0
	s.fcr = 0
	s.lcr = 0
	s.mcr = 0
	s.lsr = serialLSRTHRE | serialLSRTEMT
	s.msrStatus = 0
	s.msrDelta = 0
	s.scr = 0
	s.rbr = 0
	s.pendingIIR = 0x01
	s.skipLF = false
}

// ReadRegion implements chipset.RegionHandler.
func (s *Serial16550) ReadRegion(offset uint64, data []byte) error {
	for i := range data {
		reg := offset + uint64(i)
		if reg >= RegisterBlockSize {
			data[i] = 0
			continue
		}
		data[i] = s.readRegister(uint16(reg))
	}
	return nil
}

// WriteRegion implements chipset.RegionHandler.
func (s *Serial16550) WriteRegion(offset uint64, data []byte) error {
	for i, value := range data {
		reg := offset + uint64(i)
		if reg >= RegisterBlockSize {
			continue
		}
		s.writeRegister(uint16(reg), value)
	}
	return nil
}

// FeedInput delivers a received byte to the UART, as if it arrived from the
// character backend.
func (s *Serial16550) FeedInput(value byte) {
	s.receive(value)
}

// PollInput reads at most one pending byte from the input backend into the
// receive register. It returns true if a byte was consumed.
func (s *Serial16550) PollInput() bool {
	if s.in == nil || s.lsr&serialLSRDataReady != 0 {
		return false
	}
	var buf [1]byte
	n, err := s.in.Read(buf[:])
	if n == 0 || err != nil {
		return false
	}
	s.receive(buf[0])
	return true
}

func (s *Serial16550) writeRegister(offset uint16, value byte) {
	switch offset {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			s.dll = value
		} else {
			s.lsr &^= serialLSRTHRE
			s.transmit(value)
		}
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0F
			s.updateInterrupts()
		}
	case 2:
		s.setFCR(value)
	case 3:
		s.lcr = value
	case 4:
		s.setMCR(value)
	case 5:
		// LSR is read-only
	case 6:
		// MSR is read-only
	case 7:
		s.scr = value
	}
}

func (s *Serial16550) readRegister(offset uint16) byte {
	switch offset {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dll
		}
		value := s.rbr
		s.rbr = 0
		s.lsr &^= serialLSRDataReady
		s.updateInterrupts()
		return value
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return s.pendingIIR
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		value := s.lsr
		s.lsr &^= serialLSROverrun
		return value
	case 6:
		value := s.msrStatus | s.msrDelta
		s.msrDelta = 0
		s.updateInterrupts()
		return value
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *Serial16550) updateInterrupts() {
	interrupt := byte(0x01)

	switch {
	case s.ier&0x04 != 0 && (s.lsr&0x1E) != 0:
		interrupt = 0x06
	case s.ier&0x01 != 0 && s.lsr&serialLSRDataReady != 0:
		interrupt = 0x04
	case s.ier&0x02 != 0 && s.lsr&serialLSRTHRE != 0:
		interrupt = 0x02
	case s.ier&0x08 != 0 && s.msrDelta != 0:
		interrupt = 0x00
	}

	s.pendingIIR = interrupt
	s.irqLine.SetLevel(interrupt != 0x01)
}

func (s *Serial16550) transmit(value byte) {
	if s.mcr&serialMCRLoop != 0 {
		s.receive(value)
	} else if s.out != nil {
		switch value {
		case '\r':
			_, _ = s.out.Write([]byte{'\n'})
			s.skipLF = true
		case '\n':
			if s.skipLF {
				s.skipLF = false
				break
			}
			_, _ = s.out.Write([]byte{'\n'})
		default:
			s.skipLF = false
			_, _ = s.out.Write([]byte{value})
		}
	}
	s.lsr |= serialLSRTHRE | serialLSRTEMT
	s.updateInterrupts()
}

func (s *Serial16550) receive(value byte) {
	if s.lsr&serialLSRDataReady != 0 {
		s.lsr |= serialLSROverrun
	} else {
		s.rbr = value
		s.lsr |= serialLSRDataReady
	}
	s.updateInterrupts()
}

func (s *Serial16550) clearRX() {
	s.rbr = 0
	s.lsr &^= serialLSRDataReady
	s.updateInterrupts()
}

func (s *Serial16550) setFCR(value byte) {
	if value&0x02 != 0 {
		s.clearRX()
	}
	s.fcr = value
}

func (s *Serial16550) setMCR(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1F

	if prev&serialMCRLoop != 0 && s.mcr&serialMCRLoop == 0 {
		s.clearRX()
	}

	s.updateModemStatus()
	s.updateInterrupts()
}

func (s *Serial16550) updateModemStatus() {
	s.msrStatus = msrCTS | msrDSR | msrDCD
	if s.mcr&0x04 != 0 {
		s.msrStatus |= msrRI
	}
}

var (
	_ hv.Device             = (*Serial16550)(nil)
	_ chipset.RegionHandler = (*Serial16550)(nil)
)
