package serial

import "fmt"

// State is the opaque persisted record for one UART. It captures the full
// register file and the derived transmit state; the character backend and
// interrupt wiring are reconstructed by the owner, not persisted.
type State struct {
	DLL        byte
	DLM        byte
	IER        byte
	FCR        byte
	LCR        byte
	MCR        byte
	LSR        byte
	MSRStatus  byte
	MSRDelta   byte
	SCR        byte
	RBR        byte
	PendingIIR byte
	SkipLF     bool
}

// CaptureState returns the UART's persisted record.
func (s *Serial16550) CaptureState() State {
	return State{
		DLL:        s.dll,
		DLM:        s.dlm,
		IER:        s.ier,
		FCR:        s.fcr,
		LCR:        s.lcr,
		MCR:        s.mcr,
		LSR:        s.lsr,
		MSRStatus:  s.msrStatus,
		MSRDelta:   s.msrDelta,
		SCR:        s.scr,
		RBR:        s.rbr,
		PendingIIR: s.pendingIIR,
		SkipLF:     s.skipLF,
	}
}

// RestoreState applies a persisted record and re-drives the interrupt
// output from the restored registers.
func (s *Serial16550) RestoreState(state State) error {
	if !s.realized {
		return fmt.Errorf("serial: restore into unrealized device")
	}
	s.dll = state.DLL
	s.dlm = state.DLM
	s.ier = state.IER
	s.fcr = state.FCR
	s.lcr = state.LCR
	s.mcr = state.MCR
	s.lsr = state.LSR
	s.msrStatus = state.MSRStatus
	s.msrDelta = state.MSRDelta
	s.scr = state.SCR
	s.rbr = state.RBR
	s.pendingIIR = state.PendingIIR
	s.skipLF = state.SkipLF
	s.irqLine.SetLevel(s.pendingIIR != 0x01)
	return nil
}
