package serial

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

// testIRQLine captures interrupt line state changes
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) getLevel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func newRealized(t *testing.T, out *bytes.Buffer, in *strings.Reader) (*Serial16550, *testIRQLine) {
	t.Helper()
	s := NewSerial16550()
	if in != nil {
		s.SetBackend(out, in)
	} else {
		s.SetBackend(out, nil)
	}
	if err := s.Realize(); err != nil {
		t.Fatalf("realize: %v", err)
	}
	irq := &testIRQLine{}
	s.SetIRQLine(irq)
	return s, irq
}

func writeReg(t *testing.T, s *Serial16550, reg uint64, value byte) {
	t.Helper()
	if err := s.WriteRegion(reg, []byte{value}); err != nil {
		t.Fatalf("write reg %d: %v", reg, err)
	}
}

func readReg(t *testing.T, s *Serial16550, reg uint64) byte {
	t.Helper()
	var buf [1]byte
	if err := s.ReadRegion(reg, buf[:]); err != nil {
		t.Fatalf("read reg %d: %v", reg, err)
	}
	return buf[0]
}

func TestRealizeRequiresBackend(t *testing.T) {
	s := NewSerial16550()
	if err := s.Realize(); err == nil {
		t.Fatal("expected realize to fail without a backend")
	}
	s.SetBackend(&bytes.Buffer{}, nil)
	if err := s.Realize(); err != nil {
		t.Fatalf("realize with backend: %v", err)
	}
	if err := s.Realize(); err == nil {
		t.Fatal("expected double realize to fail")
	}
}

func TestTransmitReachesBackend(t *testing.T) {
	out := &bytes.Buffer{}
	s, _ := newRealized(t, out, nil)

	for _, b := range []byte("hi") {
		writeReg(t, s, 0, b)
	}
	if got := out.String(); got != "hi" {
		t.Fatalf("backend got %q, want %q", got, "hi")
	}
	if lsr := readReg(t, s, 5); lsr&serialLSRTHRE == 0 || lsr&serialLSRTEMT == 0 {
		t.Fatalf("LSR %#x should report transmitter empty", lsr)
	}
}

func TestTransmitNewlineHandling(t *testing.T) {
	out := &bytes.Buffer{}
	s, _ := newRealized(t, out, nil)

	for _, b := range []byte("a\r\nb") {
		writeReg(t, s, 0, b)
	}
	if got := out.String(); got != "a\nb" {
		t.Fatalf("backend got %q, want %q", got, "a\nb")
	}
}

func TestLoopback(t *testing.T) {
	out := &bytes.Buffer{}
	s, _ := newRealized(t, out, nil)

	writeReg(t, s, 4, serialMCRLoop)
	writeReg(t, s, 0, 'Z')
	if out.Len() != 0 {
		t.Fatalf("loopback byte leaked to backend: %q", out.String())
	}
	if lsr := readReg(t, s, 5); lsr&serialLSRDataReady == 0 {
		t.Fatalf("LSR %#x should report data ready", lsr)
	}
	if got := readReg(t, s, 0); got != 'Z' {
		t.Fatalf("RBR = %#x, want 'Z'", got)
	}
	if lsr := readReg(t, s, 5); lsr&serialLSRDataReady != 0 {
		t.Fatalf("LSR %#x should be drained after RBR read", lsr)
	}
}

func TestReceiveInterrupt(t *testing.T) {
	s, irq := newRealized(t, &bytes.Buffer{}, nil)

	writeReg(t, s, 1, 0x01) // enable RX data interrupt
	if irq.getLevel() {
		t.Fatal("line high with no data")
	}
	s.FeedInput('x')
	if !irq.getLevel() {
		t.Fatal("line should be high after receive")
	}
	if iir := readReg(t, s, 2); iir != 0x04 {
		t.Fatalf("IIR = %#x, want 0x04", iir)
	}
	if got := readReg(t, s, 0); got != 'x' {
		t.Fatalf("RBR = %#x, want 'x'", got)
	}
	if irq.getLevel() {
		t.Fatal("line should drop after RBR read")
	}
}

func TestOverrunFlag(t *testing.T) {
	s, _ := newRealized(t, &bytes.Buffer{}, nil)

	s.FeedInput('a')
	s.FeedInput('b')
	if lsr := readReg(t, s, 5); lsr&serialLSROverrun == 0 {
		t.Fatalf("LSR %#x should report overrun", lsr)
	}
	// Overrun is cleared by the LSR read.
	if lsr := readReg(t, s, 5); lsr&serialLSROverrun != 0 {
		t.Fatalf("LSR %#x should have cleared overrun", lsr)
	}
	if got := readReg(t, s, 0); got != 'a' {
		t.Fatalf("RBR = %#x, want first byte 'a'", got)
	}
}

func TestDivisorLatch(t *testing.T) {
	s, _ := newRealized(t, &bytes.Buffer{}, nil)

	writeReg(t, s, 3, serialLCRDLAB)
	writeReg(t, s, 0, 0x0c)
	writeReg(t, s, 1, 0x00)
	if got := readReg(t, s, 0); got != 0x0c {
		t.Fatalf("DLL = %#x, want 0x0c", got)
	}
	writeReg(t, s, 3, 0x03)
	if got := readReg(t, s, 3); got != 0x03 {
		t.Fatalf("LCR = %#x, want 0x03", got)
	}
}

func TestScratchRegister(t *testing.T) {
	s, _ := newRealized(t, &bytes.Buffer{}, nil)
	writeReg(t, s, 7, 0x5a)
	if got := readReg(t, s, 7); got != 0x5a {
		t.Fatalf("SCR = %#x, want 0x5a", got)
	}
}

func TestPollInput(t *testing.T) {
	in := strings.NewReader("q")
	s, _ := newRealized(t, &bytes.Buffer{}, in)

	if !s.PollInput() {
		t.Fatal("expected a byte from the reader")
	}
	if got := readReg(t, s, 0); got != 'q' {
		t.Fatalf("RBR = %#x, want 'q'", got)
	}
	if s.PollInput() {
		t.Fatal("reader is drained, poll should report false")
	}
}

func TestUnrealizeLowersLine(t *testing.T) {
	s, irq := newRealized(t, &bytes.Buffer{}, nil)

	writeReg(t, s, 1, 0x02) // THRE interrupt, asserted immediately
	if !irq.getLevel() {
		t.Fatal("line should be high")
	}
	s.Unrealize()
	if irq.getLevel() {
		t.Fatal("line should be lowered by unrealize")
	}
	if s.Realized() {
		t.Fatal("device still reports realized")
	}
}

func TestStateRoundTrip(t *testing.T) {
	s, _ := newRealized(t, &bytes.Buffer{}, nil)

	writeReg(t, s, 3, serialLCRDLAB)
	writeReg(t, s, 0, 0x0c)
	writeReg(t, s, 3, 0x03)
	writeReg(t, s, 7, 0x42)
	writeReg(t, s, 4, serialMCRLoop)
	writeReg(t, s, 0, 'R')
	writeReg(t, s, 1, 0x01)

	state := s.CaptureState()

	fresh, irq := newRealized(t, &bytes.Buffer{}, nil)
	if err := fresh.RestoreState(state); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := fresh.CaptureState(); got != state {
		t.Fatalf("state mismatch after restore:\n got %+v\nwant %+v", got, state)
	}
	if !irq.getLevel() {
		t.Fatal("restore should re-drive the pending interrupt")
	}
	if got := readReg(t, fresh, 0); got != 'R' {
		t.Fatalf("RBR = %#x after restore, want 'R'", got)
	}
}

func TestRestoreIntoUnrealized(t *testing.T) {
	s := NewSerial16550()
	if err := s.RestoreState(State{}); err == nil {
		t.Fatal("expected restore into unrealized device to fail")
	}
}
