package multiserial

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tealvm/teal/internal/chipset"
	"github.com/tealvm/teal/internal/devices/pci"
	"github.com/tealvm/teal/internal/devices/serial"
	"github.com/tealvm/teal/internal/hv"
)

const (
	// VendorIDOxford / DeviceIDOxpcie identify the emulated card family.
	VendorIDOxford uint16 = 0x1415
	DeviceIDOxpcie uint16 = 0xc158

	revision byte = 1

	// PortCount is the fixed number of UART ports behind the function.
	PortCount = 2

	// WindowSize is the size of the card's sole memory BAR.
	WindowSize = 16384

	// Port i's 8-byte register block lives at portBaseOffset + portStride*i
	// inside the window. Drivers depend on this exact layout.
	portBaseOffset = 0x1000
	portStride     = 0x200

	// DefaultProgIF is the default class programming-interface byte.
	DefaultProgIF byte = 0x02
)

// Card is a PCI function exposing PortCount independent UARTs through one
// shared MMIO window and one interrupt pin. The per-port interrupt outputs
// are combined as a wired-OR onto the pin.
type Card struct {
	fn     *pci.Function
	handle *pci.DeviceHandle

	window  *chipset.Window
	barBase uint64

	ports  [PortCount]*serial.Serial16550
	names  [PortCount]string
	levels [PortCount]uint32
	inputs []chipset.LineInterrupt

	progIF byte

	// portCount is the number of ports fully realized and mapped. The
	// teardown path unwinds exactly this many ports, so it must only be
	// incremented once a port's realize, wiring, and mapping all succeeded.
	portCount int

	realized bool
}

// NewCard constructs an unrealized card. The UART children exist from this
// point but have no character backends bound.
func NewCard() *Card {
	c := &Card{
		fn:     pci.NewFunction(VendorIDOxford, DeviceIDOxpcie, revision, pci.ClassCommunicationSerial),
		progIF: DefaultProgIF,
	}
	for i := range c.ports {
		c.ports[i] = serial.NewSerial16550()
	}
	return c
}

// SetBackend binds a character backend to port i. Must be called before
// Realize; a port with no backend fails to realize.
func (c *Card) SetBackend(i int, out io.Writer, in io.Reader) error {
	if i < 0 || i >= PortCount {
		return fmt.Errorf("multiserial: port %d out of range", i)
	}
	if c.realized {
		return fmt.Errorf("multiserial: cannot rebind backend while realized")
	}
	c.ports[i].SetBackend(out, in)
	return nil
}

// SetProgIF overrides the class programming-interface byte written at
// realize time.
func (c *Card) SetProgIF(value byte) {
	c.progIF = value
}

// ConnectIRQPin wires the function's combined interrupt pin output.
func (c *Card) ConnectIRQPin(line chipset.LineInterrupt) {
	c.fn.ConnectIRQPin(line)
}

// Attach registers the card with a host bridge at the given location. Call
// before Realize so the window can be registered as BAR 0.
func (c *Card) Attach(host *pci.HostBridge, bus, dev, fn uint8) error {
	if c.handle != nil {
		return fmt.Errorf("multiserial: already attached")
	}
	handle, err := host.RegisterEndpoint(bus, dev, fn, c)
	if err != nil {
		return fmt.Errorf("multiserial: register endpoint: %w", err)
	}
	c.handle = handle
	return nil
}

// ConfigSpace implements pci.Endpoint.
func (c *Card) ConfigSpace() pci.ConfigSpace { return c.fn }

// OnBARReprogram implements pci.Endpoint.
func (c *Card) OnBARReprogram(index int, value uint32) error {
	if index == 0 {
		c.barBase = uint64(value &^ 0xf)
	}
	return nil
}

// Realize implements hv.Device. On any port failure the full teardown path
// runs before the error is returned; no partial state survives.
func (c *Card) Realize() error {
	if c.realized {
		return fmt.Errorf("multiserial: already realized")
	}

	c.fn.SetProgIF(c.progIF)
	c.fn.SetInterruptPin(pci.InterruptPinINTA)

	if c.window == nil {
		window, err := chipset.NewWindow(WindowSize)
		if err != nil {
			return fmt.Errorf("multiserial: %w", err)
		}
		c.window = window
		if c.handle != nil {
			base, err := c.handle.AllocateMemoryBAR(0, WindowSize, 0)
			if err != nil {
				c.window = nil
				return fmt.Errorf("multiserial: register BAR 0: %w", err)
			}
			c.barBase = base
		}
	}

	// All recorded levels must be zero before any port can raise its line.
	for i := range c.levels {
		c.levels[i] = 0
	}
	c.inputs = make([]chipset.LineInterrupt, PortCount)
	for i := range c.inputs {
		n := i
		c.inputs[i] = chipset.LineInterruptFromFunc(func(level bool) {
			c.muxInput(n, level)
		})
	}

	for i := 0; i < PortCount; i++ {
		port := c.ports[i]
		if err := port.Realize(); err != nil {
			c.Unrealize()
			return fmt.Errorf("multiserial: realize port %d: %w", i, err)
		}
		port.SetIRQLine(c.inputs[i])
		c.names[i] = fmt.Sprintf("uart #%d", i+1)
		offset := uint64(portBaseOffset + portStride*i)
		if err := c.window.AddSubregion(c.names[i], offset, serial.RegisterBlockSize, port); err != nil {
			port.Unrealize()
			c.names[i] = ""
			c.Unrealize()
			return fmt.Errorf("multiserial: map port %d: %w", i, err)
		}
		slog.Debug("multiserial: mapped port", "name", c.names[i], "offset", offset)
		c.portCount++
	}

	c.realized = true
	return nil
}

// Unrealize implements hv.Device. It unwinds exactly the ports that were
// realized and mapped, then releases all multiplexer input lines regardless
// of how many ports succeeded. Safe to invoke from the mid-realize failure
// path.
func (c *Card) Unrealize() {
	for i := 0; i < c.portCount; i++ {
		c.ports[i].Unrealize()
		if err := c.window.DelSubregion(c.names[i]); err != nil {
			// Count and mappings out of sync is an invariant violation.
			panic(fmt.Sprintf("multiserial: unmap port %d: %v", i, err))
		}
		c.names[i] = ""
	}
	c.portCount = 0
	c.inputs = nil
	c.realized = false
}

func (c *Card) muxInput(n int, level bool) {
	if level {
		c.levels[n] = 1
	} else {
		c.levels[n] = 0
	}
	pending := false
	for _, l := range c.levels {
		if l != 0 {
			pending = true
		}
	}
	c.fn.SetIRQ(pending)
}

// Realized reports whether the card is currently realized.
func (c *Card) Realized() bool { return c.realized }

// Ports returns the number of realized ports.
func (c *Card) Ports() int { return c.portCount }

// Port returns the UART child at index i.
func (c *Card) Port(i int) *serial.Serial16550 { return c.ports[i] }

// PortName returns the display label of port i ("" while unrealized).
func (c *Card) PortName(i int) string { return c.names[i] }

// IRQLevel reports the combined interrupt pin level.
func (c *Card) IRQLevel() bool { return c.fn.IRQLevel() }

// Window returns the card's MMIO window.
func (c *Card) Window() *chipset.Window { return c.window }

// MMIORegion returns the window's position in the host address space, valid
// once a BAR has been programmed.
func (c *Card) MMIORegion() hv.MMIORegion {
	return hv.MMIORegion{Address: c.barBase, Size: WindowSize}
}

// ReadMMIO serves a read at an absolute address inside the programmed BAR.
func (c *Card) ReadMMIO(addr uint64, data []byte) error {
	if !c.MMIORegion().Contains(addr, len(data)) {
		return fmt.Errorf("multiserial: read outside BAR at %#x", addr)
	}
	return c.window.Read(addr-c.barBase, data)
}

// WriteMMIO serves a write at an absolute address inside the programmed BAR.
func (c *Card) WriteMMIO(addr uint64, data []byte) error {
	if !c.MMIORegion().Contains(addr, len(data)) {
		return fmt.Errorf("multiserial: write outside BAR at %#x", addr)
	}
	return c.window.Write(addr-c.barBase, data)
}

var (
	_ hv.Device    = (*Card)(nil)
	_ pci.Endpoint = (*Card)(nil)
)
