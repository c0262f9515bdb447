package pci

import (
	"fmt"

	"github.com/tealvm/teal/internal/chipset"
)

const (
	regVendorID      = 0x00
	regDeviceID      = 0x02
	regCommand       = 0x04
	regStatus        = 0x06
	regRevision      = 0x08
	regProgIF        = 0x09
	regClass         = 0x0a
	regHeaderType    = 0x0e
	regInterruptLine = 0x3c
	regInterruptPin  = 0x3d

	configSpaceSize = 256
)

// Device class and interrupt pin encodings used by this module.
const (
	ClassCommunicationSerial uint16 = 0x0700

	InterruptPinINTA byte = 0x01
)

// Function models the configuration space and interrupt pin of a single
// type-0 PCI function. BAR decoding and address allocation live in the
// host bridge; the function stores programmed values.
type Function struct {
	config [configSpaceSize]byte

	irqPin   chipset.LineInterrupt
	irqLevel bool
}

// NewFunction builds a function with the given identity. The header type is
// fixed to type 0 and the interrupt pin starts unconnected.
func NewFunction(vendorID, deviceID uint16, revision byte, class uint16) *Function {
	f := &Function{irqPin: chipset.LineInterruptDetached()}
	f.putUint16(regVendorID, vendorID)
	f.putUint16(regDeviceID, deviceID)
	f.config[regRevision] = revision
	f.putUint16(regClass, class)
	f.config[regHeaderType] = 0x00
	return f
}

// SetProgIF writes the class programming-interface byte.
func (f *Function) SetProgIF(value byte) {
	f.config[regProgIF] = value
}

// SetInterruptPin writes the interrupt pin register (1 = INTA).
func (f *Function) SetInterruptPin(pin byte) {
	f.config[regInterruptPin] = pin
}

// ConnectIRQPin wires the function's interrupt pin output.
func (f *Function) ConnectIRQPin(line chipset.LineInterrupt) {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	f.irqPin = line
	f.irqPin.SetLevel(f.irqLevel)
}

// SetIRQ drives the function's interrupt pin level.
func (f *Function) SetIRQ(level bool) {
	if f.irqLevel == level {
		return
	}
	f.irqLevel = level
	f.irqPin.SetLevel(level)
}

// IRQLevel reports the current interrupt pin level.
func (f *Function) IRQLevel() bool { return f.irqLevel }

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("pci function: unsupported config read size %d", size)
	}
	if int(offset)+int(size) > configSpaceSize {
		return 0, fmt.Errorf("pci function: config read at %#x out of range", offset)
	}
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(f.config[offset+uint16(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace. Identity and status fields are
// read-only; the command register, interrupt line, and BAR registers accept
// writes.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci function: unsupported config write size %d", size)
	}
	if int(offset)+int(size) > configSpaceSize {
		return fmt.Errorf("pci function: config write at %#x out of range", offset)
	}
	for i := uint8(0); i < size; i++ {
		reg := offset + uint16(i)
		if !configWritable(reg) {
			continue
		}
		f.config[reg] = byte(value >> (8 * i))
	}
	return nil
}

func configWritable(reg uint16) bool {
	switch {
	case reg >= regCommand && reg < regCommand+2:
		return true
	case reg >= type0BAROffset && reg < type0BAROffset+type0BARCount*type0BARStride:
		return true
	case reg == regInterruptLine:
		return true
	default:
		return false
	}
}

// ConfigBytes returns a copy of the raw configuration space, used as the
// function's opaque persisted record.
func (f *Function) ConfigBytes() []byte {
	out := make([]byte, configSpaceSize)
	copy(out, f.config[:])
	return out
}

// RestoreConfigBytes replaces the raw configuration space.
func (f *Function) RestoreConfigBytes(data []byte) error {
	if len(data) != configSpaceSize {
		return fmt.Errorf("pci function: config record is %d bytes, want %d", len(data), configSpaceSize)
	}
	copy(f.config[:], data)
	return nil
}

func (f *Function) putUint16(offset int, value uint16) {
	f.config[offset] = byte(value)
	f.config[offset+1] = byte(value >> 8)
}

var _ ConfigSpace = (*Function)(nil)
