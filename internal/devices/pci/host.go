package pci

import (
	"fmt"
	"sync"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ConfigSpace models PCI configuration space access for a single
// bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(size uint32, align uint32) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{base: base, size: size, next: base}
}

func (a *linearAllocator) Allocate(size uint32, align uint32) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
	barValue [type0BARCount]uint32
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  deviceKey
}

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index and
// notifies the endpoint of the programmed base.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, size, align)
}

// HostBridgeConfig describes the address range available for BAR windows.
type HostBridgeConfig struct {
	MMIOBase     uint64
	MMIOSize     uint64
	BARAllocator BARAllocator
}

// HostBridge is a minimal single-bus PCI root complex: it routes config
// space accesses to registered endpoints and hands out BAR address space.
type HostBridge struct {
	mmioBase uint64
	mmioSize uint64

	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x20000000
		defaultMMIOSize = 0x10000000
	)

	h := &HostBridge{
		mmioBase: cfg.MMIOBase,
		mmioSize: cfg.MMIOSize,
		devices:  make(map[deviceKey]*deviceSlot),
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if cfg.BARAllocator != nil {
		h.barAllocator = cfg.BARAllocator
	} else {
		h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	}
	return h
}

// RegisterEndpoint associates an endpoint with the supplied location on
// bus 0.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{
		endpoint: endpoint,
		provider: provider,
	}
	return &DeviceHandle{host: h, key: key}, nil
}

// ReadConfig routes a configuration read to the endpoint at the location.
// Unclaimed locations read as all-ones.
func (h *HostBridge) ReadConfig(bus, device, function uint8, offset uint16, size uint8) uint32 {
	provider := h.provider(deviceKey{bus: bus, dev: device, fn: function})
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return value
}

// WriteConfig routes a configuration write to the endpoint at the location.
// Writes that land on a BAR register additionally notify the endpoint so it
// can track its programmed window base.
func (h *HostBridge) WriteConfig(bus, device, function uint8, offset uint16, size uint8, value uint32) {
	key := deviceKey{bus: bus, dev: device, fn: function}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		return
	}

	if index, ok := decodeBARWrite(offset, size, value); ok {
		var endpoint Endpoint
		h.mu.Lock()
		if slot := h.devices[key]; slot != nil {
			slot.barValue[index] = value
			endpoint = slot.endpoint
		}
		h.mu.Unlock()
		if endpoint != nil {
			_ = endpoint.OnBARReprogram(index, value)
		}
	}
}

func decodeBARWrite(offset uint16, size uint8, value uint32) (int, bool) {
	if size != 4 {
		return 0, false
	}
	if offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride {
		return 0, false
	}
	if offset%type0BARStride != 0 {
		return 0, false
	}
	if value == 0xffff_ffff {
		// BAR sizing probe, not a reprogram
		return 0, false
	}
	return int((offset - type0BAROffset) / type0BARStride), true
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key deviceKey, index int, size uint32, align uint32) (uint64, error) {
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	base, err := h.barAllocator.Allocate(size, align)
	if err != nil {
		return 0, err
	}

	var endpoint Endpoint
	h.mu.Lock()
	slot := h.devices[key]
	if slot == nil {
		h.mu.Unlock()
		return 0, fmt.Errorf("device not registered")
	}
	slot.barValue[index] = uint32(base & 0xffff_ffff)
	endpoint = slot.endpoint
	h.mu.Unlock()

	if err := endpoint.OnBARReprogram(index, uint32(base&0xffff_ffff)); err != nil {
		return 0, err
	}
	return base, nil
}
