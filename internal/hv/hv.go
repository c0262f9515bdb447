package hv

// Device is the lifecycle contract shared by all emulated devices.
// Realize activates a constructed device and may fail; a failed Realize
// must leave the device with no acquired resources. Unrealize releases
// everything a successful Realize acquired and must not fail.
type Device interface {
	Realize() error
	Unrealize()
}

// MMIORegion describes a contiguous range of guest-physical address space.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+length) falls entirely
// inside the region.
func (r MMIORegion) Contains(addr uint64, length int) bool {
	if length <= 0 {
		return false
	}
	end := addr + uint64(length)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}
