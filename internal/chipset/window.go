package chipset

import (
	"fmt"

	"github.com/tealvm/teal/internal/hv"
)

// RegionHandler serves accesses within a window subregion. Offsets are
// relative to the subregion base.
type RegionHandler interface {
	ReadRegion(offset uint64, data []byte) error
	WriteRegion(offset uint64, data []byte) error
}

type subregion struct {
	name    string
	offset  uint64
	size    uint64
	handler RegionHandler
}

// Window is a fixed-size MMIO container. Device register blocks are mapped
// into it as named, non-overlapping subregions; accesses are dispatched to
// the subregion covering the target offset. Reads that hit no subregion
// float 0xff, writes are dropped.
type Window struct {
	size uint64
	subs []subregion
}

// NewWindow builds an empty window of the given size.
func NewWindow(size uint64) (*Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("window size must be non-zero")
	}
	return &Window{size: size}, nil
}

// Size returns the window size in bytes.
func (w *Window) Size() uint64 { return w.size }

// AddSubregion maps handler at [offset, offset+size). The range must lie
// inside the window and must not overlap an existing subregion.
func (w *Window) AddSubregion(name string, offset, size uint64, handler RegionHandler) error {
	if handler == nil {
		return fmt.Errorf("subregion %q has nil handler", name)
	}
	if size == 0 {
		return fmt.Errorf("subregion %q has zero size", name)
	}
	if offset+size < offset || offset+size > w.size {
		return fmt.Errorf("subregion %q [%#x, %#x) outside window of size %#x",
			name, offset, offset+size, w.size)
	}
	for _, existing := range w.subs {
		if existing.name == name {
			return fmt.Errorf("subregion %q already mapped", name)
		}
		if rangesOverlap(offset, size, existing.offset, existing.size) {
			return fmt.Errorf("subregion %q [%#x, %#x) overlaps %q [%#x, %#x)",
				name, offset, offset+size,
				existing.name, existing.offset, existing.offset+existing.size)
		}
	}
	w.subs = append(w.subs, subregion{
		name:    name,
		offset:  offset,
		size:    size,
		handler: handler,
	})
	return nil
}

// DelSubregion unmaps the named subregion. Unmapping a name that is not
// mapped is an error; teardown paths must only remove what they mapped.
func (w *Window) DelSubregion(name string) error {
	for i, sub := range w.subs {
		if sub.name == name {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subregion %q not mapped", name)
}

// SubregionCount returns the number of mapped subregions.
func (w *Window) SubregionCount() int { return len(w.subs) }

// Subregions returns the mapped ranges in mapping order.
func (w *Window) Subregions() []hv.MMIORegion {
	regions := make([]hv.MMIORegion, len(w.subs))
	for i, sub := range w.subs {
		regions[i] = hv.MMIORegion{Address: sub.offset, Size: sub.size}
	}
	return regions
}

// Read dispatches a read at the window-relative offset.
func (w *Window) Read(offset uint64, data []byte) error {
	for i := range data {
		addr := offset + uint64(i)
		sub := w.find(addr)
		if sub == nil {
			data[i] = 0xff
			continue
		}
		if err := sub.handler.ReadRegion(addr-sub.offset, data[i:i+1]); err != nil {
			return fmt.Errorf("subregion %q: %w", sub.name, err)
		}
	}
	return nil
}

// Write dispatches a write at the window-relative offset.
func (w *Window) Write(offset uint64, data []byte) error {
	for i := range data {
		addr := offset + uint64(i)
		sub := w.find(addr)
		if sub == nil {
			continue
		}
		if err := sub.handler.WriteRegion(addr-sub.offset, data[i:i+1]); err != nil {
			return fmt.Errorf("subregion %q: %w", sub.name, err)
		}
	}
	return nil
}

func (w *Window) find(addr uint64) *subregion {
	for i := range w.subs {
		sub := &w.subs[i]
		if addr >= sub.offset && addr < sub.offset+sub.size {
			return sub
		}
	}
	return nil
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
