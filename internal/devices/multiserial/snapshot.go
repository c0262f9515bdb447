package multiserial

import (
	"fmt"

	"github.com/tealvm/teal/internal/devices/serial"
	"github.com/tealvm/teal/internal/hv"
)

// snapshotVersion is the card's persisted-state format version. There is no
// migration from earlier layouts.
const snapshotVersion = 1

// cardSnapshot is the card's persisted record: the raw function config
// space, one opaque record per port, and the recorded interrupt levels. The
// layout is not self-describing for port count; restore requires a card of
// the same shape.
type cardSnapshot struct {
	Version uint32
	Config  []byte
	Ports   []serial.State
	Levels  []uint32
}

// DeviceId implements hv.DeviceSnapshotter.
func (c *Card) DeviceId() string { return "multiserial" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (c *Card) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	if !c.realized {
		return nil, fmt.Errorf("multiserial: snapshot of unrealized device")
	}
	snap := &cardSnapshot{
		Version: snapshotVersion,
		Config:  c.fn.ConfigBytes(),
		Ports:   make([]serial.State, PortCount),
		Levels:  make([]uint32, PortCount),
	}
	for i := 0; i < PortCount; i++ {
		snap.Ports[i] = c.ports[i].CaptureState()
		snap.Levels[i] = c.levels[i]
	}
	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (c *Card) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*cardSnapshot)
	if !ok {
		return fmt.Errorf("multiserial: invalid snapshot type %T", snap)
	}
	if data.Version != snapshotVersion {
		return fmt.Errorf("multiserial: unsupported snapshot version %d", data.Version)
	}
	if len(data.Ports) != PortCount || len(data.Levels) != PortCount {
		return fmt.Errorf("multiserial: snapshot port count mismatch: got %d ports, %d levels, want %d",
			len(data.Ports), len(data.Levels), PortCount)
	}
	if !c.realized {
		return fmt.Errorf("multiserial: restore into unrealized device")
	}

	if err := c.fn.RestoreConfigBytes(data.Config); err != nil {
		return err
	}
	for i := 0; i < PortCount; i++ {
		if err := c.ports[i].RestoreState(data.Ports[i]); err != nil {
			return fmt.Errorf("multiserial: restore port %d: %w", i, err)
		}
	}
	// The per-port restores re-drove the mux; the recorded levels are
	// authoritative, so apply them last and recompute the pin.
	pending := false
	for i := 0; i < PortCount; i++ {
		c.levels[i] = data.Levels[i]
		if c.levels[i] != 0 {
			pending = true
		}
	}
	c.fn.SetIRQ(pending)
	return nil
}

var _ hv.DeviceSnapshotter = (*Card)(nil)
