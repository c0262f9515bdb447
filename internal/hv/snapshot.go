package hv

import (
	"encoding/gob"
	"fmt"
	"io"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1

	// SnapshotMinVersion is the oldest format version a restore accepts.
	// No migration from earlier layouts exists.
	SnapshotMinVersion uint32 = 1
)

// DeviceSnapshot is an opaque, gob-encodable record of a device's runtime
// state. Concrete types are registered with gob by the owning package.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices that participate in
// save/restore.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

type snapshotHeader struct {
	Magic   uint32
	Version uint32
}

// WriteSnapshot serializes a device snapshot to w with the format header.
func WriteSnapshot(w io.Writer, snap DeviceSnapshot) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(snapshotHeader{Magic: SnapshotMagic, Version: SnapshotVersion}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("write snapshot body: %w", err)
	}
	return nil
}

// ReadSnapshot deserializes a device snapshot from r, rejecting unknown
// magic values and format versions outside [SnapshotMinVersion,
// SnapshotVersion].
func ReadSnapshot(r io.Reader) (DeviceSnapshot, error) {
	dec := gob.NewDecoder(r)
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if header.Magic != SnapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic %#x", header.Magic)
	}
	if header.Version < SnapshotMinVersion || header.Version > SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", header.Version)
	}
	var snap DeviceSnapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	return snap, nil
}
