package hv

import (
	"bytes"
	"encoding/gob"
	"testing"
)

type testRecord struct {
	Name  string
	Value uint32
}

func init() {
	gob.Register(&testRecord{})
}

func TestSnapshotRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := &testRecord{Name: "dev", Value: 42}
	if err := WriteSnapshot(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, ok := snap.(*testRecord)
	if !ok {
		t.Fatalf("decoded %T", snap)
	}
	if *got != *want {
		t.Fatalf("decoded %+v, want %+v", got, want)
	}
}

func TestReadSnapshotBadMagic(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(snapshotHeader{Magic: 0x1234, Version: SnapshotVersion}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(&buf); err == nil {
		t.Fatal("bad magic accepted")
	}
}

func TestReadSnapshotBadVersion(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(snapshotHeader{Magic: SnapshotMagic, Version: SnapshotVersion + 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(&buf); err == nil {
		t.Fatal("future version accepted")
	}
}

func TestReadSnapshotTruncated(t *testing.T) {
	if _, err := ReadSnapshot(bytes.NewReader(nil)); err == nil {
		t.Fatal("empty input accepted")
	}
}

func TestMMIORegionContains(t *testing.T) {
	region := MMIORegion{Address: 0x1000, Size: 0x100}

	if !region.Contains(0x1000, 1) {
		t.Error("first byte should be inside")
	}
	if !region.Contains(0x10ff, 1) {
		t.Error("last byte should be inside")
	}
	if region.Contains(0x10ff, 2) {
		t.Error("access crossing the end should be outside")
	}
	if region.Contains(0xfff, 1) {
		t.Error("byte before the base should be outside")
	}
	if region.Contains(0x1000, 0) {
		t.Error("zero-length access should not match")
	}
	if region.Contains(^uint64(0), 2) {
		t.Error("wrapping access should not match")
	}
}
