package ais

import (
	"testing"
	"time"
)

func testMessage(mmsi string, ts time.Time, lat, lon float64) *Message {
	return &Message{MMSI: mmsi, Timestamp: ts, Lat: lat, Lon: lon}
}

func TestFingerprintStability(t *testing.T) {
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	a := Fingerprint(testMessage("235090123", ts, 51.95, 4.12))
	b := Fingerprint(testMessage("235090123", ts, 51.95, 4.12))
	if a != b {
		t.Fatal("identical messages produced different fingerprints")
	}

	c := Fingerprint(testMessage("235090123", ts, 51.95001, 4.12))
	if a == c {
		t.Fatal("different coordinates produced the same fingerprint")
	}
	d := Fingerprint(testMessage("235090124", ts, 51.95, 4.12))
	if a == d {
		t.Fatal("different MMSIs produced the same fingerprint")
	}
}

func TestDedupSetSeen(t *testing.T) {
	d := NewDedupSet(100)
	if d.Seen(42) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen(42) {
		t.Fatal("second sighting not reported as duplicate")
	}
	if d.Size() != 1 {
		t.Fatalf("Size = %d, want 1", d.Size())
	}
}

func TestDedupSetEvictsOldest(t *testing.T) {
	d := NewDedupSet(10)
	for i := uint64(0); i < 11; i++ {
		d.Seen(i)
	}
	// Exceeding the cap of 10 sweeps out the oldest 20% (2 entries: 0, 1).
	if got := d.Size(); got != 9 {
		t.Fatalf("Size after eviction = %d, want 9", got)
	}
	if d.Seen(0) {
		t.Error("evicted fingerprint 0 still reported as seen")
	}
	if !d.Seen(5) {
		t.Error("retained fingerprint 5 reported as new")
	}
}

func TestDedupSetTrim(t *testing.T) {
	d := NewDedupSet(50)
	for i := uint64(0); i < 40; i++ {
		d.Seen(i)
	}
	d.Trim() // under cap, no-op
	if d.Size() != 40 {
		t.Fatalf("Trim under cap changed size to %d", d.Size())
	}
}
