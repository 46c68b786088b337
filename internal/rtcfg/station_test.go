package rtcfg

import "testing"

func TestConfigureIsIdempotent(t *testing.T) {
	tbl := NewStationTable()
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	a := tbl.Configure(mac, AddrIPv4, 10)
	b := tbl.Configure(mac, AddrIPv4, 20)
	if a != b {
		t.Fatal("expected Configure to return the existing station on a repeat call")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestMarkKnownRequiresConfigure(t *testing.T) {
	tbl := NewStationTable()
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	if tbl.MarkKnown(mac, 1) {
		t.Fatal("expected MarkKnown to fail for an unconfigured station")
	}
	tbl.Configure(mac, AddrNone, 0)
	if !tbl.MarkKnown(mac, 1) {
		t.Fatal("expected MarkKnown to succeed once configured")
	}
}

func TestAllKnownRequiresEveryStation(t *testing.T) {
	tbl := NewStationTable()
	a := [6]byte{1}
	b := [6]byte{2}
	tbl.Configure(a, AddrNone, 0)
	tbl.Configure(b, AddrNone, 0)

	if tbl.AllKnown() {
		t.Fatal("expected AllKnown false before either station announces")
	}
	tbl.MarkKnown(a, 1)
	if tbl.AllKnown() {
		t.Fatal("expected AllKnown false with one station still unknown")
	}
	tbl.MarkKnown(b, 1)
	if !tbl.AllKnown() {
		t.Fatal("expected AllKnown true once both stations have announced")
	}
}

func TestSweepLostMarksOnlyStaleKnownStations(t *testing.T) {
	tbl := NewStationTable()
	mac := [6]byte{7}
	tbl.Configure(mac, AddrNone, 0)
	tbl.MarkKnown(mac, 0)

	if lost := tbl.SweepLost(5, 10); len(lost) != 0 {
		t.Fatalf("expected no stations lost within threshold, got %d", len(lost))
	}
	lost := tbl.SweepLost(100, 10)
	if len(lost) != 1 || lost[0].MAC != mac {
		t.Fatalf("expected mac to be swept as lost, got %+v", lost)
	}
	// a second sweep shouldn't report the same station again.
	if lost := tbl.SweepLost(200, 10); len(lost) != 0 {
		t.Fatalf("expected already-lost station not reported twice, got %d", len(lost))
	}
}

func TestTouchClearsLost(t *testing.T) {
	tbl := NewStationTable()
	mac := [6]byte{8}
	tbl.Configure(mac, AddrNone, 0)
	tbl.MarkKnown(mac, 0)
	tbl.SweepLost(100, 10)

	tbl.Touch(mac, 100)
	s, ok := tbl.Get(mac)
	if !ok || s.Lost {
		t.Fatal("expected Touch to clear the Lost flag")
	}
}

func TestRemoveDropsStation(t *testing.T) {
	tbl := NewStationTable()
	mac := [6]byte{9}
	tbl.Configure(mac, AddrNone, 0)
	tbl.Remove(mac)
	if _, ok := tbl.Get(mac); ok {
		t.Fatal("expected station to be gone after Remove")
	}
}
