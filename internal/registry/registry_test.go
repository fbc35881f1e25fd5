package registry

import (
	"testing"
)

func newTestRecord(id, vmID string) *Record {
	return NewRecord(id, vmID, ProtocolVNC, "10.0.0.7:5901", "198.51.100.1:443", nil, nil)
}

func TestRegisterUnregisterUpdatesBothMaps(t *testing.T) {
	r := New(nil)
	rec := newTestRecord("vm1_1_1000", "vm1")
	r.Register(rec)

	if r.TotalCount() != 1 {
		t.Fatalf("TotalCount = %d, want 1", r.TotalCount())
	}
	if r.CountByVM("vm1") != 1 {
		t.Fatalf("CountByVM = %d, want 1", r.CountByVM("vm1"))
	}

	r.Unregister(rec.ID)
	if r.TotalCount() != 0 {
		t.Fatalf("TotalCount after unregister = %d, want 0", r.TotalCount())
	}
	if r.CountByVM("vm1") != 0 {
		t.Fatalf("CountByVM after unregister = %d, want 0", r.CountByVM("vm1"))
	}
}

func TestUnregisterTwiceIsNoop(t *testing.T) {
	r := New(nil)
	rec := newTestRecord("vm1_1_1000", "vm1")
	r.Register(rec)

	r.Unregister(rec.ID)
	r.Unregister(rec.ID) // must not panic or double-decrement

	if r.TotalCount() != 0 {
		t.Fatalf("TotalCount = %d, want 0", r.TotalCount())
	}
}

func TestEmptyVMSetIsRemoved(t *testing.T) {
	r := New(nil)
	rec1 := newTestRecord("vm1_1_1000", "vm1")
	rec2 := newTestRecord("vm1_2_1001", "vm1")
	r.Register(rec1)
	r.Register(rec2)

	r.Unregister(rec1.ID)
	if r.CountByVM("vm1") != 1 {
		t.Fatalf("CountByVM = %d, want 1", r.CountByVM("vm1"))
	}

	r.Unregister(rec2.ID)
	r.mu.RLock()
	_, exists := r.byVM["vm1"]
	r.mu.RUnlock()
	if exists {
		t.Fatal("expected empty vm1 set to be removed from byVM index")
	}
}

func TestSnapshotIsIndependentOfLiveMap(t *testing.T) {
	r := New(nil)
	rec := newTestRecord("vm1_1_1000", "vm1")
	r.Register(rec)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}

	r.Unregister(rec.ID)
	if len(snap) != 1 {
		t.Fatal("snapshot should not reflect later mutation")
	}
}
