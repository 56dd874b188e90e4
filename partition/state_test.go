package partition

import "testing"

func TestAdvanceCurrentVBucketSeqnoInMasterMaxWins(t *testing.T) {
	ps := New(0)
	ps.AdvanceCurrentVBucketSeqnoInMaster(100)
	ps.AdvanceCurrentVBucketSeqnoInMaster(50)
	if got := ps.CurrentVBucketSeqnoInMaster(); got != 100 {
		t.Fatalf("seqno = %d, want 100 (max-wins)", got)
	}
	ps.AdvanceCurrentVBucketSeqnoInMaster(150)
	if got := ps.CurrentVBucketSeqnoInMaster(); got != 150 {
		t.Fatalf("seqno = %d, want 150", got)
	}
}

func TestApplySnapshotMarkerExpandsWindow(t *testing.T) {
	ps := New(0)
	ps.ApplySnapshotMarker(10, 20)
	if ps.SnapshotStart() != 10 || ps.SnapshotEnd() != 20 {
		t.Fatalf("window = [%d,%d], want [10,20]", ps.SnapshotStart(), ps.SnapshotEnd())
	}
	ps.ApplySnapshotMarker(30, 40)
	if ps.SnapshotStart() != 30 || ps.SnapshotEnd() != 40 {
		t.Fatalf("window = [%d,%d], want [30,40]", ps.SnapshotStart(), ps.SnapshotEnd())
	}
}

func TestOutOfOrderWindowPromotesMaxSeqnoOnEnd(t *testing.T) {
	ps := New(0)
	ps.BeginOutOfOrder()
	ps.ApplyMutationSeqno(5)
	ps.ApplyMutationSeqno(50)
	ps.ApplyMutationSeqno(20)
	if got := ps.Seqno(); got != 0 {
		t.Fatalf("seqno = %d mid-OSO-window, want unchanged at 0 until EndOutOfOrder", got)
	}
	ps.EndOutOfOrder()
	if got := ps.Seqno(); got != 50 {
		t.Fatalf("seqno = %d after EndOutOfOrder, want 50 (highest seen in window)", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	ps := New(0)
	got := ps.NextBackoff()
	if got != MinBackoff {
		t.Fatalf("first backoff = %v, want %v", got, MinBackoff)
	}
	for i := 0; i < 10; i++ {
		got = ps.NextBackoff()
	}
	if got != MaxBackoff {
		t.Fatalf("backoff after repeated doubling = %v, want capped at %v", got, MaxBackoff)
	}
	ps.ResetBackoff()
	if got := ps.NextBackoff(); got != MinBackoff {
		t.Fatalf("backoff after reset = %v, want %v", got, MinBackoff)
	}
}

func TestPrepareNextStreamRequestClampsToCurrentState(t *testing.T) {
	ps := New(3)
	ps.ApplySnapshotMarker(100, 200)
	ps.ApplyMutationSeqno(150)

	req := ps.PrepareNextStreamRequest()
	if req.Vbid != 3 {
		t.Fatalf("vbid = %d, want 3", req.Vbid)
	}
	if req.StartSeqno != 150 {
		t.Fatalf("start seqno = %d, want 150 (resume point)", req.StartSeqno)
	}
	if ps.PendingStreamRequest() == nil {
		t.Fatalf("expected a pending stream request to be recorded")
	}

	again := ps.PrepareNextStreamRequest()
	if again != req {
		t.Fatalf("expected PrepareNextStreamRequest to be a no-op while one is already pending")
	}
}

func TestFailoverLogReplaceAndClear(t *testing.T) {
	ps := New(0)
	ps.ReplaceFailoverLog([]FailoverEntry{{VBUUID: 1, Seqno: 0}, {VBUUID: 2, Seqno: 100}})
	if got := ps.CurrentVBUUID(); got != 2 {
		t.Fatalf("current vbuuid = %d, want 2 (most recent entry)", got)
	}
	ps.ClearFailoverLog()
	if len(ps.FailoverLog()) != 0 {
		t.Fatalf("expected empty failover log after clear")
	}
}
