package fixer

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/godcp/auth"
	"github.com/couchbase/godcp/channel"
	"github.com/couchbase/godcp/conductor"
	"github.com/couchbase/godcp/config"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/partition"
)

// fakeTopologyProvider is a config.Provider with no real cluster behind it,
// enough to exercise routing decisions without dialing anything.
type fakeTopologyProvider struct {
	topo config.Topology
	err  error
}

func (f *fakeTopologyProvider) Snapshot(context.Context) (config.Topology, error) { return f.topo, f.err }
func (f *fakeTopologyProvider) Refresh(context.Context) (config.Topology, error)  { return f.topo, f.err }

type fakeSink struct {
	calls []uint16
}

func (f *fakeSink) UnexpectedFailure(vbid uint16, attempts int, cause error) {
	f.calls = append(f.calls, vbid)
}

func TestRollbackClampsPartitionState(t *testing.T) {
	ps := partition.New(1)
	ps.ApplyMutationSeqno(100)
	ps.ApplySnapshotMarker(90, 110)

	rollbackTo(ps, 50)

	if ps.SnapshotStart() != 50 || ps.SnapshotEnd() != 50 {
		t.Fatalf("snapshot window = [%d,%d], want [50,50]", ps.SnapshotStart(), ps.SnapshotEnd())
	}
	if ps.PendingStreamRequest() != nil {
		t.Fatalf("expected no pending stream request after rollback")
	}
}

// TestScheduleRollbackDisconnectsConductor asserts that a rollback event
// clamps the partition's snapshot window, tears down the whole conductor
// (per spec.md §4.3's "OpenStreamResponse(ROLLBACK): disconnect entire
// Conductor"), and discards every other partition's pending retry rather
// than scheduling a reopen of its own.
func TestScheduleRollbackDisconnectsConductor(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 4}}
	co := conductor.New(conductor.Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})
	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	co.Session().Partition(1).ApplyMutationSeqno(100)
	co.Session().Partition(1).ApplySnapshotMarker(90, 110)

	f := New(co, &fakeSink{})
	backlog := map[uint16]*backlogEntry{
		2: {vbid: 2, deadline: time.Now()},
		3: {vbid: 3, deadline: time.Now()},
	}

	f.schedule(backlog, inboxEvent{
		kind: kindRollback,
		vbid: 1,
		rollback: events.Rollback{Vbid: 1, RollbackSeqno: 50},
	})

	ps := co.Session().Partition(1)
	if ps.SnapshotStart() != 50 || ps.SnapshotEnd() != 50 {
		t.Fatalf("snapshot window = [%d,%d], want [50,50]", ps.SnapshotStart(), ps.SnapshotEnd())
	}
	if len(backlog) != 0 {
		t.Fatalf("backlog still has %d entries after a rollback disconnect, want 0", len(backlog))
	}
	// A second Disconnect from any later event must stay a no-op.
	if err := co.Disconnect(); err != nil {
		t.Fatalf("Disconnect after rollback should already be idempotent-safe: %v", err)
	}
}

// TestNotifyStreamEndFiltersReasons asserts that only the reasons spec.md
// §4.3 marks as requiring a reopen reach the inbox; informational reasons
// (including DISCONNECTED, which waits for the following ChannelDropped)
// must not enqueue a retry.
func TestNotifyStreamEndFiltersReasons(t *testing.T) {
	co := conductor.New(conductor.Options{BucketName: "default"}, auth.Static{},
		&fakeTopologyProvider{topo: config.Topology{NumVbuckets: 1}}, channel.Handlers{})
	f := New(co, &fakeSink{})

	informational := []events.StreamEndReason{
		events.StreamEndOK, events.StreamEndFilterEmpty,
		events.StreamEndLostPrivileges, events.StreamEndTooSlow,
		events.StreamEndDisconnected, events.StreamEndClosed,
	}
	for _, reason := range informational {
		f.NotifyStreamEnd(events.StreamEnd{Vbid: 5, Reason: reason})
	}
	if len(f.inbox) != 0 {
		t.Fatalf("got %d enqueued events for informational reasons, want 0", len(f.inbox))
	}

	retriable := []events.StreamEndReason{
		events.StreamEndBackfillFailed, events.StreamEndStateChanged,
		events.StreamEndChannelDropped, events.StreamEndUnknown,
	}
	for _, reason := range retriable {
		f.NotifyStreamEnd(events.StreamEnd{Vbid: 5, Reason: reason})
	}
	if len(f.inbox) != len(retriable) {
		t.Fatalf("got %d enqueued events for retriable reasons, want %d", len(f.inbox), len(retriable))
	}
}

func TestBacklogEntryDeadlineOrdering(t *testing.T) {
	now := time.Now()
	entries := map[uint16]*backlogEntry{
		1: {vbid: 1, deadline: now.Add(-time.Second)},
		2: {vbid: 2, deadline: now.Add(time.Hour)},
	}
	due := 0
	for _, e := range entries {
		if !e.deadline.After(now) {
			due++
		}
	}
	if due != 1 {
		t.Fatalf("due = %d, want 1", due)
	}
}
