package conductor

import (
	"context"
	"testing"

	"github.com/couchbase/godcp/auth"
	"github.com/couchbase/godcp/channel"
	"github.com/couchbase/godcp/config"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/partition"
	"github.com/pkg/errors"
)

// fakeTopologyProvider is a config.Provider with no real cluster behind it,
// enough to exercise routing decisions without dialing anything.
type fakeTopologyProvider struct {
	topo config.Topology
	err  error
}

func (f *fakeTopologyProvider) Snapshot(context.Context) (config.Topology, error) { return f.topo, f.err }
func (f *fakeTopologyProvider) Refresh(context.Context) (config.Topology, error)  { return f.topo, f.err }

func TestConnectSizesSessionFromTopology(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 8}}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})

	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if co.Session().NumVbuckets() != 8 {
		t.Fatalf("num vbuckets = %d, want 8", co.Session().NumVbuckets())
	}
}

func TestConnectPropagatesTopologyError(t *testing.T) {
	topo := &fakeTopologyProvider{err: errors.New("cluster unreachable")}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})

	if err := co.Connect(context.Background()); err == nil {
		t.Fatalf("expected Connect to propagate topology error")
	}
}

func TestStartStreamFailsWithNoOwningNode(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 4, VbucketNode: map[uint16]string{}}}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})
	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := co.StartStream(context.Background(), 1, partition.StreamFilter{})
	if err == nil {
		t.Fatalf("expected StartStream to fail when no node owns the vbucket")
	}
	if co.Session().Partition(1).PendingStreamRequest() != nil {
		t.Fatalf("expected the pending stream request to be cleared on failure")
	}
}

func TestSetSessionReplacesState(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 2}}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})
	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	restored := partition.NewSession(2)
	restored.Partition(0).ApplyMutationSeqno(42)
	co.SetSession(restored)

	if co.Session().Partition(0).Seqno() != 42 {
		t.Fatalf("seqno = %d, want 42 after SetSession", co.Session().Partition(0).Seqno())
	}
}

// TestSetControlHandlerIsPickedUpByWrapHandlers guards against a handler
// installed after New (godcp.New does this to wrap the caller's handler
// with one that closes over a *fixer.Fixer built from this very Conductor)
// silently being dropped: wrapHandlers must read whatever SetControlHandler
// last installed, not a copy captured at New time.
type recordingRollbackHandler struct{ calls int }

func (r *recordingRollbackHandler) OnSnapshotMarker(events.SnapshotMarker) {}
func (r *recordingRollbackHandler) OnStreamEnd(events.StreamEnd)           {}
func (r *recordingRollbackHandler) OnRollback(events.Rollback)             { r.calls++ }
func (r *recordingRollbackHandler) OnNotMyVBucket(events.NotMyVBucket)     {}

func TestSetControlHandlerIsPickedUpByWrapHandlers(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 1}}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})
	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rec := &recordingRollbackHandler{}
	co.SetControlHandler(rec)

	var chPtr *channel.Channel
	wrapped := co.wrapHandlers("node1", &chPtr)
	wrapped.Control.OnRollback(events.Rollback{Vbid: 0, RollbackSeqno: 1})

	if rec.calls != 1 {
		t.Fatalf("got %d OnRollback calls on the handler installed via SetControlHandler, want 1", rec.calls)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	topo := &fakeTopologyProvider{topo: config.Topology{NumVbuckets: 1}}
	co := New(Options{BucketName: "default"}, auth.Static{}, topo, channel.Handlers{})
	if err := co.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := co.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := co.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
