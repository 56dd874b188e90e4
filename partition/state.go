// Package partition implements the per-vbucket session state the spec
// calls Partition State (PS) and the fixed-size Session State (SS) array
// that holds one PS per vbucket plus per-stream filter state.
//
// Grounded on original_source's PartitionState.java/StreamPartitionState.java
// and on dcp_connection/req_manager_2.go's request-lifecycle bookkeeping
// (request/ready/running maps), generalized into a single struct per the
// spec's resolution of the two conflicting teacher definitions: one
// PartitionState per vbucket, owned by SessionState, holds the failover
// log directly — channels never keep a second copy.
package partition

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the DCP stream connection sub-state of one partition.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// NoEndSeqno is the sentinel high-watermark for an open-ended stream.
const NoEndSeqno uint64 = 0xFFFFFFFFFFFFFFFF

// MinBackoff and MaxBackoff bound a partition's retry delay; it starts at
// MinBackoff, doubles on every failure, saturates at MaxBackoff, and resets
// to zero on success, per spec.md §3/§4.3.
const (
	MinBackoff = time.Second
	MaxBackoff = 64 * time.Second
)

// FailoverEntry is one (vbuuid, seqno) pair, oldest-to-newest.
type FailoverEntry struct {
	VBUUID uint64
	Seqno  uint64
}

// StreamRequest is the immutable value a Channel sends as DCP_STREAM_REQ.
type StreamRequest struct {
	Vbid         uint16
	StartSeqno   uint64
	EndSeqno     uint64
	VBUUID       uint64
	SnapStart    uint64
	SnapEnd      uint64
	ManifestUID  uint64
	StreamID     uint16
	CollectionID uint32 // 0 when the filter targets more than one collection
}

// State is the per-vbucket durable session slice: uuid history, last
// observed sequence, the current snapshot window, pending stream request,
// connection sub-state, and backoff.
//
// Scalar fields (Seqno, SnapshotStart/End, state) are written only from the
// owning Channel's I/O context; they use atomics so the broad read surface
// (conductor routing, user-facing accessors, tests) never needs to take a
// lock to observe them. The failover log and waiter list use a short
// critical section, matching spec.md §5's shared-resource policy.
type State struct {
	Vbid uint16

	seqno             atomic.Uint64
	snapshotStart     atomic.Uint64
	snapshotEnd       atomic.Uint64
	streamEndSeqno    atomic.Uint64
	curSeqnoInMaster  atomic.Uint64
	manifestUID       atomic.Uint64
	connState         atomic.Uint32

	osoActive  atomic.Bool
	osoMaxSeqno atomic.Uint64

	backoffMu sync.Mutex
	backoff   time.Duration

	mu             sync.Mutex
	failoverLog    []FailoverEntry
	pendingRequest *StreamRequest
	waiters        []chan ConnState
}

// New creates partition state for vbid in the Disconnected sub-state.
func New(vbid uint16) *State {
	ps := &State{Vbid: vbid}
	ps.connState.Store(uint32(Disconnected))
	ps.streamEndSeqno.Store(NoEndSeqno)
	return ps
}

func (ps *State) Seqno() uint64            { return ps.seqno.Load() }
func (ps *State) SnapshotStart() uint64    { return ps.snapshotStart.Load() }
func (ps *State) SnapshotEnd() uint64      { return ps.snapshotEnd.Load() }
func (ps *State) StreamEndSeqno() uint64   { return ps.streamEndSeqno.Load() }
func (ps *State) ManifestUID() uint64      { return ps.manifestUID.Load() }
func (ps *State) ConnState() ConnState     { return ConnState(ps.connState.Load()) }
func (ps *State) OSOActive() bool          { return ps.osoActive.Load() }

// CurrentVBucketSeqnoInMaster returns the last sampled remote high
// watermark (from snapshot-marker ends and GET_SEQNOS responses).
func (ps *State) CurrentVBucketSeqnoInMaster() uint64 { return ps.curSeqnoInMaster.Load() }

// AdvanceCurrentVBucketSeqnoInMaster applies the spec's max-wins rule under
// unsigned compare, uniformly for both sources that feed it.
func (ps *State) AdvanceCurrentVBucketSeqnoInMaster(seqno uint64) {
	for {
		cur := ps.curSeqnoInMaster.Load()
		if seqno <= cur {
			return
		}
		if ps.curSeqnoInMaster.CompareAndSwap(cur, seqno) {
			return
		}
	}
}

// SetState transitions the connection sub-state and wakes every waiter
// registered via WaitForState.
func (ps *State) SetState(s ConnState) {
	ps.connState.Store(uint32(s))

	ps.mu.Lock()
	waiters := ps.waiters
	ps.waiters = nil
	ps.mu.Unlock()

	for _, w := range waiters {
		w <- s
	}
}

// WaitForState blocks the caller (via the returned channel) until the
// partition's state changes. Callers select on the channel against their
// own context/timeout; this is the primitive spec.md §9 asks to replace
// the teacher's bare condition-variable-on-a-byte pattern with.
func (ps *State) WaitForState() <-chan ConnState {
	ch := make(chan ConnState, 1)
	ps.mu.Lock()
	ps.waiters = append(ps.waiters, ch)
	ps.mu.Unlock()
	return ch
}

// ApplySnapshotMarker records a new snapshot window. The invariant
// snapshot_start <= seqno <= snapshot_end holds once the first mutation of
// the window has been applied; immediately after the marker, seqno may
// still sit below snapshot_start.
func (ps *State) ApplySnapshotMarker(start, end uint64) {
	ps.snapshotStart.Store(start)
	ps.snapshotEnd.Store(end)
	ps.AdvanceCurrentVBucketSeqnoInMaster(end)
	ps.mu.Lock()
	ps.pendingRequest = nil
	ps.mu.Unlock()
}

// ApplyMutationSeqno advances Seqno for an ordinary (non-OSO) mutation/
// deletion/expiration/system-event, per spec.md §3's outside-OSO invariant:
// seqno strictly increases under unsigned compare.
func (ps *State) ApplyMutationSeqno(seqno uint64) {
	if ps.osoActive.Load() {
		for {
			cur := ps.osoMaxSeqno.Load()
			if seqno <= cur {
				return
			}
			if ps.osoMaxSeqno.CompareAndSwap(cur, seqno) {
				return
			}
		}
	}
	ps.seqno.Store(seqno)
}

// BeginOutOfOrder enters an OSO snapshot accumulator: only OSOMaxSeqno
// advances until EndOutOfOrder promotes it.
func (ps *State) BeginOutOfOrder() {
	ps.osoMaxSeqno.Store(ps.seqno.Load())
	ps.osoActive.Store(true)
}

// EndOutOfOrder promotes OSOMaxSeqno to Seqno and collapses the snapshot
// window to that single point, per spec.md §8's OSO testable property.
func (ps *State) EndOutOfOrder() {
	maxSeqno := ps.osoMaxSeqno.Load()
	ps.osoActive.Store(false)
	ps.seqno.Store(maxSeqno)
	ps.snapshotStart.Store(maxSeqno)
	ps.snapshotEnd.Store(maxSeqno)
	ps.mu.Lock()
	ps.pendingRequest = nil
	ps.mu.Unlock()
}

// SetManifestUID records the last observed collection manifest id.
func (ps *State) SetManifestUID(uid uint64) { ps.manifestUID.Store(uid) }

// SetStreamEndSeqno records the requested high-watermark for the current
// stream, or NoEndSeqno for an open-ended stream.
func (ps *State) SetStreamEndSeqno(seqno uint64) { ps.streamEndSeqno.Store(seqno) }

// FailoverLog returns a snapshot copy of the failover log, oldest-to-newest.
func (ps *State) FailoverLog() []FailoverEntry {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]FailoverEntry, len(ps.failoverLog))
	copy(out, ps.failoverLog)
	return out
}

// ReplaceFailoverLog overwrites the failover log wholesale, as happens when
// a DCP_STREAM_REQ success response or DCP_GET_FAILOVER_LOG response
// arrives with the server's authoritative history.
func (ps *State) ReplaceFailoverLog(log []FailoverEntry) {
	ps.mu.Lock()
	ps.failoverLog = log
	ps.mu.Unlock()
}

// ClearFailoverLog empties the failover log; the only legal time to do
// this outside of a fresh session is on reconnect after a rollback, per
// spec.md §3's invariant.
func (ps *State) ClearFailoverLog() {
	ps.mu.Lock()
	ps.failoverLog = nil
	ps.mu.Unlock()
}

// CurrentVBUUID returns the newest failover log entry's uuid, the value new
// stream requests must present.
func (ps *State) CurrentVBUUID() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.failoverLog) == 0 {
		return 0
	}
	return ps.failoverLog[len(ps.failoverLog)-1].VBUUID
}

// VBUUIDForSeqno returns the uuid that was active at seqno and how many of
// the newest failover log entries are now known-stale (index into the log
// at which vbuuid changes), the same pop logic StreamReq.FailoverLog.Pop
// implements in dcp_connection/dcp_consumer.go, generalized to not mutate
// its input.
func VBUUIDForSeqno(seqno uint64, log []FailoverEntry) (vbuuid uint64, staleFrom int) {
	for i, e := range log {
		if e.Seqno <= seqno {
			return e.VBUUID, i
		}
	}
	if len(log) == 0 {
		return 0, 0
	}
	return 0, len(log) - 1
}

// PendingStreamRequest returns the outstanding stream request, if any.
func (ps *State) PendingStreamRequest() *StreamRequest {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.pendingRequest
}

// SetPendingStreamRequest records the stream request currently in flight
// and seeds Seqno/snapshot/stream-end from it, matching
// PartitionState.setStreamRequest in the original client.
func (ps *State) SetPendingStreamRequest(req *StreamRequest) {
	ps.mu.Lock()
	ps.pendingRequest = req
	ps.mu.Unlock()

	ps.seqno.Store(req.StartSeqno)
	ps.streamEndSeqno.Store(req.EndSeqno)
	ps.snapshotStart.Store(req.SnapStart)
	ps.snapshotEnd.Store(req.SnapEnd)
}

// PrepareNextStreamRequest builds the StreamRequest to (re)issue from the
// partition's current observed state: its current seqno, its newest
// failover uuid, and a snapshot window whose start is lowered to seqno
// when it lies above seqno. It is
// a no-op if a request is already pending, matching
// PartitionState.prepareNextStreamRequest in the original client.
func (ps *State) PrepareNextStreamRequest() *StreamRequest {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.pendingRequest != nil {
		return ps.pendingRequest
	}

	seqno := ps.seqno.Load()
	snapStart := ps.snapshotStart.Load()
	snapEnd := ps.snapshotEnd.Load()
	if snapStart > seqno {
		snapStart = seqno
	}

	streamEnd := ps.streamEndSeqno.Load()
	if streamEnd != NoEndSeqno && streamEnd < seqno {
		streamEnd = snapEnd
	}

	var vbuuid uint64
	if len(ps.failoverLog) > 0 {
		vbuuid = ps.failoverLog[len(ps.failoverLog)-1].VBUUID
	}

	req := &StreamRequest{
		Vbid:       ps.Vbid,
		StartSeqno: seqno,
		EndSeqno:   streamEnd,
		VBUUID:     vbuuid,
		SnapStart:  snapStart,
		SnapEnd:    snapEnd,
	}
	ps.pendingRequest = req
	return req
}

// ClearPendingStreamRequest drops the in-flight request marker, e.g. once
// the server's snapshot marker for it has arrived.
func (ps *State) ClearPendingStreamRequest() {
	ps.mu.Lock()
	ps.pendingRequest = nil
	ps.mu.Unlock()
}

// Backoff returns the current retry delay for this partition.
func (ps *State) Backoff() time.Duration {
	ps.backoffMu.Lock()
	defer ps.backoffMu.Unlock()
	return ps.backoff
}

// NextBackoff doubles the retry delay (starting at MinBackoff, capped at
// MaxBackoff) and returns the new value, per spec.md §3/§8.
func (ps *State) NextBackoff() time.Duration {
	ps.backoffMu.Lock()
	defer ps.backoffMu.Unlock()
	switch {
	case ps.backoff == 0:
		ps.backoff = MinBackoff
	case ps.backoff >= MaxBackoff:
		ps.backoff = MaxBackoff
	default:
		ps.backoff *= 2
		if ps.backoff > MaxBackoff {
			ps.backoff = MaxBackoff
		}
	}
	return ps.backoff
}

// ResetBackoff zeroes the retry delay on a successful stream open.
func (ps *State) ResetBackoff() {
	ps.backoffMu.Lock()
	ps.backoff = 0
	ps.backoffMu.Unlock()
}
