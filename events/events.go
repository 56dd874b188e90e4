// Package events defines the data and control events a Channel emits
// toward the Conductor and the values a caller's handlers receive, mirroring
// dcp_connection/dcp_consumer.go's DcpEvent struct but split into the sum
// types spec.md §4 calls for in place of one grab-bag struct with a
// discriminant field.
package events

import (
	"sync"

	"github.com/couchbase/godcp/wire"
)

// Mutation, Deletion and Expiration are the three document-change events a
// DataHandler receives, one per DCP_MUTATION/DELETION/EXPIRATION frame.
type Mutation struct {
	Vbid         uint16
	Key          []byte
	Value        []byte
	Cas          uint64
	Seqno        uint64
	RevSeqno     uint64
	Flags        uint32
	Expiry       uint32
	LockTime     uint32
	CollectionID uint32
	Datatype     wire.Datatype
	StreamID     uint16
}

type Deletion struct {
	Vbid         uint16
	Key          []byte
	Value        []byte // non-empty only when the deletion carries xattrs
	Cas          uint64
	Seqno        uint64
	RevSeqno     uint64
	CollectionID uint32
	StreamID     uint16
}

type Expiration struct {
	Vbid         uint16
	Key          []byte
	Cas          uint64
	Seqno        uint64
	RevSeqno     uint64
	CollectionID uint32
	StreamID     uint16
}

// SnapshotMarker signals the start of a new contiguous sequence-number
// window for a vbucket.
type SnapshotMarker struct {
	Vbid       uint16
	StartSeqno uint64
	EndSeqno   uint64
	OSO        bool // true when this window is an out-of-order snapshot
	OSOBegin   bool // valid only when OSO is true: begin vs end of window
	StreamID   uint16
}

// StreamEndReason enumerates why a DCP_STREAM_END arrived, matching the
// full set message/StreamEndReason.java defines (the teacher's own status
// enum only models a subset via reused memcached status codes).
type StreamEndReason uint8

const (
	StreamEndOK StreamEndReason = iota
	StreamEndClosed
	StreamEndStateChanged
	StreamEndDisconnected
	StreamEndTooSlow
	StreamEndLostPrivileges
	StreamEndFilterEmpty
	StreamEndBackfillFailed
	StreamEndChannelDropped
	StreamEndUnknown
)

func (r StreamEndReason) String() string {
	switch r {
	case StreamEndOK:
		return "ok"
	case StreamEndClosed:
		return "closed"
	case StreamEndStateChanged:
		return "state-changed"
	case StreamEndDisconnected:
		return "disconnected"
	case StreamEndTooSlow:
		return "too-slow"
	case StreamEndLostPrivileges:
		return "lost-privileges"
	case StreamEndFilterEmpty:
		return "filter-empty"
	case StreamEndBackfillFailed:
		return "backfill-failed"
	case StreamEndChannelDropped:
		return "channel-dropped"
	default:
		return "unknown"
	}
}

// StreamEnd is delivered once per closed/failed/completed DCP stream.
type StreamEnd struct {
	Vbid     uint16
	Reason   StreamEndReason
	StreamID uint16
}

// Rollback is delivered when a DCP_STREAM_REQ response carries
// wire.StatusRollback: the caller must roll its own bookkeeping for Vbid
// back to RollbackSeqno before the stream can be reopened.
type Rollback struct {
	Vbid          uint16
	RollbackSeqno uint64
}

// NotMyVBucket is delivered when a node responds that it no longer owns
// Vbid; the Conductor must refresh topology and reroute the stream.
type NotMyVBucket struct {
	Vbid uint16
}

// CollectionEventType enumerates the collections-manifest system events.
type CollectionEventType uint8

const (
	CollectionCreated CollectionEventType = iota
	CollectionDropped
	CollectionFlushed
	ScopeCreated
	ScopeDropped
	CollectionChanged
)

// CollectionEvent is delivered for every DCP_SYSTEM_EVENT frame.
type CollectionEvent struct {
	Vbid        uint16
	Seqno       uint64
	Type        CollectionEventType
	ManifestUID uint64
	ScopeID     uint32
	CollectionID uint32
	TTL          uint32
	TTLValid     bool
}

// ChannelDropped is delivered by a Channel to its Conductor when the
// underlying TCP connection is lost; it carries no per-vbucket detail
// because it affects every partition the channel was serving.
type ChannelDropped struct {
	NodeAddress string
	Cause       error
}

// DataHandler receives document-change events. Implementations must not
// block for long: a slow handler backs up flow control for every
// partition multiplexed onto the same channel.
type DataHandler interface {
	OnMutation(Mutation)
	OnDeletion(Deletion)
	OnExpiration(Expiration)
}

// ControlHandler receives stream-lifecycle and snapshot events.
type ControlHandler interface {
	OnSnapshotMarker(SnapshotMarker)
	OnStreamEnd(StreamEnd)
	OnRollback(Rollback)
	OnNotMyVBucket(NotMyVBucket)
}

// SystemHandler receives collection-manifest system events.
type SystemHandler interface {
	OnCollectionEvent(CollectionEvent)
}

// AckHandle wraps a release callback for one frame, generalizing
// manager.DoneDcpEvent/dcpEventPool's explicit pool-return call into a
// scoped acquisition. The Channel's dispatch does not create one: the
// DataHandler/ControlHandler/SystemHandler methods receive only the event,
// and flow-control credit is counted by the Channel as frames are read.
// A caller that layers its own buffer pool over the handlers can build
// handles with NewAckHandle.
type AckHandle struct {
	done func()
	once *sync.Once
}

// NewAckHandle wraps done, the callback that returns the frame's buffer
// and/or advances flow control once the caller is finished with it.
func NewAckHandle(done func()) AckHandle {
	return AckHandle{done: done, once: &sync.Once{}}
}

// Close releases the handle. Safe to call more than once: done runs only
// on the first call.
func (h AckHandle) Close() {
	if h.done != nil && h.once != nil {
		h.once.Do(h.done)
	}
}
