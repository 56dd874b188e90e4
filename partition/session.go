package partition

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// StreamFilter is the collection/scope selector a caller registered for one
// DCP stream id, kept alongside the partitions so a reconnect can reopen
// every stream with its original filter.
type StreamFilter struct {
	StreamID     uint16
	ManifestUID  string
	ScopeID      string
	CollectionIDs []string
}

// PrimaryCollectionID returns the filter's single collection id as a
// uint32, for StreamRequest.CollectionID, or zero when the filter targets
// more than one collection (or none by id), matching spec.md §3's
// collection_id field on the Stream Request tuple.
func (f StreamFilter) PrimaryCollectionID() uint32 {
	if len(f.CollectionIDs) != 1 {
		return 0
	}
	id, err := strconv.ParseUint(f.CollectionIDs[0], 16, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}

// Session is the fixed-size array of per-vbucket State plus the set of
// active stream filters, matching the session-state persistence shape
// spec.md §6 names: one partition slot per vbucket index, never resized
// after construction.
type Session struct {
	partitions []*State
	streams    map[uint16]StreamFilter
}

// NewSession builds session state for numVbuckets partitions, each starting
// Disconnected with an empty failover log.
func NewSession(numVbuckets uint16) *Session {
	ss := &Session{
		partitions: make([]*State, numVbuckets),
		streams:    make(map[uint16]StreamFilter),
	}
	for i := range ss.partitions {
		ss.partitions[i] = New(uint16(i))
	}
	return ss
}

// NumVbuckets returns the fixed partition count.
func (ss *Session) NumVbuckets() int { return len(ss.partitions) }

// Partition returns the state for vbid. It panics on an out-of-range vbid,
// the same contract the original client's fixed array gives: vbid is always
// derived from the cluster's own vbucket map, never user input.
func (ss *Session) Partition(vbid uint16) *State {
	return ss.partitions[vbid]
}

// All returns every partition's state, indexed by vbid.
func (ss *Session) All() []*State {
	return ss.partitions
}

// RegisterStream records the filter used to open streamID, so a reconnect
// can reissue the same DCP_STREAM_REQ shape on every affected partition.
func (ss *Session) RegisterStream(f StreamFilter) {
	ss.streams[f.StreamID] = f
}

// UnregisterStream drops a closed stream's filter.
func (ss *Session) UnregisterStream(streamID uint16) {
	delete(ss.streams, streamID)
}

// StreamFilter returns the registered filter for streamID, if any.
func (ss *Session) StreamFilter(streamID uint16) (StreamFilter, bool) {
	f, ok := ss.streams[streamID]
	return f, ok
}

// Streams returns every currently registered stream filter.
func (ss *Session) Streams() []StreamFilter {
	out := make([]StreamFilter, 0, len(ss.streams))
	for _, f := range ss.streams {
		out = append(out, f)
	}
	return out
}

type partitionSnapshot struct {
	Vbid        uint16          `json:"vbid"`
	MaxSeq      uint64          `json:"maxSeq"`
	UUID        uint64          `json:"uuid"`
	Seqno       uint64          `json:"seqno"`
	State       uint8           `json:"state"`
	FailoverLog []FailoverEntry `json:"failoverLog"`
}

type streamSnapshot struct {
	StreamID      uint16   `json:"streamId"`
	ManifestUID   string   `json:"manifestUid,omitempty"`
	ScopeID       string   `json:"scopeId,omitempty"`
	CollectionIDs []string `json:"collectionIds,omitempty"`
}

type sessionSnapshot struct {
	Partitions []partitionSnapshot `json:"partitions"`
	Streams    []streamSnapshot    `json:"streams"`
}

// MarshalJSON renders the session in the persisted shape spec.md §6 names:
// one entry per partition with its failover log, plus the active stream
// filters, matching PartitionState.toMap in the original client.
func (ss *Session) MarshalJSON() ([]byte, error) {
	snap := sessionSnapshot{
		Partitions: make([]partitionSnapshot, len(ss.partitions)),
		Streams:    make([]streamSnapshot, 0, len(ss.streams)),
	}
	for i, ps := range ss.partitions {
		snap.Partitions[i] = partitionSnapshot{
			Vbid:        ps.Vbid,
			MaxSeq:      ps.CurrentVBucketSeqnoInMaster(),
			UUID:        ps.CurrentVBUUID(),
			Seqno:       ps.Seqno(),
			State:       uint8(ps.ConnState()),
			FailoverLog: ps.FailoverLog(),
		}
	}
	for _, f := range ss.streams {
		snap.Streams = append(snap.Streams, streamSnapshot{
			StreamID:      f.StreamID,
			ManifestUID:   f.ManifestUID,
			ScopeID:       f.ScopeID,
			CollectionIDs: f.CollectionIDs,
		})
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores a session from its persisted shape. The partition
// count is taken from the snapshot, not from any prior state of ss.
func (ss *Session) UnmarshalJSON(data []byte) error {
	var snap sessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "unmarshal session state")
	}

	ss.partitions = make([]*State, len(snap.Partitions))
	for i, p := range snap.Partitions {
		ps := New(p.Vbid)
		ps.seqno.Store(p.Seqno)
		ps.curSeqnoInMaster.Store(p.MaxSeq)
		ps.connState.Store(uint32(p.State))
		ps.ReplaceFailoverLog(p.FailoverLog)
		ss.partitions[i] = ps
	}

	ss.streams = make(map[uint16]StreamFilter, len(snap.Streams))
	for _, s := range snap.Streams {
		ss.streams[s.StreamID] = StreamFilter{
			StreamID:      s.StreamID,
			ManifestUID:   s.ManifestUID,
			ScopeID:       s.ScopeID,
			CollectionIDs: s.CollectionIDs,
		}
	}
	return nil
}
