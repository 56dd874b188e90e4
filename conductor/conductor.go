// Package conductor implements the orchestrator that owns the session
// state for every vbucket, lazily opens one Channel per kv node, and routes
// stream requests to the channel currently responsible for each vbucket.
//
// Grounded on dcp_manager/dcp_manager_impl.go's manager type: its
// consumers map (node address -> DcpConsumer, built lazily under a lock,
// copy-on-write on insert) and getDcpConsumerForVb's create-on-miss
// pattern are adapted directly; client-name generation swaps the teacher's
// time-seeded math/rand counter for github.com/google/uuid, grounded on
// couchbase-goxdcr's direct use of that package for the same purpose.
package conductor

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/godcp/auth"
	"github.com/couchbase/godcp/channel"
	"github.com/couchbase/godcp/config"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/partition"
	"github.com/couchbase/godcp/wire"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

// Metrics registered against metrics.DefaultRegistry, polled by a caller's
// own reporter the way a production deployment would scrape go-metrics
// exported values. Grounded on the rest of the example pack's use of
// github.com/rcrowley/go-metrics for process-level counters.
var (
	channelsOpened = metrics.GetOrRegisterCounter("godcp.conductor.channels_opened", nil)
	channelsDropped = metrics.GetOrRegisterCounter("godcp.conductor.channels_dropped", nil)
	streamsStarted  = metrics.GetOrRegisterCounter("godcp.conductor.streams_started", nil)
	openChannels    = metrics.GetOrRegisterGauge("godcp.conductor.open_channels", nil)
)

// Options configures a Conductor.
type Options struct {
	BucketName        string
	ClientNamePrefix   string
	ChannelOptions     channel.Options // template; NodeAddress is overwritten per channel
	StreamIDCounter    uint16
}

// Conductor is the top-level entry point: it owns the Session, the
// topology Provider, and the live set of Channels.
type Conductor struct {
	opts    Options
	authP   auth.Provider
	topoP   config.Provider
	session *partition.Session

	handlers channel.Handlers

	mu       sync.Mutex
	channels map[string]*channel.Channel // node address -> channel
	closed   bool

	// droppedVbid, if set, is invoked once per affected partition when the
	// channel serving it is lost, after the channel's own open-stream
	// bookkeeping has been consulted to find which vbids that was.
	droppedVbid func(vbid uint16, streamID uint16, ev events.ChannelDropped)
}

// SetDroppedVbidHandler installs the per-partition fan-out callback
// wrapHandlers invokes when a channel drops. Must be called before Connect.
func (co *Conductor) SetDroppedVbidHandler(fn func(vbid uint16, streamID uint16, ev events.ChannelDropped)) {
	co.droppedVbid = fn
}

// SetControlHandler replaces the Control handler every future channel is
// built with. Callers that need their own handler wrapped by something that
// requires the Conductor to already exist (godcp.New's Fixer-recovery
// wrapper, which closes over a *fixer.Fixer built from this Conductor) call
// this instead of passing the final handler into New. Must be called before
// Connect; wrapHandlers only runs when a channel is first opened.
func (co *Conductor) SetControlHandler(h events.ControlHandler) {
	co.handlers.Control = h
}

// New builds a Conductor. Connect must be called before streams can be
// opened.
func New(opts Options, authP auth.Provider, topoP config.Provider, handlers channel.Handlers) *Conductor {
	return &Conductor{
		opts:     opts,
		authP:    authP,
		topoP:    topoP,
		handlers: handlers,
		channels: make(map[string]*channel.Channel),
	}
}

// Connect fetches the initial topology and sizes the session state to the
// bucket's vbucket count.
func (co *Conductor) Connect(ctx context.Context) error {
	topo, err := co.topoP.Refresh(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch initial topology")
	}
	co.session = partition.NewSession(uint16(topo.NumVbuckets))
	return nil
}

// Session returns the conductor's session state.
func (co *Conductor) Session() *partition.Session { return co.session }

// SetSession replaces the conductor's session state wholesale, used to
// restore a previously persisted snapshot. Must be called before any
// stream is started.
func (co *Conductor) SetSession(s *partition.Session) { co.session = s }

// RefreshTopology forces a new topology fetch and updates the Provider's
// cached snapshot, used by the Fixer before re-routing a stream whose
// owning node may have changed (rebalance, NOT_MY_VBUCKET), per spec.md
// §4.3's "refresh CP" step preceding every such recovery.
func (co *Conductor) RefreshTopology(ctx context.Context) error {
	_, err := co.topoP.Refresh(ctx)
	return err
}

// channelForVbid returns the channel currently responsible for vbid,
// opening and connecting a new one if this is the first request routed to
// its node, matching manager.getDcpConsumerForVb's create-on-miss pattern.
func (co *Conductor) channelForVbid(ctx context.Context, vbid uint16) (*channel.Channel, error) {
	topo, err := co.topoP.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch topology snapshot")
	}
	node, ok := topo.VbucketNode[vbid]
	if !ok {
		return nil, errors.Errorf("no owning node known for vbucket %d", vbid)
	}

	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return nil, errors.New("conductor closed")
	}
	ch, ok := co.channels[node]
	co.mu.Unlock()
	if ok {
		return ch, nil
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	if co.closed {
		return nil, errors.New("conductor closed")
	}
	if ch, ok = co.channels[node]; ok {
		return ch, nil
	}

	chOpts := co.opts.ChannelOptions
	chOpts.NodeAddress = node
	chOpts.BucketName = co.opts.BucketName
	chOpts.ClientName = fmt.Sprintf("%s:%s_%s", co.opts.ClientNamePrefix, node, uuid.NewString())

	var chPtr *channel.Channel
	ch, err = channel.New(chOpts, co.authP, co.wrapHandlers(node, &chPtr))
	if err != nil {
		return nil, errors.Wrapf(err, "build channel for %s", node)
	}
	chPtr = ch
	logging.Infof("conductor: opening channel to %s for bucket %s", node, co.opts.BucketName)
	if err := ch.Connect(ctx); err != nil {
		logging.Errorf("conductor: connect to %s failed: %v", node, err)
		return nil, errors.Wrapf(err, "connect channel for %s", node)
	}

	co.channels[node] = ch
	channelsOpened.Inc(1)
	openChannels.Update(int64(len(co.channels)))
	return ch, nil
}

// stateUpdatingDataHandler applies the demultiplexer's PS.seqno update
// (respecting OSO accumulation inside partition.State itself) before
// forwarding each document-change event to the caller's own handler, per
// spec.md §4.1's demux table.
type stateUpdatingDataHandler struct {
	co    *Conductor
	inner events.DataHandler
}

func (h *stateUpdatingDataHandler) OnMutation(ev events.Mutation) {
	h.co.session.Partition(ev.Vbid).ApplyMutationSeqno(ev.Seqno)
	if h.inner != nil {
		h.inner.OnMutation(ev)
	}
}

func (h *stateUpdatingDataHandler) OnDeletion(ev events.Deletion) {
	h.co.session.Partition(ev.Vbid).ApplyMutationSeqno(ev.Seqno)
	if h.inner != nil {
		h.inner.OnDeletion(ev)
	}
}

func (h *stateUpdatingDataHandler) OnExpiration(ev events.Expiration) {
	h.co.session.Partition(ev.Vbid).ApplyMutationSeqno(ev.Seqno)
	if h.inner != nil {
		h.inner.OnExpiration(ev)
	}
}

// stateUpdatingControlHandler applies snapshot-window and out-of-order
// transitions to the owning partition before forwarding to the caller's
// own handler. Rollback/NotMyVBucket/StreamEnd carry no direct PS update of
// their own here: rollback's clamp happens in fixer.rollbackTo once the
// Fixer has dequeued the event, and StreamEnd/NotMyVBucket only ever change
// PS.state once a new stream request actually goes out.
type stateUpdatingControlHandler struct {
	co    *Conductor
	inner events.ControlHandler
}

func (h *stateUpdatingControlHandler) OnSnapshotMarker(ev events.SnapshotMarker) {
	ps := h.co.session.Partition(ev.Vbid)
	switch {
	case ev.OSO && ev.OSOBegin:
		ps.BeginOutOfOrder()
	case ev.OSO:
		ps.EndOutOfOrder()
	default:
		ps.ApplySnapshotMarker(ev.StartSeqno, ev.EndSeqno)
	}
	if h.inner != nil {
		h.inner.OnSnapshotMarker(ev)
	}
}

func (h *stateUpdatingControlHandler) OnStreamEnd(ev events.StreamEnd) {
	if h.inner != nil {
		h.inner.OnStreamEnd(ev)
	}
}

func (h *stateUpdatingControlHandler) OnRollback(ev events.Rollback) {
	if h.inner != nil {
		h.inner.OnRollback(ev)
	}
}

func (h *stateUpdatingControlHandler) OnNotMyVBucket(ev events.NotMyVBucket) {
	if h.inner != nil {
		h.inner.OnNotMyVBucket(ev)
	}
}

// stateUpdatingSystemHandler records the manifest uid and advances PS.seqno
// for collection system events before forwarding, per spec.md §4.1's
// SYSTEM_EVENT row.
type stateUpdatingSystemHandler struct {
	co    *Conductor
	inner events.SystemHandler
}

func (h *stateUpdatingSystemHandler) OnCollectionEvent(ev events.CollectionEvent) {
	ps := h.co.session.Partition(ev.Vbid)
	ps.ApplyMutationSeqno(ev.Seqno)
	ps.SetManifestUID(ev.ManifestUID)
	if h.inner != nil {
		h.inner.OnCollectionEvent(ev)
	}
}

// wrapHandlers inserts the state-updating layer in front of the caller's
// Data/Control/System handlers so every demultiplexed frame updates its
// partition's state before the caller sees it, and intercepts the
// channel's drop notification to do conductor-level bookkeeping (remove
// the dead channel so the next request reopens it, and look up which
// vbids the dead channel was serving) before forwarding the caller's own
// Dropped callback, if any. chPtr is filled in by the caller once the
// Channel exists, since the handler closure has to be built before
// channel.New returns the value it ends up reading.
func (co *Conductor) wrapHandlers(node string, chPtr **channel.Channel) channel.Handlers {
	h := co.handlers
	h.Data = &stateUpdatingDataHandler{co: co, inner: h.Data}
	h.Control = &stateUpdatingControlHandler{co: co, inner: h.Control}
	h.System = &stateUpdatingSystemHandler{co: co, inner: h.System}

	userDropped := h.Dropped
	h.Dropped = func(ev events.ChannelDropped) {
		logging.Warnf("conductor: channel to %s dropped: %v", node, ev.Cause)
		channelsDropped.Inc(1)
		co.mu.Lock()
		if existing, ok := co.channels[node]; ok && existing != nil {
			delete(co.channels, node)
		}
		openChannels.Update(int64(len(co.channels)))
		co.mu.Unlock()

		if ch := *chPtr; ch != nil {
			for vbid, streamID := range ch.OpenStreamVbids() {
				co.session.Partition(vbid).SetState(partition.Disconnected)
				if co.droppedVbid != nil {
					co.droppedVbid(vbid, streamID, ev)
				}
			}
		}
		if userDropped != nil {
			userDropped(ev)
		}
	}
	return h
}

// StartStream opens (or reopens) the DCP stream for vbid, building the
// request from its partition's own current state.
func (co *Conductor) StartStream(ctx context.Context, vbid uint16, filter partition.StreamFilter) error {
	ps := co.session.Partition(vbid)
	req := ps.PrepareNextStreamRequest()
	req.StreamID = filter.StreamID
	req.CollectionID = filter.PrimaryCollectionID()

	ch, err := co.channelForVbid(ctx, vbid)
	if err != nil {
		ps.ClearPendingStreamRequest()
		return err
	}

	filterBody, err := (wire.StreamRequestFilter{
		ManifestUID:   filter.ManifestUID,
		ScopeID:       filter.ScopeID,
		CollectionIDs: filter.CollectionIDs,
		StreamID:      filter.StreamID,
	}).Encode()
	if err != nil {
		ps.ClearPendingStreamRequest()
		return err
	}

	ps.SetState(partition.Connecting)
	log, err := ch.OpenStream(ctx, *req, filterBody)
	if err != nil {
		ps.SetState(partition.Disconnected)
		return err
	}
	if log != nil {
		entries := make([]partition.FailoverEntry, len(log))
		for i, e := range log {
			entries[i] = partition.FailoverEntry{VBUUID: e.VBUUID, Seqno: e.Seqno}
		}
		ps.ReplaceFailoverLog(entries)
	}
	ps.SetState(partition.Connected)
	ps.ResetBackoff()
	co.session.RegisterStream(filter)
	streamsStarted.Inc(1)
	return nil
}

// StopStream closes the DCP stream for vbid on whichever channel currently
// owns it.
func (co *Conductor) StopStream(ctx context.Context, vbid uint16, streamID uint16) error {
	ps := co.session.Partition(vbid)
	ps.SetState(partition.Disconnecting)
	defer ps.SetState(partition.Disconnected)

	ch, err := co.channelForVbid(ctx, vbid)
	if err != nil {
		return err
	}
	if err := ch.CloseStream(ctx, vbid, streamID); err != nil {
		return err
	}
	co.session.UnregisterStream(streamID)
	return nil
}

// RequestFailoverLog fetches and merges the authoritative failover log for
// vbid into its partition state.
func (co *Conductor) RequestFailoverLog(ctx context.Context, vbid uint16) error {
	ch, err := co.channelForVbid(ctx, vbid)
	if err != nil {
		return err
	}
	log, err := ch.GetFailoverLog(ctx, vbid)
	if err != nil {
		return err
	}
	entries := make([]partition.FailoverEntry, len(log))
	for i, e := range log {
		entries[i] = partition.FailoverEntry{VBUUID: e.VBUUID, Seqno: e.Seqno}
	}
	co.session.Partition(vbid).ReplaceFailoverLog(entries)
	return nil
}

// GetSeqnos fetches current high-seqnos for every vbucket owned by the node
// currently serving vbid's channel, and advances each partition's observed
// master seqno under the max-wins rule.
func (co *Conductor) GetSeqnos(ctx context.Context, anyVbid uint16) (map[uint16]uint64, error) {
	ch, err := co.channelForVbid(ctx, anyVbid)
	if err != nil {
		return nil, err
	}
	seqnos, err := ch.GetSeqnos(ctx)
	if err != nil {
		return nil, err
	}
	for vbid, seqno := range seqnos {
		if int(vbid) < co.session.NumVbuckets() {
			co.session.Partition(vbid).AdvanceCurrentVBucketSeqnoInMaster(seqno)
		}
	}
	return seqnos, nil
}

// Disconnect tears down every channel.
func (co *Conductor) Disconnect() error {
	co.mu.Lock()
	co.closed = true
	channels := co.channels
	co.channels = make(map[string]*channel.Channel)
	co.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
