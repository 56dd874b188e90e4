// Package channel implements the DCP Channel: one TCP connection to a kv
// node carrying the memcached binary protocol handshake (SASL, select
// bucket, DCP_OPEN, DCP_CONTROL, HELO) followed by a multiplexed set of DCP
// streams, one per vbucket the node owns for this client.
//
// Grounded on dcp_connection/client.go (connection lifecycle, control
// handshake) and dcp_connection/command.go (per-opcode request builders),
// generalized from the teacher's internal command/response struct pair
// into wire.Frame plus the spec's own partition/events/flowcontrol types.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/couchbase/godcp/auth"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/flowcontrol"
	"github.com/couchbase/godcp/partition"
	"github.com/couchbase/godcp/wire"
	"github.com/pkg/errors"
)

// Options configures one Channel.
type Options struct {
	NodeAddress string
	BucketName  string
	ClientName  string

	TLSConfig *tls.Config

	DialTimeout time.Duration
	ReadTimeout time.Duration

	EnableOSO         bool
	EnableCollections bool
	EnableXattr       bool
	KeyOnly           bool
	NoopInterval      time.Duration

	FlowControlEnabled   bool
	FlowControlBufferSize uint32
	FlowControlWatermark  float64
}

// Handlers bundles the user-facing callbacks a Channel dispatches decoded
// DCP frames to.
type Handlers struct {
	Data    events.DataHandler
	Control events.ControlHandler
	System  events.SystemHandler
	// Dropped is invoked at most once per connection, from the receive
	// loop's exit path, when the channel's connection is lost. It is not
	// invoked when the loop ends because the caller called Close.
	Dropped func(events.ChannelDropped)
}

// state is the Channel's own connection lifecycle, distinct from the
// per-partition partition.ConnState each vbucket tracks independently.
type state uint8

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

// Channel owns one TCP connection to a kv node and the set of vbucket
// streams multiplexed onto it.
type Channel struct {
	opts     Options
	authP    auth.Provider
	handlers Handlers

	mu                     sync.Mutex
	conn                   net.Conn
	flow                   *flowcontrol.Controller
	opaque                 uint32
	pending                map[uint32]*partition.Completion[wire.Frame]
	closed                 bool
	state                  state
	openStreams            map[uint16]uint16 // vbid -> streamID, currently open on this connection
	failoverLogPending     map[uint16]bool   // vbid -> a GetFailoverLog request is in flight
	stateFetched           bool              // true once the initial handshake has completed at least once
	lastRxMonotonic        time.Time         // updated on every frame successfully read, for staleness checks
	channelDroppedReported bool              // Dropped has already fired for this connection generation

	wg sync.WaitGroup
}

// LastReceive returns the time of the most recently read frame, zero if
// none has been read yet on the current connection.
func (c *Channel) LastReceive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRxMonotonic
}

// OpenStreamVbids returns the vbid/streamID pairs currently open on this
// channel, a snapshot safe to use after the connection has been lost (e.g.
// by a Conductor fanning a ChannelDropped notification out per-partition).
func (c *Channel) OpenStreamVbids() map[uint16]uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint16]uint16, len(c.openStreams))
	for vbid, sid := range c.openStreams {
		out[vbid] = sid
	}
	return out
}

// New builds a Channel in the disconnected state; call Connect before use.
func New(opts Options, authP auth.Provider, handlers Handlers) (*Channel, error) {
	flow, err := flowcontrol.New(opts.FlowControlEnabled,
		flowcontrol.WithBufferSize(opts.FlowControlBufferSize),
		flowcontrol.WithWatermarkPercent(opts.FlowControlWatermark))
	if err != nil {
		return nil, errors.Wrap(err, "build flow controller")
	}
	return &Channel{
		opts:               opts,
		authP:              authP,
		handlers:           handlers,
		flow:               flow,
		pending:            make(map[uint32]*partition.Completion[wire.Frame]),
		openStreams:        make(map[uint16]uint16),
		failoverLogPending: make(map[uint16]bool),
	}, nil
}

// Connect dials the kv node and performs the full handshake: SASL PLAIN
// auth, select bucket, DCP_OPEN, DCP_CONTROL, HELO. On success it starts
// the background receive loop and returns once the channel is ready to
// accept stream requests.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = stateConnecting
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	var conn net.Conn
	var err error
	if c.opts.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.opts.NodeAddress, c.opts.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.opts.NodeAddress)
	}
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return errors.Wrapf(err, "dial %s", c.opts.NodeAddress)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.state = stateConnected
	c.stateFetched = true
	c.openStreams = make(map[uint16]uint16)
	c.channelDroppedReported = false
	c.lastRxMonotonic = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(conn)
	return nil
}

func (c *Channel) handshake(conn net.Conn) error {
	user, password, err := c.authP.MemcachedCredentials(c.opts.NodeAddress)
	if err != nil {
		return errors.Wrap(err, "resolve memcached credentials")
	}
	if err := saslAuthPlain(conn, user, password); err != nil {
		return errors.Wrap(err, "sasl auth")
	}
	if err := selectBucket(conn, c.opts.BucketName); err != nil {
		return errors.Wrap(err, "select bucket")
	}

	flags := wire.DcpOpenProducer | wire.DcpOpenIncludeDeleteTimes
	if c.opts.KeyOnly {
		flags |= wire.DcpOpenNoValue
	}
	if c.opts.EnableXattr {
		flags |= wire.DcpOpenIncludeXattr
	}
	if err := dcpOpen(conn, c.opts.ClientName, flags); err != nil {
		return errors.Wrap(err, "dcp open")
	}

	ctrl := map[string]string{
		"connection_buffer_size": itoa(int(c.flow.BufferSize())),
		"enable_noop":            "true",
		"set_noop_interval":      itoa(int(c.opts.NoopInterval.Seconds())),
		"enable_stream_id":       "true",
		"enable_expiry_opcode":   "true",
	}
	if c.opts.EnableOSO {
		ctrl["enable_out_of_order_snapshots"] = "true"
	}
	for key, value := range ctrl {
		if err := dcpControl(conn, key, value); err != nil {
			return errors.Wrapf(err, "dcp control %q", key)
		}
	}

	if c.opts.EnableCollections {
		if err := helo(conn, c.opts.ClientName, wire.HeloFeatureCollections, wire.HeloFeatureXError); err != nil {
			return errors.Wrap(err, "helo")
		}
	}
	return nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// Close tears down the connection and cancels every in-flight request.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = stateDisconnected
	c.channelDroppedReported = true
	conn := c.conn
	pending := c.pending
	c.pending = make(map[uint32]*partition.Completion[wire.Frame])
	c.mu.Unlock()

	for _, p := range pending {
		p.Cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) nextOpaque() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opaque++
	return c.opaque
}

// request transmits fr and waits for the matching response, keyed on
// opaque, mirroring the teacher's per-call recvChannel dispatch but backed
// by partition.Completion instead of an unbuffered channel per call.
func (c *Channel) request(ctx context.Context, fr wire.Frame) (wire.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Frame{}, errors.New("channel closed")
	}
	conn := c.conn
	completion := partition.NewCompletion[wire.Frame]()
	c.pending[fr.Opaque] = completion
	c.mu.Unlock()

	if err := fr.Transmit(conn); err != nil {
		c.mu.Lock()
		delete(c.pending, fr.Opaque)
		c.mu.Unlock()
		return wire.Frame{}, errors.Wrap(err, "transmit request")
	}

	return completion.Wait(ctx)
}

// ErrRollback is returned by OpenStream when the server's DCP_STREAM_REQ
// response carried status ROLLBACK. OnRollback has already been dispatched
// to the caller's control handler by the time this returns; the caller
// must treat the stream as not open, not as a success.
var ErrRollback = errors.New("dcp: stream rolled back")

// OpenStream issues a DCP_STREAM_REQ for req and returns once the server's
// initial response (success/rollback/not-my-vbucket) arrives. Subsequent
// events for the stream (snapshot markers, mutations, stream end) are
// delivered asynchronously through Handlers.
// OpenStream issues the DCP_STREAM_REQ and returns the server's failover
// log on success. The conductor owns merging that into the partition's
// authoritative state; the channel only decodes the wire response.
func (c *Channel) OpenStream(ctx context.Context, req partition.StreamRequest, filterBody []byte) ([]wire.FailoverEntry, error) {
	opaque := c.nextOpaque()
	fr := wire.Frame{
		Magic:   wire.MagicReqFlex,
		Opcode:  wire.OpDcpStreamReq,
		Vbucket: req.Vbid,
		Opaque:  opaque,
		Extras:  wire.StreamRequestExtras(0, req.StartSeqno, req.EndSeqno, req.VBUUID, req.SnapStart, req.SnapEnd),
		Body:    filterBody,
	}
	if req.StreamID != 0 {
		fr.FramingExtras = wire.StreamIDFramingExtras(req.StreamID)
	}

	resp, err := c.request(ctx, fr)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case wire.StatusSuccess:
		c.mu.Lock()
		c.openStreams[req.Vbid] = req.StreamID
		c.mu.Unlock()
		return wire.DecodeFailoverLog(resp.Body)
	case wire.StatusRollback:
		var rollbackSeqno uint64
		if len(resp.Body) >= 8 {
			rollbackSeqno = beUint64(resp.Body)
		}
		c.handlers.Control.OnRollback(events.Rollback{Vbid: req.Vbid, RollbackSeqno: rollbackSeqno})
		return nil, ErrRollback
	case wire.StatusNotMyVBucket:
		c.handlers.Control.OnNotMyVBucket(events.NotMyVBucket{Vbid: req.Vbid})
		return nil, errors.New("not my vbucket")
	default:
		return nil, errors.Errorf("stream request failed: status 0x%02x", resp.Status)
	}
}

// CloseStream issues a DCP_CLOSE_STREAM for vbid/streamID and waits for the
// ack.
func (c *Channel) CloseStream(ctx context.Context, vbid uint16, streamID uint16) error {
	opaque := c.nextOpaque()
	fr := wire.Frame{
		Magic:   wire.MagicReqFlex,
		Opcode:  wire.OpDcpCloseStream,
		Vbucket: vbid,
		Opaque:  opaque,
	}
	if streamID != 0 {
		fr.FramingExtras = wire.StreamIDFramingExtras(streamID)
	}
	_, err := c.request(ctx, fr)
	c.mu.Lock()
	delete(c.openStreams, vbid)
	c.mu.Unlock()
	return err
}

// GetFailoverLog fetches the server's authoritative failover log for vbid.
func (c *Channel) GetFailoverLog(ctx context.Context, vbid uint16) ([]wire.FailoverEntry, error) {
	c.mu.Lock()
	c.failoverLogPending[vbid] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.failoverLogPending, vbid)
		c.mu.Unlock()
	}()

	fr := wire.Frame{
		Magic:   wire.MagicReq,
		Opcode:  wire.OpDcpGetFailoverLog,
		Vbucket: vbid,
		Opaque:  c.nextOpaque(),
	}
	resp, err := c.request(ctx, fr)
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusSuccess {
		return nil, errors.Errorf("get failover log failed: status 0x%02x", resp.Status)
	}
	return wire.DecodeFailoverLog(resp.Body)
}

// GetSeqnos fetches the current high-seqno for every vbucket this node
// serves.
func (c *Channel) GetSeqnos(ctx context.Context) (map[uint16]uint64, error) {
	fr := wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpGetAllVBSeqnos,
		Opaque: c.nextOpaque(),
	}
	resp, err := c.request(ctx, fr)
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusSuccess {
		return nil, errors.Errorf("get all vb seqnos failed: status 0x%02x", resp.Status)
	}
	return wire.DecodeVBSeqnos(resp.Body)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// receiveLoop reads frames until the connection dies, dispatching each to
// handleFrame. On exit it reports the drop to handlers.Dropped exactly
// once, matching the teacher's requirement that CloseDcpConsumer/losing the
// socket is a single terminal event per connection generation.
//
// Each read carries a deadline derived from ReadTimeout, grounded on
// consumer/handle_messages.go's c.conn.SetReadDeadline(time.Now().Add(
// c.socketTimeout)) pattern. The server's own DCP noop traffic (enabled
// during the handshake) keeps the deadline from tripping on a healthy but
// quiet connection; a real stall surfaces as an ordinary read error here,
// same as any other transport failure.
func (c *Channel) receiveLoop(conn net.Conn) {
	defer c.wg.Done()

	hdrBuf := make([]byte, wire.HeaderLen)
	var cause error
	for {
		if c.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		var fr wire.Frame
		if _, err := fr.Receive(conn, hdrBuf); err != nil {
			cause = err
			break
		}
		c.mu.Lock()
		c.lastRxMonotonic = time.Now()
		c.mu.Unlock()
		ackBytes := c.handleFrame(fr)
		if ackBytes > 0 {
			if ackDue, total := c.flow.Record(ackBytes); ackDue {
				if err := c.sendBufferAck(conn, total); err != nil {
					cause = err
					break
				}
				c.flow.Reset()
			}
		}
	}

	c.mu.Lock()
	alreadyReported := c.channelDroppedReported
	c.channelDroppedReported = true
	c.closed = true
	c.state = stateDisconnected
	pending := c.pending
	c.pending = make(map[uint32]*partition.Completion[wire.Frame])
	c.mu.Unlock()

	for _, p := range pending {
		p.Fail(cause)
	}

	if !alreadyReported && c.handlers.Dropped != nil {
		c.handlers.Dropped(events.ChannelDropped{NodeAddress: c.opts.NodeAddress, Cause: cause})
	}
}

func (c *Channel) sendBufferAck(conn io.Writer, totalBytes uint32) error {
	fr := wire.Frame{
		Magic:  wire.MagicReq,
		Opcode: wire.OpDcpBufferAck,
		Extras: beUint32Bytes(totalBytes),
	}
	return fr.Transmit(conn)
}

func beUint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// handleFrame dispatches one received frame, returning the byte count to
// feed to flow control (0 for frames that don't count against the buffer
// budget, such as responses to our own requests).
func (c *Channel) handleFrame(fr wire.Frame) uint32 {
	if fr.Magic == wire.MagicRes || fr.Magic == wire.MagicResFlex {
		c.mu.Lock()
		completion, ok := c.pending[fr.Opaque]
		if ok {
			delete(c.pending, fr.Opaque)
		}
		c.mu.Unlock()
		if ok {
			completion.Fulfill(fr)
		}
		return 0
	}

	size := uint32(wire.HeaderLen + len(fr.FramingExtras) + len(fr.Extras) + len(fr.Key) + len(fr.Body))

	switch fr.Opcode {
	case wire.OpDcpMutation:
		c.handleMutation(fr)
	case wire.OpDcpDeletion:
		c.handleDeletion(fr)
	case wire.OpDcpExpiration:
		c.handleExpiration(fr)
	case wire.OpDcpSnapshotMarker:
		c.handleSnapshotMarker(fr)
	case wire.OpDcpStreamEnd:
		c.handleStreamEnd(fr)
	case wire.OpDcpSystemEvent:
		c.handleSystemEvent(fr)
	case wire.OpDcpOSOSnapshot:
		c.handleOSOSnapshot(fr)
	case wire.OpDcpNoop:
		c.handleNoop(fr)
	}
	return size
}

func (c *Channel) handleNoop(fr wire.Frame) {
	resp := wire.Frame{Magic: wire.MagicRes, Opcode: wire.OpDcpNoop, Opaque: fr.Opaque}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		resp.Transmit(conn)
	}
}

func (c *Channel) streamIDOf(fr wire.Frame) uint16 {
	if len(fr.FramingExtras) >= 3 {
		return uint16(fr.FramingExtras[1])<<8 | uint16(fr.FramingExtras[2])
	}
	return 0
}

func (c *Channel) handleMutation(fr wire.Frame) {
	key, collectionID := wire.DecodeCollectionKey(fr.Key)
	c.handlers.Data.OnMutation(events.Mutation{
		Vbid:         fr.Vbucket,
		Key:          key,
		Value:        fr.Body,
		Cas:          fr.Cas,
		CollectionID: collectionID,
		StreamID:     c.streamIDOf(fr),
		Seqno:        extrasSeqno(fr.Extras),
	})
}

func (c *Channel) handleDeletion(fr wire.Frame) {
	key, collectionID := wire.DecodeCollectionKey(fr.Key)
	c.handlers.Data.OnDeletion(events.Deletion{
		Vbid:         fr.Vbucket,
		Key:          key,
		Value:        fr.Body,
		Cas:          fr.Cas,
		CollectionID: collectionID,
		StreamID:     c.streamIDOf(fr),
		Seqno:        extrasSeqno(fr.Extras),
	})
}

func (c *Channel) handleExpiration(fr wire.Frame) {
	key, collectionID := wire.DecodeCollectionKey(fr.Key)
	c.handlers.Data.OnExpiration(events.Expiration{
		Vbid:         fr.Vbucket,
		Key:          key,
		Cas:          fr.Cas,
		CollectionID: collectionID,
		StreamID:     c.streamIDOf(fr),
		Seqno:        extrasSeqno(fr.Extras),
	})
}

func extrasSeqno(extras []byte) uint64 {
	if len(extras) < 8 {
		return 0
	}
	return beUint64(extras)
}

func (c *Channel) handleSnapshotMarker(fr wire.Frame) {
	marker, err := wire.DecodeSnapshotMarker(fr.Extras)
	if err != nil {
		return
	}
	c.handlers.Control.OnSnapshotMarker(events.SnapshotMarker{
		Vbid:       fr.Vbucket,
		StartSeqno: marker.StartSeqno,
		EndSeqno:   marker.EndSeqno,
		StreamID:   c.streamIDOf(fr),
	})
}

func (c *Channel) handleOSOSnapshot(fr wire.Frame) {
	const osoBeginFlag = 0x01
	begin := len(fr.Extras) >= 4 && fr.Extras[3]&osoBeginFlag != 0
	c.handlers.Control.OnSnapshotMarker(events.SnapshotMarker{
		Vbid:     fr.Vbucket,
		OSO:      true,
		OSOBegin: begin,
		StreamID: c.streamIDOf(fr),
	})
}

func (c *Channel) handleStreamEnd(fr wire.Frame) {
	c.handlers.Control.OnStreamEnd(events.StreamEnd{
		Vbid:     fr.Vbucket,
		Reason:   streamEndReasonFromWire(wire.DecodeStreamEndReason(fr.Extras)),
		StreamID: c.streamIDOf(fr),
	})
}

func streamEndReasonFromWire(reason wire.StreamEndStatus) events.StreamEndReason {
	switch reason {
	case wire.StreamEndOK:
		return events.StreamEndOK
	case wire.StreamEndClosed:
		return events.StreamEndClosed
	case wire.StreamEndStateChanged:
		return events.StreamEndStateChanged
	case wire.StreamEndDisconnected:
		return events.StreamEndDisconnected
	case wire.StreamEndTooSlow:
		return events.StreamEndTooSlow
	case wire.StreamEndBackfillFail:
		return events.StreamEndBackfillFailed
	case wire.StreamEndFilterEmpty:
		return events.StreamEndFilterEmpty
	case wire.StreamEndLostPrivileges:
		return events.StreamEndLostPrivileges
	default:
		return events.StreamEndUnknown
	}
}

func (c *Channel) handleSystemEvent(fr wire.Frame) {
	ev, err := wire.DecodeSystemEvent(fr.Extras, fr.Body)
	if err != nil {
		return
	}
	c.handlers.System.OnCollectionEvent(events.CollectionEvent{
		Vbid:         fr.Vbucket,
		Seqno:        ev.Seqno,
		Type:         collectionEventType(ev.Type),
		ManifestUID:  ev.ManifestUID,
		ScopeID:      ev.ScopeID,
		CollectionID: ev.CollectionID,
		TTL:          ev.TTL,
		TTLValid:     ev.TTLValid,
	})
}

func collectionEventType(t wire.SystemEventType) events.CollectionEventType {
	switch t {
	case wire.SystemEventCollectionCreate:
		return events.CollectionCreated
	case wire.SystemEventCollectionDrop:
		return events.CollectionDropped
	case wire.SystemEventCollectionFlush:
		return events.CollectionFlushed
	case wire.SystemEventScopeCreate:
		return events.ScopeCreated
	case wire.SystemEventScopeDrop:
		return events.ScopeDropped
	default:
		return events.CollectionChanged
	}
}
