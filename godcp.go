// Package godcp wires the DCP core's components — Conductor, Fixer,
// session persistence — into the single entry point a caller embeds: the
// Client. This file plays the role dcp_manager/dcp_manager.go's DcpManager
// interface plays for the teacher: the one seam application code talks
// to, everything else behind it.
package godcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couchbase/godcp/auth"
	"github.com/couchbase/godcp/channel"
	"github.com/couchbase/godcp/conductor"
	"github.com/couchbase/godcp/config"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/fixer"
	"github.com/couchbase/godcp/partition"
	"github.com/pkg/errors"
)

// Options is the full set of external parameters a Client needs.
type Options struct {
	config.Options
	ClientNamePrefix string
	TLSConfig        channel.Options // NodeAddress/ClientName/BucketName are overwritten per channel
}

// Client is the top-level DCP streaming client: it owns a Conductor (which
// owns session state and channels) and a Fixer (which watches for trouble
// and retries).
type Client struct {
	co  *conductor.Conductor
	fx  *fixer.Fixer
	opt Options

	cancel context.CancelFunc
}

// New builds a Client. Connect must be called before streaming can start.
// handlers.Control is wrapped so that stream-end, rollback and
// not-my-vbucket events also reach the Fixer's recovery loop, in addition
// to being delivered to the caller's own handler.
func New(opt Options, authP auth.Provider, topoP config.Provider, handlers channel.Handlers, sink fixer.SystemEventSink) *Client {
	chOpts := opt.TLSConfig
	chOpts.DialTimeout = opt.ConnectTimeout
	chOpts.ReadTimeout = opt.ReadTimeout
	chOpts.EnableOSO = opt.EnableOSO
	chOpts.EnableCollections = opt.EnableCollections
	chOpts.KeyOnly = opt.KeyOnly
	chOpts.EnableXattr = opt.IncludeXattr
	chOpts.NoopInterval = opt.NoopInterval
	chOpts.FlowControlEnabled = opt.FlowControlEnabled
	chOpts.FlowControlBufferSize = opt.DcpBufferSize
	chOpts.FlowControlWatermark = opt.FlowControlWatermark

	c := &Client{opt: opt}

	co := conductor.New(conductor.Options{
		BucketName:       opt.BucketName,
		ClientNamePrefix: opt.ClientNamePrefix,
		ChannelOptions:   chOpts,
	}, authP, topoP, handlers)

	fx := fixer.New(co, sink)
	co.SetDroppedVbidHandler(fx.NotifyChannelDropped)
	co.SetControlHandler(&recoveringControlHandler{inner: handlers.Control, fx: fx})

	c.co = co
	c.fx = fx
	return c
}

// recoveringControlHandler forwards every control event to the caller's
// own handler, and additionally schedules recovery with the Fixer for the
// events that mean a stream needs reopening.
type recoveringControlHandler struct {
	inner events.ControlHandler
	fx    *fixer.Fixer
}

func (h *recoveringControlHandler) OnSnapshotMarker(ev events.SnapshotMarker) {
	h.inner.OnSnapshotMarker(ev)
}

func (h *recoveringControlHandler) OnStreamEnd(ev events.StreamEnd) {
	h.fx.NotifyStreamEnd(ev)
	h.inner.OnStreamEnd(ev)
}

func (h *recoveringControlHandler) OnRollback(ev events.Rollback) {
	h.fx.NotifyRollback(ev, 0)
	h.inner.OnRollback(ev)
}

func (h *recoveringControlHandler) OnNotMyVBucket(ev events.NotMyVBucket) {
	h.fx.NotifyNotMyVBucket(ev.Vbid, 0)
	h.inner.OnNotMyVBucket(ev)
}

// Connect establishes the Conductor's initial topology and starts the
// Fixer's background recovery loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.co.Connect(ctx); err != nil {
		return errors.Wrap(err, "conductor connect")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.fx.Run(runCtx)
	return nil
}

// Disconnect stops the Fixer and tears down every channel.
func (c *Client) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
		<-c.fx.Done()
	}
	return c.co.Disconnect()
}

// StartStreamForPartition opens (or reopens) a DCP stream for vbid with
// the given collection/scope filter.
func (c *Client) StartStreamForPartition(ctx context.Context, vbid uint16, filter partition.StreamFilter) error {
	return c.co.StartStream(ctx, vbid, filter)
}

// RequestStopStream closes the DCP stream for vbid and waits for the ack.
func (c *Client) RequestStopStream(ctx context.Context, vbid uint16, streamID uint16) error {
	return c.co.StopStream(ctx, vbid, streamID)
}

// RequestFailoverLog fetches the server's authoritative failover log for
// vbid and merges it into session state.
func (c *Client) RequestFailoverLog(ctx context.Context, vbid uint16) error {
	return c.co.RequestFailoverLog(ctx, vbid)
}

// GetSeqnos fetches the current high-seqno for every vbucket served by
// anyVbid's node.
func (c *Client) GetSeqnos(ctx context.Context, anyVbid uint16) (map[uint16]uint64, error) {
	return c.co.GetSeqnos(ctx, anyVbid)
}

// Snapshot returns the persisted JSON form of session state, matching
// spec.md §6's session persistence shape.
func (c *Client) Snapshot() ([]byte, error) {
	data, err := json.Marshal(c.co.Session())
	if err != nil {
		return nil, errors.Wrap(err, "marshal session snapshot")
	}
	return data, nil
}

// Restore replaces the current session state with a previously persisted
// snapshot. Must be called after Connect (which sizes a fresh session from
// current topology) and before any stream is started.
func (c *Client) Restore(data []byte) error {
	s := &partition.Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return errors.Wrap(err, "unmarshal session snapshot")
	}
	c.co.SetSession(s)
	return nil
}

// PersistencePollInterval is the suggested cadence for callers that
// periodically snapshot and persist session state externally, matching
// config.Options.PersistencePollInterval.
func (c *Client) PersistencePollInterval() time.Duration {
	return c.opt.PersistencePollInterval
}
