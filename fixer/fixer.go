// Package fixer implements the single-threaded recovery controller: it
// consumes channel-dropped, stream-end, rollback and not-my-vbucket events
// from an inbox, retries each affected partition on a doubling backoff
// (1s..64s), and gives up after a bounded number of attempts, logging an
// UnexpectedFailure system event when it does.
//
// Grounded on util/retry.go's Backoff/Retry pair for the retry-budget and
// backoff-reset-on-success shape, and on dcp_manager/dcp_manager_impl.go's
// receiveChan/analyseDcpEvent single-goroutine event loop for the
// inbox-driven processing model. System event logging is grounded on
// common/eventing_system_events.go's LogSystemEvent/systemeventlog wiring.
package fixer

import (
	"context"
	"net/http"
	"time"

	"github.com/couchbase/godcp/conductor"
	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/partition"
	"github.com/couchbase/goutils/systemeventlog"
	"github.com/pkg/errors"
)

// MaxReattempts bounds how many times the fixer will retry a partition's
// stream before giving up and logging UnexpectedFailure.
const MaxReattempts = 100

// eventKind discriminates the inbox's sum type.
type eventKind uint8

const (
	kindChannelDropped eventKind = iota
	kindStreamEnd
	kindRollback
	kindNotMyVBucket
)

type inboxEvent struct {
	kind     eventKind
	vbid     uint16
	streamID uint16
	dropped  events.ChannelDropped
	streamEnd events.StreamEnd
	rollback events.Rollback
}

// backlogEntry is one partition awaiting its retry deadline.
type backlogEntry struct {
	vbid     uint16
	streamID uint16
	deadline time.Time
	attempts int
}

// SystemEventSink logs an eventing_system_events-style UnexpectedFailure.
// Grounded on common.LogSystemEvent; kept as an interface here so this
// package's tests don't need a live cluster to log against.
type SystemEventSink interface {
	UnexpectedFailure(vbid uint16, attempts int, cause error)
}

// systemEventLogSink is the default SystemEventSink, backed by
// goutils/systemeventlog against a running cluster's ns_server.
type systemEventLogSink struct {
	logger systemeventlog.SystemEventLogger
}

// unexpectedFailureEventID is this client's reserved system event id for a partition giving
// up its retry budget. Real deployments should register a range with
// Couchbase the way EVENTID_CONSUMER_CRASH etc. do; this id is a
// placeholder within the unallocated block the teacher's own component
// leaves free above its own range.
const unexpectedFailureEventID systemeventlog.EventId = 5200

// NewSystemEventLogSink builds the default sink against baseNsserverURL,
// matching InitialiseSystemEventLogger's construction.
func NewSystemEventLogSink(baseNsserverURL string, onLogError func(string)) SystemEventSink {
	logger := systemeventlog.NewSystemEventLogger(
		systemeventlog.SystemEventLoggerConfig{}, baseNsserverURL,
		"godcp", http.Client{Timeout: 2 * time.Second}, onLogError)
	return &systemEventLogSink{logger: logger}
}

func (s *systemEventLogSink) UnexpectedFailure(vbid uint16, attempts int, cause error) {
	info := systemeventlog.SystemEventInfo{
		EventId:     unexpectedFailureEventID,
		Description: "DCP partition exhausted its retry budget",
	}
	se := systemeventlog.NewSystemEvent("godcp", info, systemeventlog.SEError,
		map[string]interface{}{"vbid": vbid, "attempts": attempts, "cause": cause.Error()})
	s.logger.Log(se)
}

// Fixer is the recovery controller. All state is confined to its run
// goroutine; every external interaction goes through the inbox channel.
type Fixer struct {
	co   *conductor.Conductor
	sink SystemEventSink

	inbox   chan inboxEvent
	stopped chan struct{}
}

// New builds a Fixer bound to co. Start must be called to begin processing.
func New(co *conductor.Conductor, sink SystemEventSink) *Fixer {
	return &Fixer{
		co:      co,
		sink:    sink,
		inbox:   make(chan inboxEvent, 256),
		stopped: make(chan struct{}),
	}
}

// Done returns a channel that closes once Run has returned.
func (f *Fixer) Done() <-chan struct{} { return f.stopped }

// NotifyChannelDropped enqueues recovery for every partition the dropped
// channel was serving. The caller (conductor) determines vbid membership;
// the fixer just schedules each one.
func (f *Fixer) NotifyChannelDropped(vbid uint16, streamID uint16, ev events.ChannelDropped) {
	f.inbox <- inboxEvent{kind: kindChannelDropped, vbid: vbid, streamID: streamID, dropped: ev}
}

// NotifyStreamEnd enqueues recovery only for the reasons spec.md §4.3 marks
// as requiring a reopen; every other reason is informational and logged,
// or (DISCONNECTED) simply waits for the ChannelDropped that follows.
func (f *Fixer) NotifyStreamEnd(ev events.StreamEnd) {
	switch ev.Reason {
	case events.StreamEndBackfillFailed, events.StreamEndStateChanged,
		events.StreamEndChannelDropped, events.StreamEndUnknown:
		f.inbox <- inboxEvent{kind: kindStreamEnd, vbid: ev.Vbid, streamID: ev.StreamID, streamEnd: ev}
	case events.StreamEndDisconnected:
		logging.Infof("fixer: vbucket %d stream ended (disconnected); waiting for the channel-dropped notification", ev.Vbid)
	default:
		logging.Infof("fixer: vbucket %d stream ended (%s); no action needed", ev.Vbid, ev.Reason)
	}
}

// NotifyRollback enqueues recovery for a partition that must roll back
// before its stream can reopen.
func (f *Fixer) NotifyRollback(ev events.Rollback, streamID uint16) {
	f.inbox <- inboxEvent{kind: kindRollback, vbid: ev.Vbid, streamID: streamID, rollback: ev}
}

// NotifyNotMyVBucket enqueues recovery for a partition whose owning node
// changed underneath it.
func (f *Fixer) NotifyNotMyVBucket(vbid uint16, streamID uint16) {
	f.inbox <- inboxEvent{kind: kindNotMyVBucket, vbid: vbid, streamID: streamID}
}

// Run processes the inbox and backlog until ctx is cancelled. Callers
// should run it in its own goroutine.
func (f *Fixer) Run(ctx context.Context) {
	backlog := make(map[uint16]*backlogEntry)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer close(f.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.inbox:
			f.schedule(backlog, ev)
		case <-ticker.C:
			f.drainDue(ctx, backlog)
		}
	}
}

func (f *Fixer) schedule(backlog map[uint16]*backlogEntry, ev inboxEvent) {
	if ev.kind == kindRollback {
		ps := f.co.Session().Partition(ev.vbid)
		rollbackTo(ps, ev.rollback.RollbackSeqno)
		logging.Errorf("fixer: vbucket %d rolled back to %d; disconnecting", ev.vbid, ev.rollback.RollbackSeqno)
		if err := f.co.Disconnect(); err != nil {
			logging.Errorf("fixer: disconnect after rollback failed: %v", err)
		}
		// The whole Conductor just tore down; nothing else is worth retrying.
		for vbid := range backlog {
			delete(backlog, vbid)
		}
		return
	}

	entry, ok := backlog[ev.vbid]
	if !ok {
		entry = &backlogEntry{vbid: ev.vbid, streamID: ev.streamID}
		backlog[ev.vbid] = entry
	}
	entry.deadline = time.Now()
}

// rollbackTo clamps a partition's observed seqno/snapshot back to the
// server-mandated rollback point, matching StreamPartitionState's
// rollback handling in the original client.
func rollbackTo(ps *partition.State, seqno uint64) {
	ps.ApplySnapshotMarker(seqno, seqno)
	ps.ApplyMutationSeqno(seqno)
	ps.ClearPendingStreamRequest()
}

func (f *Fixer) drainDue(ctx context.Context, backlog map[uint16]*backlogEntry) {
	now := time.Now()
	for vbid, entry := range backlog {
		if entry.deadline.After(now) {
			continue
		}
		if entry.attempts >= MaxReattempts {
			ps := f.co.Session().Partition(vbid)
			logging.Errorf("fixer: vbucket %d exhausted its retry budget after %d attempts", vbid, entry.attempts)
			f.sink.UnexpectedFailure(vbid, entry.attempts, errRetryBudgetExhausted)
			ps.SetState(partition.Disconnected)
			delete(backlog, vbid)
			continue
		}

		ps := f.co.Session().Partition(vbid)
		if err := f.co.RefreshTopology(ctx); err != nil {
			entry.attempts++
			backoff := ps.NextBackoff()
			logging.Warnf("fixer: vbucket %d topology refresh failed (attempt %d/%d): %v, next attempt in %s", vbid, entry.attempts, MaxReattempts, err, backoff)
			entry.deadline = now.Add(backoff)
			continue
		}

		filter, _ := f.co.Session().StreamFilter(entry.streamID)
		err := f.co.StartStream(ctx, vbid, filter)
		if err == nil {
			logging.Infof("fixer: vbucket %d recovered after %d attempt(s)", vbid, entry.attempts)
			ps.ResetBackoff()
			delete(backlog, vbid)
			continue
		}

		entry.attempts++
		backoff := ps.NextBackoff()
		logging.Warnf("fixer: vbucket %d retry %d/%d failed: %v, next attempt in %s", vbid, entry.attempts, MaxReattempts, err, backoff)
		entry.deadline = now.Add(backoff)
	}
}

var errRetryBudgetExhausted = errors.New("retry budget exhausted")
