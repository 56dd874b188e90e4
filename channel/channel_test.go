package channel

import (
	"context"
	"net"
	"testing"

	"github.com/couchbase/godcp/events"
	"github.com/couchbase/godcp/partition"
	"github.com/couchbase/godcp/wire"
)

type recordingDataHandler struct {
	mutations []events.Mutation
}

func (r *recordingDataHandler) OnMutation(m events.Mutation)     { r.mutations = append(r.mutations, m) }
func (r *recordingDataHandler) OnDeletion(events.Deletion)       {}
func (r *recordingDataHandler) OnExpiration(events.Expiration)   {}

type recordingControlHandler struct {
	markers   []events.SnapshotMarker
	ends      []events.StreamEnd
	rollbacks []events.Rollback
}

func (r *recordingControlHandler) OnSnapshotMarker(m events.SnapshotMarker) { r.markers = append(r.markers, m) }
func (r *recordingControlHandler) OnStreamEnd(e events.StreamEnd)           { r.ends = append(r.ends, e) }
func (r *recordingControlHandler) OnRollback(e events.Rollback)             { r.rollbacks = append(r.rollbacks, e) }
func (r *recordingControlHandler) OnNotMyVBucket(events.NotMyVBucket)       {}

type recordingSystemHandler struct {
	events []events.CollectionEvent
}

func (r *recordingSystemHandler) OnCollectionEvent(e events.CollectionEvent) {
	r.events = append(r.events, e)
}

func TestHandleMutationDecodesCollectionKey(t *testing.T) {
	data := &recordingDataHandler{}
	ch := &Channel{handlers: Handlers{Data: data}}

	key := wire.EncodeCollectionKey([]byte("doc1"), 9)
	extras := make([]byte, 16)
	extras[7] = 42 // seqno low byte

	fr := wire.Frame{
		Vbucket: 3,
		Key:     key,
		Extras:  extras,
		Body:    []byte("value"),
	}
	ch.handleMutation(fr)

	if len(data.mutations) != 1 {
		t.Fatalf("got %d mutations, want 1", len(data.mutations))
	}
	got := data.mutations[0]
	if string(got.Key) != "doc1" || got.CollectionID != 9 {
		t.Fatalf("decoded key/collection = %q/%d, want doc1/9", got.Key, got.CollectionID)
	}
	if got.Seqno != 42 {
		t.Fatalf("seqno = %d, want 42", got.Seqno)
	}
}

func TestHandleStreamEndDecodesReason(t *testing.T) {
	ctrl := &recordingControlHandler{}
	ch := &Channel{handlers: Handlers{Control: ctrl}}

	extras := []byte{0x00, 0x00, 0x00, 0x04} // StreamEndTooSlow
	ch.handleStreamEnd(wire.Frame{Vbucket: 7, Extras: extras})

	if len(ctrl.ends) != 1 || ctrl.ends[0].Reason != events.StreamEndTooSlow {
		t.Fatalf("got %+v, want StreamEndTooSlow", ctrl.ends)
	}
}

func TestHandleSystemEventDispatchesCollectionCreate(t *testing.T) {
	sys := &recordingSystemHandler{}
	ch := &Channel{handlers: Handlers{System: sys}}

	extras := make([]byte, 12)
	extras[7] = 5 // seqno
	body := make([]byte, 20)
	body[15] = 3  // collection id
	body[19] = 30 // ttl

	ch.handleSystemEvent(wire.Frame{Vbucket: 1, Extras: extras, Body: body})

	if len(sys.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sys.events))
	}
	ev := sys.events[0]
	if ev.Type != events.CollectionCreated || ev.CollectionID != 3 || !ev.TTLValid || ev.TTL != 30 {
		t.Fatalf("got %+v", ev)
	}
}

func TestReceiveLoopReportsDroppedExactlyOnce(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	var drops int
	ch := &Channel{
		conn:    client,
		pending: make(map[uint32]*partition.Completion[wire.Frame]),
		handlers: Handlers{
			Dropped: func(events.ChannelDropped) { drops++ },
		},
	}
	ch.wg.Add(1)
	go ch.receiveLoop(client)

	server.Close() // server hangs up; client-side read fails, ending the loop
	ch.wg.Wait()

	if drops != 1 {
		t.Fatalf("got %d Dropped notifications, want exactly 1", drops)
	}
}

func TestCloseSuppressesReceiveLoopDroppedNotification(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	var drops int
	ch := &Channel{
		conn:    client,
		pending: make(map[uint32]*partition.Completion[wire.Frame]),
		handlers: Handlers{
			Dropped: func(events.ChannelDropped) { drops++ },
		},
	}
	ch.wg.Add(1)
	go ch.receiveLoop(client)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if drops != 0 {
		t.Fatalf("got %d Dropped notifications from a caller-initiated Close, want 0", drops)
	}
}

// TestOpenStreamRollbackReturnsSentinel drives a real request/response round
// trip over a net.Pipe: the fake server answers DCP_STREAM_REQ with
// StatusRollback, and OpenStream must report ErrRollback (not a nil error
// that would read as a successful stream open) while still dispatching
// OnRollback exactly once with the server's rollback seqno.
func TestOpenStreamRollbackReturnsSentinel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	control := &recordingControlHandler{}
	ch := &Channel{
		conn:        client,
		pending:     make(map[uint32]*partition.Completion[wire.Frame]),
		openStreams: make(map[uint16]uint16),
		handlers:    Handlers{Control: control},
	}
	ch.wg.Add(1)
	go ch.receiveLoop(client)
	defer func() {
		server.Close()
		ch.wg.Wait()
	}()

	serverErrs := make(chan error, 1)
	go func() {
		var hdrBuf [wire.HeaderLen]byte
		var req wire.Frame
		if _, err := req.Receive(server, hdrBuf[:]); err != nil {
			serverErrs <- err
			return
		}
		body := make([]byte, 8)
		body[7] = 42 // rollback seqno
		resp := wire.Frame{
			Magic:  wire.MagicResFlex,
			Opcode: wire.OpDcpStreamReq,
			Status: wire.StatusRollback,
			Opaque: req.Opaque,
			Body:   body,
		}
		serverErrs <- resp.Transmit(server)
	}()

	_, err := ch.OpenStream(context.Background(), partition.StreamRequest{Vbid: 7}, nil)
	if err != ErrRollback {
		t.Fatalf("OpenStream error = %v, want ErrRollback", err)
	}
	if serr := <-serverErrs; serr != nil {
		t.Fatalf("fake server: %v", serr)
	}
	if len(control.rollbacks) != 1 {
		t.Fatalf("got %d OnRollback calls, want exactly 1", len(control.rollbacks))
	}
	if got := control.rollbacks[0]; got.Vbid != 7 || got.RollbackSeqno != 42 {
		t.Fatalf("OnRollback = %+v, want {Vbid:7 RollbackSeqno:42}", got)
	}
}
