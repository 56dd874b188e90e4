package partition

import (
	"encoding/json"
	"testing"
)

func TestSessionJSONRoundTrip(t *testing.T) {
	ss := NewSession(4)
	ss.Partition(2).ApplyMutationSeqno(77)
	ss.Partition(2).ReplaceFailoverLog([]FailoverEntry{{VBUUID: 9, Seqno: 0}})
	ss.Partition(2).SetState(Connected)
	ss.RegisterStream(StreamFilter{StreamID: 5, ScopeID: "s1", CollectionIDs: []string{"c1", "c2"}})

	data, err := json.Marshal(ss)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := &Session{}
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.NumVbuckets() != 4 {
		t.Fatalf("num vbuckets = %d, want 4", restored.NumVbuckets())
	}
	p2 := restored.Partition(2)
	if p2.Seqno() != 77 {
		t.Fatalf("seqno = %d, want 77", p2.Seqno())
	}
	if p2.ConnState() != Connected {
		t.Fatalf("conn state = %v, want Connected", p2.ConnState())
	}
	if p2.CurrentVBUUID() != 9 {
		t.Fatalf("vbuuid = %d, want 9", p2.CurrentVBUUID())
	}

	filter, ok := restored.StreamFilter(5)
	if !ok {
		t.Fatalf("expected stream filter 5 to survive round trip")
	}
	if filter.ScopeID != "s1" || len(filter.CollectionIDs) != 2 {
		t.Fatalf("got %+v", filter)
	}
}

func TestSessionUnregisterStream(t *testing.T) {
	ss := NewSession(1)
	ss.RegisterStream(StreamFilter{StreamID: 1})
	ss.UnregisterStream(1)
	if _, ok := ss.StreamFilter(1); ok {
		t.Fatalf("expected stream 1 to be gone after unregister")
	}
}
