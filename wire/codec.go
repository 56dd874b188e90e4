package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// FailoverEntry is one (vbuuid, seqno) pair in a partition's failover log,
// oldest-to-newest ordering matches the wire's transmission order.
type FailoverEntry struct {
	VBUUID uint64
	Seqno  uint64
}

// DecodeFailoverLog parses the body of a successful DCP_STREAM_REQ or
// DCP_GET_FAILOVER_LOG response.
func DecodeFailoverLog(body []byte) ([]FailoverEntry, error) {
	if len(body)%16 != 0 {
		return nil, errors.Errorf("invalid failover log body length %d", len(body))
	}
	log := make([]FailoverEntry, len(body)/16)
	for i, j := 0, 0; i < len(body); i, j = i+16, j+1 {
		log[j] = FailoverEntry{
			VBUUID: binary.BigEndian.Uint64(body[i : i+8]),
			Seqno:  binary.BigEndian.Uint64(body[i+8 : i+16]),
		}
	}
	return log, nil
}

// EncodeFailoverLog is the inverse of DecodeFailoverLog, used by test
// fixtures that simulate server responses.
func EncodeFailoverLog(log []FailoverEntry) []byte {
	body := make([]byte, 0, len(log)*16)
	for _, e := range log {
		body = binary.BigEndian.AppendUint64(body, e.VBUUID)
		body = binary.BigEndian.AppendUint64(body, e.Seqno)
	}
	return body
}

// DecodeVBSeqnos parses the body of a GET_ALL_VB_SEQNOS response into a
// vbid -> high-seqno map.
func DecodeVBSeqnos(body []byte) (map[uint16]uint64, error) {
	if len(body)%10 != 0 {
		return nil, errors.Errorf("invalid get-all-vb-seqnos body length %d", len(body))
	}
	out := make(map[uint16]uint64, len(body)/10)
	for i := 0; i < len(body); i += 10 {
		vbid := binary.BigEndian.Uint16(body[i : i+2])
		seqno := binary.BigEndian.Uint64(body[i+2 : i+10])
		out[vbid] = seqno
	}
	return out, nil
}

// StreamRequestFilter is the JSON value payload of a DCP_STREAM_REQ body,
// selecting the bucket, a scope, or an explicit set of collections.
type StreamRequestFilter struct {
	ManifestUID   string   `json:"uid,omitempty"`
	ScopeID       string   `json:"scope,omitempty"`
	CollectionIDs []string `json:"collections,omitempty"`
	StreamID      uint16   `json:"sid,omitempty"`
}

// Encode marshals the filter to the JSON body DCP_STREAM_REQ expects.
func (f StreamRequestFilter) Encode() ([]byte, error) {
	if f.ManifestUID == "" {
		f.ManifestUID = "0"
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode stream request filter")
	}
	return body, nil
}

// StreamRequestExtras builds the 48-byte extras section of a DCP_STREAM_REQ.
func StreamRequestExtras(flags uint32, startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) []byte {
	extras := make([]byte, 48)
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint64(extras[8:16], startSeqno)
	binary.BigEndian.PutUint64(extras[16:24], endSeqno)
	binary.BigEndian.PutUint64(extras[24:32], vbuuid)
	binary.BigEndian.PutUint64(extras[32:40], snapStart)
	binary.BigEndian.PutUint64(extras[40:48], snapEnd)
	return extras
}

// StreamIDFramingExtras builds the flexible-framing-extras section carrying
// a DCP stream-id for a request that needs it (close-stream in particular).
func StreamIDFramingExtras(streamID uint16) []byte {
	const streamIDFlexLength = byte(0x22)
	fe := make([]byte, 3)
	fe[0] = streamIDFlexLength
	binary.BigEndian.PutUint16(fe[1:], streamID)
	return fe
}

// DecodeStreamEndReason parses the 4-byte extras of a DCP_STREAM_END frame.
func DecodeStreamEndReason(extras []byte) StreamEndStatus {
	if len(extras) < 4 {
		return StreamEndUnknown
	}
	return StreamEndStatus(binary.BigEndian.Uint32(extras[0:4]))
}

// SnapshotMarker is the decoded extras of a DCP_SNAPSHOT_MARKER frame.
type SnapshotMarker struct {
	StartSeqno uint64
	EndSeqno   uint64
	Flags      uint32
}

// DecodeSnapshotMarker parses a (non-flexible, 20-byte) snapshot marker
// extras section, the layout this client's covered server range emits.
func DecodeSnapshotMarker(extras []byte) (SnapshotMarker, error) {
	if len(extras) < 20 {
		return SnapshotMarker{}, errors.Errorf("invalid snapshot marker extras length %d", len(extras))
	}
	return SnapshotMarker{
		StartSeqno: binary.BigEndian.Uint64(extras[0:8]),
		EndSeqno:   binary.BigEndian.Uint64(extras[8:16]),
		Flags:      binary.BigEndian.Uint32(extras[16:20]),
	}, nil
}

// SystemEventBody is a DCP_SYSTEM_EVENT frame's decoded extras and body.
type SystemEventBody struct {
	Seqno       uint64
	Type        SystemEventType
	ManifestUID uint64
	ScopeID     uint32
	CollectionID uint32
	TTL          uint32
	TTLValid     bool
}

// DecodeSystemEvent decodes the extras+body of a DCP_SYSTEM_EVENT frame.
// The body layout after the 8-byte manifest uid depends on the event type,
// matching CollectionCreated/CollectionDropped/CollectionFlushed/
// CollectionChanged in the original client.
func DecodeSystemEvent(extras, body []byte) (SystemEventBody, error) {
	if len(extras) < 12 {
		return SystemEventBody{}, errors.Errorf("invalid system event extras length %d", len(extras))
	}
	if len(body) < 8 {
		return SystemEventBody{}, errors.Errorf("invalid system event body length %d", len(body))
	}

	ev := SystemEventBody{
		Seqno:       binary.BigEndian.Uint64(extras[0:8]),
		Type:        SystemEventType(binary.BigEndian.Uint32(extras[8:12])),
		ManifestUID: binary.BigEndian.Uint64(body[0:8]),
	}

	switch ev.Type {
	case SystemEventCollectionCreate:
		if len(body) < 16 {
			return ev, errors.Errorf("invalid collection-create body length %d", len(body))
		}
		ev.ScopeID = binary.BigEndian.Uint32(body[8:12])
		ev.CollectionID = binary.BigEndian.Uint32(body[12:16])
		if len(body) >= 20 {
			ev.TTL = binary.BigEndian.Uint32(body[16:20])
			ev.TTLValid = true
		}
	case SystemEventCollectionDrop, SystemEventCollectionFlush:
		if len(body) < 16 {
			return ev, errors.Errorf("invalid collection-drop/flush body length %d", len(body))
		}
		ev.ScopeID = binary.BigEndian.Uint32(body[8:12])
		ev.CollectionID = binary.BigEndian.Uint32(body[12:16])
	case SystemEventScopeCreate, SystemEventScopeDrop:
		if len(body) < 12 {
			return ev, errors.Errorf("invalid scope create/drop body length %d", len(body))
		}
		ev.ScopeID = binary.BigEndian.Uint32(body[8:12])
	case SystemEventCollectionChange:
		if len(body) < 12 {
			return ev, errors.Errorf("invalid collection-changed body length %d", len(body))
		}
		ev.CollectionID = binary.BigEndian.Uint32(body[8:12])
	}
	return ev, nil
}
