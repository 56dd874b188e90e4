// Package wire implements the memcached binary protocol framing that the
// DCP core is layered over: 24-byte headers, request/response magic bytes,
// and the opcode/status subset the covered Couchbase Server versions emit
// on a DCP connection.
package wire

// Magic identifies the frame layout of the 24-byte header.
type Magic uint8

const (
	MagicReq        Magic = 0x80
	MagicRes        Magic = 0x81
	MagicReqFlex    Magic = 0x08
	MagicResFlex    Magic = 0x18
	magicUnset      Magic = 0x00
)

// Opcode identifies the memcached/DCP command carried by a frame.
type Opcode uint8

const (
	OpGet          Opcode = 0x0c
	OpSet          Opcode = 0x01
	OpDelete       Opcode = 0x04
	OpSelectBucket Opcode = 0x89

	OpSaslListMechs Opcode = 0x20
	OpSaslAuth      Opcode = 0x21
	OpSaslStep      Opcode = 0x22
	OpHello         Opcode = 0x1f

	OpDcpOpen           Opcode = 0x50
	OpDcpAddStream      Opcode = 0x51
	OpDcpCloseStream    Opcode = 0x52
	OpDcpStreamReq      Opcode = 0x53
	OpDcpGetFailoverLog Opcode = 0x54
	OpDcpStreamEnd      Opcode = 0x55
	OpDcpSnapshotMarker Opcode = 0x56
	OpDcpMutation       Opcode = 0x57
	OpDcpDeletion       Opcode = 0x58
	OpDcpExpiration     Opcode = 0x59
	OpDcpFlush          Opcode = 0x5a
	OpDcpNoop           Opcode = 0x5c
	OpDcpBufferAck      Opcode = 0x5d
	OpDcpControl        Opcode = 0x5e
	OpDcpSystemEvent    Opcode = 0x5f
	OpDcpOSOSnapshot    Opcode = 0x61

	OpGetAllVBSeqnos         Opcode = 0x48
	OpGetCollectionsManifest Opcode = 0xba
	OpDcpAdvSeqno            Opcode = 0x64
)

// Status is the memcached response status code, carried in the header's
// vbucket-id field position for response frames.
type Status uint16

const (
	StatusSuccess           Status = 0x00
	StatusKeyNotFound       Status = 0x01
	StatusKeyExists         Status = 0x02
	StatusTooBig            Status = 0x03
	StatusInvalidArguments  Status = 0x04
	StatusNotStored         Status = 0x05
	StatusNonNumeric        Status = 0x06
	StatusNotMyVBucket      Status = 0x07
	StatusNoBucket          Status = 0x08
	StatusLostPrivileges    Status = 0x08
	StatusAuthError         Status = 0x20
	StatusFilterEmpty       Status = 0x21
	StatusRange             Status = 0x22
	StatusRollback          Status = 0x23
	StatusManifestIsAhead   Status = 0x26
	StatusUnknownCollection Status = 0x88
	StatusUnknownCommand    Status = 0x81
	StatusOutOfMemory       Status = 0x82
	StatusNotSupported      Status = 0x83
	StatusTemporaryFailure  Status = 0x86
	StatusUnknown           Status = 0xFF
)

// SystemEventType is the DCP_SYSTEM_EVENT sub-type carried in the frame's
// extras.
type SystemEventType uint32

const (
	SystemEventCollectionCreate SystemEventType = 0x00
	SystemEventCollectionDrop   SystemEventType = 0x01
	SystemEventCollectionFlush  SystemEventType = 0x02
	SystemEventScopeCreate      SystemEventType = 0x03
	SystemEventScopeDrop        SystemEventType = 0x04
	SystemEventCollectionChange SystemEventType = 0x05
)

// StreamEndStatus is the reason code carried in a DCP_STREAM_END frame's
// extras, matching StreamEndReason.java in the original client.
type StreamEndStatus uint32

const (
	StreamEndOK              StreamEndStatus = 0x00
	StreamEndClosed          StreamEndStatus = 0x01
	StreamEndStateChanged    StreamEndStatus = 0x02
	StreamEndDisconnected    StreamEndStatus = 0x03
	StreamEndTooSlow         StreamEndStatus = 0x04
	StreamEndBackfillFail    StreamEndStatus = 0x05
	StreamEndFilterEmpty     StreamEndStatus = 0x06
	StreamEndLostPrivileges  StreamEndStatus = 0x07
	StreamEndChannelDropped  StreamEndStatus = 0xF0 // synthesized by this client, never on the wire
	StreamEndUnknown         StreamEndStatus = 0xFF
)

// DCP open-connection flags (extras of OpDcpOpen).
const (
	DcpOpenConsumer  uint32 = 0x00
	DcpOpenProducer  uint32 = 0x01
	DcpOpenIncludeXattr uint32 = 0x04
	DcpOpenNoValue      uint32 = 0x08
	DcpOpenIncludeDeleteTimes uint32 = 0x20
)

// DCP stream-request flags (extras of OpDcpStreamReq).
const (
	StreamFlagNone                uint32 = 0x00
	StreamFlagActiveVBOnly        uint32 = 0x10
	StreamFlagToLatest            uint32 = 0x04
	StreamFlagIgnorePurgedTombstones uint32 = 0x80
)

// HELO feature codes this client negotiates.
const (
	HeloFeatureXError      uint16 = 0x07
	HeloFeatureCollections uint16 = 0x12
)

// Datatype flags carried in a mutation/deletion frame's header.
type Datatype uint8

const (
	DatatypeRaw    Datatype = 0x00
	DatatypeJSON   Datatype = 0x01
	DatatypeSnappy Datatype = 0x02
	DatatypeXattr  Datatype = 0x04
)

// NoEndSeqno is the sentinel high-watermark for open-ended streams.
const NoEndSeqno uint64 = 0xFFFFFFFFFFFFFFFF
