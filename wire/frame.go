package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size of a memcached binary protocol header.
const HeaderLen = 24

// Frame is one memcached binary protocol message: header plus the
// flexible-framing extras, extras, key and body sections that the header
// describes.
type Frame struct {
	Magic   Magic
	Opcode  Opcode
	Status  Status // meaningful only on response frames
	Vbucket uint16 // meaningful only on request frames
	Opaque  uint32
	Cas     uint64

	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Body          []byte
}

// Reset clears a Frame for reuse from a pool without discarding backing
// arrays where the caller has already sized them.
func (f *Frame) Reset() {
	f.Magic = magicUnset
	f.Opcode = 0
	f.Status = StatusSuccess
	f.Vbucket = 0
	f.Opaque = 0
	f.Cas = 0
	f.FramingExtras = f.FramingExtras[:0]
	f.Extras = f.Extras[:0]
	f.Key = f.Key[:0]
	f.Body = f.Body[:0]
}

// statusOrVBucket returns the header field interpreted according to which
// meaning applies: response frames carry a status there, request frames a
// vbucket id.
func (f *Frame) statusOrVBucket() uint16 {
	if f.Magic == MagicRes || f.Magic == MagicResFlex {
		return uint16(f.Status)
	}
	return f.Vbucket
}

// Encode serializes the frame to its wire representation.
func (f *Frame) Encode() []byte {
	fExtraLen := len(f.FramingExtras)
	keyLen := len(f.Key)
	extraLen := len(f.Extras)
	bodyLen := len(f.Body)
	totalBody := fExtraLen + keyLen + extraLen + bodyLen

	magic := f.Magic
	if magic == magicUnset {
		magic = MagicReq
	}

	buf := make([]byte, 0, HeaderLen+totalBody)
	buf = append(buf, byte(magic))
	buf = append(buf, byte(f.Opcode))

	switch magic {
	case MagicReq, MagicRes:
		buf = binary.BigEndian.AppendUint16(buf, uint16(keyLen))
	case MagicReqFlex, MagicResFlex:
		buf = append(buf, byte(fExtraLen), byte(keyLen))
	}

	buf = append(buf, byte(extraLen))
	buf = append(buf, 0x00) // datatype, unused by the DCP subset this client speaks
	buf = binary.BigEndian.AppendUint16(buf, f.statusOrVBucket())
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalBody))
	buf = binary.BigEndian.AppendUint32(buf, f.Opaque)
	buf = binary.BigEndian.AppendUint64(buf, f.Cas)

	buf = append(buf, f.FramingExtras...)
	buf = append(buf, f.Extras...)
	buf = append(buf, f.Key...)
	buf = append(buf, f.Body...)
	return buf
}

// Transmit writes the frame to w.
func (f *Frame) Transmit(w io.Writer) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return errors.Wrap(err, "transmit frame")
	}
	return nil
}

// Receive reads one frame from r into f, using hdrBuf as scratch space (it
// must be at least HeaderLen bytes; callers reuse one buffer per
// connection to avoid an allocation per frame).
func (f *Frame) Receive(r io.Reader, hdrBuf []byte) (int, error) {
	if len(hdrBuf) < HeaderLen {
		hdrBuf = make([]byte, HeaderLen)
	}

	n, err := io.ReadFull(r, hdrBuf[:HeaderLen])
	if err != nil {
		return n, errors.Wrap(err, "read frame header")
	}

	f.Magic = Magic(hdrBuf[0])
	f.Opcode = Opcode(hdrBuf[1])

	var flexLen, keyLen int
	switch f.Magic {
	case MagicReq, MagicRes:
		keyLen = int(binary.BigEndian.Uint16(hdrBuf[2:4]))
	case MagicReqFlex, MagicResFlex:
		flexLen = int(hdrBuf[2])
		keyLen = int(hdrBuf[3])
	default:
		return n, errors.Errorf("bad frame magic: 0x%02x", hdrBuf[0])
	}

	extraLen := int(hdrBuf[4])
	statusOrVb := binary.BigEndian.Uint16(hdrBuf[6:8])
	bodyLen := int(binary.BigEndian.Uint32(hdrBuf[8:12]))
	f.Opaque = binary.BigEndian.Uint32(hdrBuf[12:16])
	f.Cas = binary.BigEndian.Uint64(hdrBuf[16:24])

	if f.Magic == MagicRes || f.Magic == MagicResFlex {
		f.Status = Status(statusOrVb)
	} else {
		f.Vbucket = statusOrVb
	}

	body := make([]byte, bodyLen)
	m, err := io.ReadFull(r, body)
	n += m
	if err != nil {
		return n, errors.Wrap(err, "read frame body")
	}

	f.FramingExtras = body[:flexLen]
	f.Extras = body[flexLen : flexLen+extraLen]
	f.Key = body[flexLen+extraLen : flexLen+extraLen+keyLen]
	f.Body = body[flexLen+extraLen+keyLen:]
	return n, nil
}
