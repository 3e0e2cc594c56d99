package gocbx

import "encoding/binary"

// Magic identifies the direction and framing variant of a Packet (§6).
type Magic uint8

const (
	MagicReq       Magic = 0x80
	MagicRes       Magic = 0x81
	MagicFramedReq Magic = 0x18
	MagicFramedRes Magic = 0x19
)

// headerSize is the fixed 24-byte memcached/Couchbase binary header (§6).
const headerSize = 24

// DefaultMaxFrameSize bounds total frame size (header + body) per §3; a
// larger frame is a protocol fault (ErrFrameTooLarge).
const DefaultMaxFrameSize = 20 << 20 // 20 MiB

// Packet is one decoded binary-protocol frame (§3/§6). KeyLen/ExtrasLen
// are derived, read-only wire properties: Encode computes them from
// len(Key)/len(Extras), callers never set them directly. Decode populates
// them purely for inspection of what was actually on the wire.
type Packet struct {
	Magic       Magic
	Opcode      uint8
	KeyLen      uint16
	ExtrasLen   uint8
	DataType    uint8
	StatusOrVB  uint16 // vbucket on request, status on response
	Opaque      uint32
	CAS         uint64
	Extras      []byte
	Key         []byte
	Value       []byte
}

// totalBodyLen is the length of Extras+Key+Value combined, as it appears on
// the wire.
func (p *Packet) totalBodyLen() uint32 {
	return uint32(len(p.Extras) + len(p.Key) + len(p.Value))
}

// Encode appends the wire representation of p to dst and returns the result.
// Byte order is big-endian throughout (§4.2).
func Encode(dst []byte, p *Packet) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(p.Magic)
	hdr[1] = p.Opcode
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(p.Key)))
	hdr[4] = uint8(len(p.Extras))
	hdr[5] = p.DataType
	binary.BigEndian.PutUint16(hdr[6:8], p.StatusOrVB)
	binary.BigEndian.PutUint32(hdr[8:12], p.totalBodyLen())
	binary.BigEndian.PutUint32(hdr[12:16], p.Opaque)
	binary.BigEndian.PutUint64(hdr[16:24], p.CAS)

	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Extras...)
	dst = append(dst, p.Key...)
	dst = append(dst, p.Value...)
	return dst
}

// Decode attempts to parse one Packet from the front of src. It is
// resumable: if src does not yet hold a full header, or a full header plus
// body, it returns (nil, 0, nil) — "need more" — without consuming any
// input, matching the contract spec §4.2 requires and the same
// read-length-then-body shape as brokerCxn.readConn/parseReadSize.
func Decode(src []byte, maxFrameSize uint32) (p *Packet, consumed int, err error) {
	if len(src) < headerSize {
		return nil, 0, nil
	}

	magic := Magic(src[0])
	switch magic {
	case MagicReq, MagicRes, MagicFramedReq, MagicFramedRes:
	default:
		return nil, 0, ErrBadMagic
	}

	bodyLen := binary.BigEndian.Uint32(src[8:12])
	if bodyLen > maxFrameSize || uint64(headerSize)+uint64(bodyLen) > uint64(maxFrameSize) {
		return nil, 0, ErrFrameTooLarge
	}
	total := headerSize + int(bodyLen)
	if len(src) < total {
		return nil, 0, nil
	}

	keyLen := binary.BigEndian.Uint16(src[2:4])
	extrasLen := src[4]
	if int(extrasLen)+int(keyLen) > int(bodyLen) {
		return nil, 0, ErrProtocolViolation
	}

	pkt := &Packet{
		Magic:      magic,
		Opcode:     src[1],
		KeyLen:     keyLen,
		ExtrasLen:  extrasLen,
		DataType:   src[5],
		StatusOrVB: binary.BigEndian.Uint16(src[6:8]),
		Opaque:     binary.BigEndian.Uint32(src[12:16]),
		CAS:        binary.BigEndian.Uint64(src[16:24]),
	}

	body := src[headerSize:total]
	off := 0
	if extrasLen > 0 {
		pkt.Extras = append([]byte(nil), body[off:off+int(extrasLen)]...)
		off += int(extrasLen)
	}
	if keyLen > 0 {
		pkt.Key = append([]byte(nil), body[off:off+int(keyLen)]...)
		off += int(keyLen)
	}
	if rest := len(body) - off; rest > 0 {
		pkt.Value = append([]byte(nil), body[off:]...)
	}

	return pkt, total, nil
}
