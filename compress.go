package gocbx

import "github.com/golang/snappy"

// dataTypeSnappy is the bit in Packet.DataType marking a snappy-compressed
// value, per the HELLO-negotiated snappy feature (§4.3 step 2).
const dataTypeSnappy uint8 = 0x02

// snappyCompressMinSize is the threshold below which compressing a value is
// not worth the CPU; small documents are sent uncompressed even when
// snappy was negotiated.
const snappyCompressMinSize = 32

// maybeCompress snappy-compresses value and sets the snappy data type bit
// when snappyEnabled is true and value is large enough to be worth it
// (§4.15/C15).
func maybeCompress(value []byte, dataType uint8, snappyEnabled bool) ([]byte, uint8) {
	if !snappyEnabled || len(value) < snappyCompressMinSize {
		return value, dataType
	}
	return snappy.Encode(nil, value), dataType | dataTypeSnappy
}

// maybeDecompress reverses maybeCompress based on the snappy bit observed
// in a response's DataType.
func maybeDecompress(value []byte, dataType uint8) ([]byte, error) {
	if dataType&dataTypeSnappy == 0 {
		return value, nil
	}
	out, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, wrapf(ErrProtocolViolation, "snappy decode: %v", err)
	}
	return out, nil
}
