package operations

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sashko-guz/atelier/internal/apperr"
)

// IEv1 is a fixed-header, variable-payload encoding of a single operation,
// used wherever a compact, integrity-checked byte form is needed.
//
// Header (12 bytes, little-endian):
//
//	offset 0  u16  version (always 1)
//	offset 2  u16  op_type (1..4)
//	offset 4  u32  payload length
//	offset 8  u32  CRC-32 (IEEE) of the payload
const (
	wireVersion   = 1
	wireHeaderLen = 12

	flipBitHorizontal = 1 << 0
	flipBitVertical   = 1 << 1
)

// Encode serializes a validated operation into IEv1 bytes.
func Encode(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	var payload []byte
	switch v := op.(type) {
	case Rotate:
		// 270 does not fit a byte, so the payload carries quarter-turns.
		payload = []byte{byte(v.Degrees / 90)}
	case Flip:
		var bits byte
		if v.Horizontal {
			bits |= flipBitHorizontal
		}
		if v.Vertical {
			bits |= flipBitVertical
		}
		payload = []byte{bits}
	case Resize:
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint32(payload[0:4], uint32(v.Width))
		binary.LittleEndian.PutUint32(payload[4:8], uint32(v.Height))
	case Compress:
		payload = []byte{byte(v.Quality)}
	default:
		return nil, fmt.Errorf("%w: unencodable operation type %T", apperr.ErrProtocol, op)
	}

	buf := make([]byte, wireHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], wireVersion)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(op.Type()))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload))
	copy(buf[wireHeaderLen:], payload)
	return buf, nil
}

// Decode parses IEv1 bytes back into an operation. Header, length and
// checksum mismatches fail with apperr.ErrProtocol; decoded operations that
// fail Validate fail with apperr.ErrValidation.
func Decode(data []byte) (Operation, error) {
	if len(data) < wireHeaderLen {
		return nil, fmt.Errorf("%w: message too short (%d bytes)", apperr.ErrProtocol, len(data))
	}

	version := binary.LittleEndian.Uint16(data[0:2])
	if version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", apperr.ErrProtocol, version)
	}

	opType := OpType(binary.LittleEndian.Uint16(data[2:4]))
	payloadLen := binary.LittleEndian.Uint32(data[4:8])
	if uint64(payloadLen) > uint64(len(data)-wireHeaderLen) {
		return nil, fmt.Errorf("%w: payload length %d exceeds message size", apperr.ErrProtocol, payloadLen)
	}

	payload := data[wireHeaderLen : wireHeaderLen+int(payloadLen)]
	if sum := crc32.ChecksumIEEE(payload); sum != binary.LittleEndian.Uint32(data[8:12]) {
		return nil, fmt.Errorf("%w: checksum mismatch", apperr.ErrProtocol)
	}

	var op Operation
	switch opType {
	case OpRotate:
		if payloadLen != 1 {
			return nil, fmt.Errorf("%w: rotate payload must be 1 byte, got %d", apperr.ErrProtocol, payloadLen)
		}
		op = Rotate{Degrees: int(payload[0]) * 90}
	case OpFlip:
		if payloadLen != 1 {
			return nil, fmt.Errorf("%w: flip payload must be 1 byte, got %d", apperr.ErrProtocol, payloadLen)
		}
		if payload[0]&^(flipBitHorizontal|flipBitVertical) != 0 {
			return nil, fmt.Errorf("%w: flip payload has unknown bits set", apperr.ErrProtocol)
		}
		op = Flip{
			Horizontal: payload[0]&flipBitHorizontal != 0,
			Vertical:   payload[0]&flipBitVertical != 0,
		}
	case OpResize:
		if payloadLen != 8 {
			return nil, fmt.Errorf("%w: resize payload must be 8 bytes, got %d", apperr.ErrProtocol, payloadLen)
		}
		op = Resize{
			Width:  int(binary.LittleEndian.Uint32(payload[0:4])),
			Height: int(binary.LittleEndian.Uint32(payload[4:8])),
		}
	case OpCompress:
		if payloadLen != 1 {
			return nil, fmt.Errorf("%w: compress payload must be 1 byte, got %d", apperr.ErrProtocol, payloadLen)
		}
		op = Compress{Quality: int(payload[0])}
	default:
		return nil, fmt.Errorf("%w: unknown op type %d", apperr.ErrProtocol, opType)
	}

	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}
