package address

import (
	"encoding/hex"
	"fmt"
)

// Sigma serialization type tags for the constants decoded here.
const (
	tagInt      byte = 0x04
	tagLong     byte = 0x05
	tagCollByte byte = 0x0e
)

// DecodeCollByte decodes a serialized Coll[Byte] register constant and
// returns its raw bytes. Token name/description registers use this shape.
func DecodeCollByte(value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("register is not hex: %v", err)
	}
	if len(raw) < 2 || raw[0] != tagCollByte {
		return nil, fmt.Errorf("not a Coll[Byte] constant")
	}
	n, consumed, err := readVLQ(raw[1:])
	if err != nil {
		return nil, err
	}
	body := raw[1+consumed:]
	if uint64(len(body)) != n {
		return nil, fmt.Errorf("Coll[Byte] length %d does not match payload %d", n, len(body))
	}
	return body, nil
}

// DecodeInt decodes a serialized Int or Long register constant
// (zigzag VLQ). Token decimals registers use this shape.
func DecodeInt(value string) (int64, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return 0, fmt.Errorf("register is not hex: %v", err)
	}
	if len(raw) < 2 || (raw[0] != tagInt && raw[0] != tagLong) {
		return 0, fmt.Errorf("not an Int/Long constant")
	}
	n, consumed, err := readVLQ(raw[1:])
	if err != nil {
		return 0, err
	}
	if consumed != len(raw)-1 {
		return 0, fmt.Errorf("trailing bytes after Int constant")
	}
	// zigzag decode
	return int64(n>>1) ^ -int64(n&1), nil
}

func readVLQ(raw []byte) (uint64, int, error) {
	var out uint64
	var shift uint
	for i, b := range raw {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("VLQ overflow")
		}
		out |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return out, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated VLQ")
}
