package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Cell values are tagged before sealing so they read back with their type.
const (
	tagNull   = 'n'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagBool   = 'b'
	tagString = 's'
	tagBytes  = 'x'
)

func encodeValue(v any) []byte {
	switch t := v.(type) {
	case nil:
		return []byte{tagNull}
	case int64:
		b := make([]byte, 9)
		b[0] = tagInt
		binary.BigEndian.PutUint64(b[1:], uint64(t))
		return b
	case float64:
		b := make([]byte, 9)
		b[0] = tagFloat
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(t))
		return b
	case bool:
		if t {
			return []byte{tagBool, 1}
		}
		return []byte{tagBool, 0}
	case string:
		return append([]byte{tagString}, t...)
	case []byte:
		return append([]byte{tagBytes}, t...)
	default:
		return append([]byte{tagString}, fmt.Sprint(t)...)
	}
}

func decodeValue(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty cell")
	}
	body := b[1:]
	switch b[0] {
	case tagNull:
		return nil, nil
	case tagInt:
		if len(body) != 8 {
			return nil, fmt.Errorf("bad int cell")
		}
		return int64(binary.BigEndian.Uint64(body)), nil
	case tagFloat:
		if len(body) != 8 {
			return nil, fmt.Errorf("bad float cell")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(body)), nil
	case tagBool:
		return len(body) == 1 && body[0] == 1, nil
	case tagString:
		return string(body), nil
	case tagBytes:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown cell tag %q", b[0])
	}
}
