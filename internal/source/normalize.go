package source

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"
)

// Normalize maps the driver-specific values of a scanned row to the small set
// of types every output store understands: nil, int64, float64, bool, string
// and []byte. Timestamps become RFC 3339 strings, big numbers their decimal
// text and valid UTF-8 byte slices strings.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int64, float64, bool, string:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > 1<<63-1 {
			return fmt.Sprint(t)
		}
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		if utf8.Valid(t) {
			return string(t)
		}
		return append([]byte(nil), t...)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case *big.Int:
		return t.String()
	case *big.Float:
		return t.Text('f', -1)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Hex renders binary values as 0x-prefixed hex, passing other values through.
func Hex(v any) any {
	if b, ok := v.([]byte); ok {
		return "0x" + strings.ToLower(hex.EncodeToString(b))
	}
	return v
}
