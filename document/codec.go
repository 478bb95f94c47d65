package document

import (
	"encoding/json"
	"time"
)

// Serialize encodes a document as one JSON line of the append-only log. Dates
// are written as {"$$date": <unix milliseconds>} so they round-trip exactly;
// Deserialize(Serialize(d)) is structurally equal to d.
func Serialize(d D) ([]byte, error) {
	return json.Marshal(encodeDoc(d))
}

func encodeDoc(d D) map[string]any {
	res := make(map[string]any, len(d))
	for k, v := range d {
		res[k] = encodeValue(v)
	}
	return res
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{"$$date": t.UnixMilli()}
	case D:
		return encodeDoc(t)
	case []any:
		res := make([]any, len(t))
		for n, item := range t {
			res[n] = encodeValue(item)
		}
		return res
	default:
		return t
	}
}

// Deserialize decodes one log line back into a document, restoring dates from
// their $$date wrapping.
func Deserialize(b []byte) (D, error) {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return decodeDoc(raw), nil
}

func decodeDoc(m map[string]any) D {
	res := make(D, len(m))
	for k, v := range m {
		res[k] = decodeValue(v)
	}
	return res
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if ms, ok := t["$$date"]; ok && len(t) == 1 {
			if f, ok := ms.(float64); ok {
				return time.UnixMilli(int64(f))
			}
		}
		return decodeDoc(t)
	case []any:
		res := make([]any, len(t))
		for n, item := range t {
			res[n] = decodeValue(item)
		}
		return res
	default:
		return t
	}
}
