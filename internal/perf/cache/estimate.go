package cache

import "encoding/json"

// EstimateSize approximates the in-memory footprint of a value, in bytes.
// This is the accounting unit for every capacity ceiling, not exact memory
// measurement: strings count 2x their length, numbers 8, booleans 4,
// nil 0, raw bytes their length, and anything composite 2x its JSON length.
func EstimateSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return int64(2 * len(t))
	case bool:
		return 4
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return 8
	case []byte:
		return int64(len(t))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return int64(2 * len(raw))
	}
}
