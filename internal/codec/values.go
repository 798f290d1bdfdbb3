package codec

import "math"

// ToInt64 reads an integral number from a decoded or caller-built value.
func ToInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case float32:
		return ToInt64(float64(t))
	default:
		return 0, false
	}
}

// ToFloat64 reads any number as float64.
func ToFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		if i, ok := ToInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
