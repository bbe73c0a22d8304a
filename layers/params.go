package layers

// Parameter accessors accept both the Go types the builder stores and the
// float64 / []interface{} values produced by decoding a saved architecture.

// Int returns an integer parameter, or def when absent.
func (l LayerSpec) Int(key string, def int) int {
	switch v := l.Parameters[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return def
}

// Float returns a floating point parameter, or def when absent.
func (l LayerSpec) Float(key string, def float64) float64 {
	switch v := l.Parameters[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// Bool returns a boolean parameter, or def when absent.
func (l LayerSpec) Bool(key string, def bool) bool {
	if v, ok := l.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// Ints returns an integer list parameter.
func (l LayerSpec) Ints(key string) []int {
	switch v := l.Parameters[key].(type) {
	case []int:
		return copyShape(v)
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, x := range v {
			switch n := x.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}
