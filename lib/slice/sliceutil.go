// Package sliceutil provides small generic slice transforms.
package sliceutil

// Map returns a new slice holding f applied to each element of v,
// preserving order. A nil or empty v yields an empty slice.
func Map[From, To any](v []From, f func(From) To) []To {
	out := make([]To, len(v))
	for idx, item := range v {
		out[idx] = f(item)
	}
	return out
}
