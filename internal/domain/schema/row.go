package schema

// Row is a single result record keyed by field name.
type Row map[string]any

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Pick returns a copy holding only names present in r.
func (r Row) Pick(names []string) Row {
	out := make(Row, len(names))
	for _, n := range names {
		if v, ok := r[n]; ok {
			out[n] = v
		}
	}
	return out
}
