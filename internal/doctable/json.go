package doctable

// Helpers for the map[string]any documents the table trades in. Paths are
// the pre-split dot paths of resolved columns.

// getPath reads the value at path, or nil.
func getPath(doc map[string]any, path []string) any {
	cur := any(doc)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// setPath writes v at path, creating intermediate maps.
func setPath(doc map[string]any, path []string, v any) {
	m := doc
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// delPath removes the value at path, leaving empty intermediates in place.
func delPath(doc map[string]any, path []string) {
	m := doc
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, path[len(path)-1])
}

// deepCopy copies maps and slices recursively; scalars are shared.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// copyDoc is deepCopy for a document root; nil stays nil.
func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return deepCopy(doc).(map[string]any)
}

// merge folds src onto dst in place and returns dst. The fold is shallow: a
// field value replaces the stored one wholesale, nested objects included, and
// an explicit nil deletes the key.
func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = deepCopy(v)
	}
	return dst
}
