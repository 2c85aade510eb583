package keys

// PartialMatch reports whether filter matches key: every element of filter
// must match the element of key at the same position, and maps match when
// every field in the filter map matches. A filter shorter than key therefore
// acts as a prefix.
func PartialMatch(key, filter Key) bool {
	k, err := Normalize(key)
	if err != nil {
		return false
	}
	f, err := Normalize(filter)
	if err != nil {
		return false
	}
	return partialMatch(k, f)
}

// PartialMatchNormalized is PartialMatch over keys already normalized with
// Normalize.
func PartialMatchNormalized(key, filter []any) bool {
	return partialMatch(key, filter)
}

func partialMatch(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range bv {
			if !partialMatch(av[k], v) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(bv) > len(av) {
			return false
		}
		for i, v := range bv {
			if !partialMatch(av[i], v) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// ExactMatch reports whether key and filter have the same fingerprint.
func ExactMatch(key, filter Key) bool {
	a, err := Hash(key)
	if err != nil {
		return false
	}
	b, err := Hash(filter)
	if err != nil {
		return false
	}
	return a == b
}
