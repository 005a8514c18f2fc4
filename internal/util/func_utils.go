package util

// Cont is contains
func Cont[T comparable](haystack []T, needle T) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func Filter[T any](arr []T, predicate func(T) bool) []T {
	var out []T
	for _, v := range arr {
		if predicate(v) {
			out = append(out, v)
		}
	}
	return out
}

// Without returns haystack with every occurrence of needle removed.
func Without[T comparable](haystack []T, needle T) []T {
	return Filter(haystack, func(v T) bool { return v != needle })
}

// Dedup returns the distinct elements of arr, first occurrence wins.
func Dedup[T comparable](arr []T) []T {
	seen := make(map[T]struct{}, len(arr))
	var out []T
	for _, v := range arr {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
