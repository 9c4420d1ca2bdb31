package leasestore

// matchGlob reports whether key matches pattern using Redis KEYS/SCAN glob
// rules: '*' and '?' match any byte including '/', '[...]' is a class with
// optional '^' negation and 'a-z' ranges, and '\' escapes the next byte.
func matchGlob(pattern, key string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchGlob(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(key) == 0 {
				return false
			}
		case '[':
			if len(key) == 0 {
				return false
			}
			end, ok := matchClass(pattern, key[0])
			if !ok {
				return false
			}
			pattern, key = pattern[end:], key[1:]
			continue
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// matchClass matches c against the class opening pattern and returns the
// index just past the closing ']'.
func matchClass(pattern string, c byte) (int, bool) {
	i := 1
	negate := i < len(pattern) && pattern[i] == '^'
	if negate {
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		switch {
		case pattern[i] == '\\' && i+1 < len(pattern):
			i++
			matched = matched || pattern[i] == c
		case i+2 < len(pattern) && pattern[i+1] == '-':
			lo, hi := pattern[i], pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			matched = matched || (c >= lo && c <= hi)
			i += 2
		default:
			matched = matched || pattern[i] == c
		}
		i++
	}
	if i < len(pattern) {
		i++
	}
	return i, matched != negate
}

// validGlob rejects patterns with an unterminated character class.
func validGlob(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(pattern) {
				return false
			}
			i = j
		}
	}
	return true
}
