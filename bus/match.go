package bus

import "strings"

// Match reports whether routing key matches pattern. Both are dot-separated
// token sequences. In the pattern, "*" matches exactly one token and "#"
// matches zero or more tokens.
func Match(pattern, key string) bool {
	p := strings.Split(pattern, ".")
	k := strings.Split(key, ".")

	if !strings.Contains(pattern, wildcardMany) {
		if len(p) != len(k) {
			return false
		}
		for i := range p {
			if p[i] != wildcardOne && p[i] != k[i] {
				return false
			}
		}
		return true
	}

	m := matcher{
		pattern: p,
		key:     k,
		memo:    make([]int8, (len(p)+1)*(len(k)+1)),
	}
	return m.match(0, 0)
}

// matcher aligns pattern and key with memoized backtracking over
// (pattern index, key index), so interior "#" tokens stay polynomial.
type matcher struct {
	pattern []string
	key     []string
	memo    []int8 // 0 unknown, 1 match, -1 no match
}

func (m *matcher) match(pi, ki int) bool {
	slot := pi*(len(m.key)+1) + ki
	if v := m.memo[slot]; v != 0 {
		return v > 0
	}

	var ok bool
	switch {
	case pi == len(m.pattern):
		ok = ki == len(m.key)
	case m.pattern[pi] == wildcardMany:
		if pi == len(m.pattern)-1 {
			ok = true
			break
		}
		for next := ki; next <= len(m.key); next++ {
			if m.match(pi+1, next) {
				ok = true
				break
			}
		}
	case ki == len(m.key):
		ok = false
	case m.pattern[pi] == wildcardOne || m.pattern[pi] == m.key[ki]:
		ok = m.match(pi+1, ki+1)
	}

	if ok {
		m.memo[slot] = 1
	} else {
		m.memo[slot] = -1
	}
	return ok
}
