package session

// Matcher keeps a bounded window of the most recent input bytes and
// reports how much of a trigger sequence they end with.
type Matcher struct {
	buf  []byte
	size int
}

// NewMatcher returns a Matcher remembering the last size bytes.
func NewMatcher(size int) *Matcher {
	return &Matcher{buf: make([]byte, 0, size), size: size}
}

// Push appends c, dropping the oldest byte when the window is full.
func (m *Matcher) Push(c byte) {
	if len(m.buf) == m.size {
		copy(m.buf, m.buf[1:])
		m.buf = m.buf[:m.size-1]
	}
	m.buf = append(m.buf, c)
}

// Match returns the length of the longest suffix of the window that is a
// prefix of seq. len(seq) means the whole trigger was seen.
func (m *Matcher) Match(seq string) int {
	n := len(seq)
	if n > len(m.buf) {
		n = len(m.buf)
	}
	for ; n > 0; n-- {
		if string(m.buf[len(m.buf)-n:]) == seq[:n] {
			break
		}
	}
	return n
}

// Reset forgets all input.
func (m *Matcher) Reset() {
	m.buf = m.buf[:0]
}
