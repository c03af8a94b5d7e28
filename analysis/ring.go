package analysis

// ring is a fixed-size circular buffer of closed window aggregates for
// one key, oldest overwritten first. Scoring only ever needs the most
// recent trailing windows, so history stays O(capacity) regardless of
// how long the engine runs. Callers hold the engine mutex.
type ring struct {
	buf   []Aggregate
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Aggregate, capacity)}
}

func (r *ring) push(a Aggregate) {
	r.buf[r.head] = a
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last returns up to n of the most recent aggregates in chronological
// order. The returned slice is freshly allocated.
func (r *ring) last(n int) []Aggregate {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]Aggregate, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	if start+n <= len(r.buf) {
		copy(out, r.buf[start:start+n])
	} else {
		first := len(r.buf) - start
		copy(out, r.buf[start:])
		copy(out[first:], r.buf[:n-first])
	}
	return out
}

func (r *ring) len() int { return r.count }
