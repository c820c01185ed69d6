package bitrate

// ring is a fixed-capacity sample buffer that overwrites its oldest entry.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) mean() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf[:n] {
		sum += v
	}
	return sum / float64(n)
}
