package mm

import "math/bits"

type bitmap []uint64

func newBitmap(pages int) bitmap {
	return make(bitmap, (pages+63)/64)
}

func (b bitmap) capacity() int { return len(b) * 64 }

func (b bitmap) test(i int) bool {
	if i >= b.capacity() {
		return false
	}
	return b[i/64]&(1<<(i%64)) != 0
}

// ensure grows b in growPages steps until it tracks n pages.
func (b *bitmap) ensure(n int) {
	for b.capacity() < n {
		*b = append(*b, make(bitmap, growPages/64)...)
	}
}

func (b bitmap) setRange(i, n int) {
	for ; n > 0; i, n = i+1, n-1 {
		b[i/64] |= 1 << (i % 64)
	}
}

func (b bitmap) clearRange(i, n int) {
	for ; n > 0; i, n = i+1, n-1 {
		b[i/64] &^= 1 << (i % 64)
	}
}

// free reports whether pages [i, i+n) are all clear. Pages past the tracked
// capacity count as free.
func (b bitmap) free(i, n int) bool {
	for j := i; j < i+n; j++ {
		if b.test(j) {
			return false
		}
	}
	return true
}

// firstFit returns the start of the lowest clear run of n pages below limit,
// growing b until one exists. It reports false when no such run fits.
func (b *bitmap) firstFit(n, limit int) (int, bool) {
	if n <= 0 || n > limit {
		return 0, false
	}

	run, i := 0, 0
	for {
		for end := min(b.capacity(), limit); i < end; i++ {
			if b.test(i) {
				run = 0
				continue
			}
			if run++; run == n {
				return i - n + 1, true
			}
		}
		if i >= limit || n-run > limit-i {
			return 0, false
		}
		// A trailing clear run continues into the grown space.
		b.ensure(i + max(growPages, n-run))
	}
}

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}
