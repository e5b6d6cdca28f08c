package ext2

// bitmap is an allocation bitmap with bit i stored as 1<<(i%8) of byte i/8.
type bitmap []byte

// firstClear returns the lowest clear bit below limit.
func (b bitmap) firstClear(limit uint32) (uint32, bool) {
	for byt := uint32(0); byt < uint32(len(b)) && byt*8 < limit; byt++ {
		if b[byt] == 0xff {
			continue
		}
		for bit := uint32(0); bit < 8; bit++ {
			i := byt*8 + bit
			if i >= limit {
				return 0, false
			}
			if b[byt]&(1<<bit) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func (b bitmap) test(i uint32) bool { return b[i/8]&(1<<(i%8)) != 0 }
func (b bitmap) set(i uint32)       { b[i/8] |= 1 << (i % 8) }
func (b bitmap) clear(i uint32)     { b[i/8] &^= 1 << (i % 8) }
