package kmock

import "fmt"

// The boundary-transfer shims mirror the copy_{from,to}_user convention: the return value is the
// number of bytes that could NOT be transferred, 0 meaning full success. The accessible prefix is
// really copied byte for byte; only the part past the valid window, or past an oracle-imposed
// shortfall, is left untouched. An unresolvable user pointer transfers nothing.

// CopyFromUser copies len(dst) bytes from modeled user memory at src into dst, returning the number
// of bytes not copied.
func (k *Kernel) CopyFromUser(dst []byte, src UserAddr) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := uint32(len(dst))
	k.crossing("copy_from_user", fmt.Sprintf("src=0x%x len=%d", uint32(src), n))

	ub, off, found := k.userAt(src)
	if !found {
		return n
	}

	allowed := uint32(ub.accessible(off, len(dst)))
	if sf := k.shortfall(n); allowed > n-sf {
		allowed = n - sf
	}

	copied := ub.readAt(off, dst[:allowed])
	return n - uint32(copied)
}

// CopyToUser copies src into modeled user memory at dst, returning the number of bytes not copied.
// Bytes beyond the destination's valid window are not modified.
func (k *Kernel) CopyToUser(dst UserAddr, src []byte) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := uint32(len(src))
	k.crossing("copy_to_user", fmt.Sprintf("dst=0x%x len=%d", uint32(dst), n))

	ub, off, found := k.userAt(dst)
	if !found {
		return n
	}

	allowed := uint32(ub.accessible(off, len(src)))
	if sf := k.shortfall(n); allowed > n-sf {
		allowed = n - sf
	}

	copied := ub.writeAt(off, src[:allowed])
	return n - uint32(copied)
}

// ClearUser zeroes n bytes of modeled user memory at dst, returning the number of bytes not cleared.
func (k *Kernel) ClearUser(dst UserAddr, n uint32) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("clear_user", fmt.Sprintf("dst=0x%x len=%d", uint32(dst), n))

	ub, off, found := k.userAt(dst)
	if !found {
		return n
	}

	allowed := uint32(ub.accessible(off, int(n)))
	if sf := k.shortfall(n); allowed > n-sf {
		allowed = n - sf
	}

	zero := make([]byte, allowed)
	copied := ub.writeAt(off, zero)
	return n - uint32(copied)
}

// UserSeg is one segment of an I/O vector in modeled user memory.
type UserSeg struct {
	Addr UserAddr
	Len  uint32
}

// IOVIter walks a sequence of user segments, advancing across calls the way the kernel's iov_iter
// does. Segment boundaries are transparent to the copy helpers.
type IOVIter struct {
	segs []UserSeg
	seg  int
	off  uint32
}

// NewIOVIter returns an iterator over the given segments.
func NewIOVIter(segs ...UserSeg) *IOVIter {
	return &IOVIter{segs: segs}
}

// Count returns the number of bytes the iterator has left.
func (it *IOVIter) Count() uint32 {
	var total uint32
	for i := it.seg; i < len(it.segs); i++ {
		total += it.segs[i].Len
	}
	if it.seg < len(it.segs) {
		total -= it.off
	}
	return total
}

// next returns the user address and length of the current contiguous chunk, false when exhausted.
func (it *IOVIter) next() (UserAddr, uint32, bool) {
	for it.seg < len(it.segs) && it.off >= it.segs[it.seg].Len {
		it.seg++
		it.off = 0
	}
	if it.seg >= len(it.segs) {
		return 0, 0, false
	}
	s := it.segs[it.seg]
	return UserAddr(uint32(s.Addr) + it.off), s.Len - it.off, true
}

// advance moves the iterator forward by n bytes within the current segment.
func (it *IOVIter) advance(n uint32) {
	it.off += n
}

// CopyFromIter copies up to len(dst) bytes from the iterator into dst, advancing it. Per the iov_iter
// convention the return value is the number of bytes copied, a short count meaning the iterator ran
// out, hit inaccessible memory, or was cut short by the oracle like the flat copies.
func (k *Kernel) CopyFromIter(dst []byte, it *IOVIter) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := uint32(len(dst))
	k.crossing("copy_from_iter", fmt.Sprintf("len=%d", n))

	limit := n - k.shortfall(n)

	var copied uint32
	for copied < limit {
		addr, avail, ok := it.next()
		if !ok {
			break
		}

		chunk := limit - copied
		if chunk > avail {
			chunk = avail
		}

		ub, off, found := k.userAt(addr)
		if !found {
			break
		}
		got := uint32(ub.readAt(off, dst[copied:copied+chunk]))
		copied += got
		it.advance(got)
		if got < chunk {
			// Hit the end of the valid window mid-segment.
			break
		}
	}

	return copied
}

// CopyToIter copies src into the iterator's segments, advancing it, and returns the number of bytes
// copied. The oracle may cut the transfer short like the flat copies.
func (k *Kernel) CopyToIter(src []byte, it *IOVIter) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := uint32(len(src))
	k.crossing("copy_to_iter", fmt.Sprintf("len=%d", n))

	limit := n - k.shortfall(n)

	var copied uint32
	for copied < limit {
		addr, avail, ok := it.next()
		if !ok {
			break
		}

		chunk := limit - copied
		if chunk > avail {
			chunk = avail
		}

		ub, off, found := k.userAt(addr)
		if !found {
			break
		}
		put := uint32(ub.writeAt(off, src[copied:copied+chunk]))
		copied += put
		it.advance(put)
		if put < chunk {
			break
		}
	}

	return copied
}
