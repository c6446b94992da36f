package kmock

import "fmt"

// UserAddr is a modeled user-space pointer: a token into the kernel's handle table that resolves to a
// UserBuffer, possibly at an offset. The zero address is never valid.
type UserAddr uint32

// UserBuffer models a range of user-space memory as the engine presents it to the driver under test.
// The backing really holds bytes (copies must round-trip, a do-nothing stub would make any driver
// logic that reads back copied data silently wrong); `valid` is the length of the accessible prefix,
// everything past it behaves like a faulting page. The engine shrinks `valid` to explore partial and
// failed boundary transfers.
type UserBuffer struct {
	backing []byte
	valid   int
}

// NewUserBuffer returns a fully accessible user buffer of the given size.
func NewUserBuffer(size int) *UserBuffer {
	return &UserBuffer{
		backing: make([]byte, size),
		valid:   size,
	}
}

// SetValid marks only the first n bytes of the buffer accessible. n is clamped to the buffer size.
func (ub *UserBuffer) SetValid(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(ub.backing) {
		n = len(ub.backing)
	}
	ub.valid = n
}

// Valid returns the length of the accessible prefix.
func (ub *UserBuffer) Valid() int {
	return ub.valid
}

// Size returns the full backing size, accessible or not.
func (ub *UserBuffer) Size() int {
	return len(ub.backing)
}

// Bytes returns the backing slice. Harness-facing, the slice aliases the buffer contents.
func (ub *UserBuffer) Bytes() []byte {
	return ub.backing
}

// accessible returns how many bytes starting at off fall inside the valid prefix.
func (ub *UserBuffer) accessible(off uint32, n int) int {
	if int(off) >= ub.valid {
		return 0
	}
	avail := ub.valid - int(off)
	if n < avail {
		return n
	}
	return avail
}

// readAt copies up to len(b) accessible bytes starting at off into b, returning the number copied.
func (ub *UserBuffer) readAt(off uint32, b []byte) int {
	n := ub.accessible(off, len(b))
	copy(b[:n], ub.backing[off:int(off)+n])
	return n
}

// writeAt copies up to len(b) bytes from b into the buffer starting at off, stopping at the end of the
// valid prefix. Bytes beyond the accessible range are left untouched.
func (ub *UserBuffer) writeAt(off uint32, b []byte) int {
	n := ub.accessible(off, len(b))
	copy(ub.backing[off:int(off)+n], b[:n])
	return n
}

// MapUserBuffer registers ub in the handle table and returns the user address of its first byte.
// Harness-facing: this is how the engine hands "user memory" to the driver under test.
func (k *Kernel) MapUserBuffer(ub *UserBuffer, name string) (UserAddr, error) {
	addr, err := k.handles.add(ub, uint32(len(ub.backing)), name)
	if err != nil {
		return 0, fmt.Errorf("map user buffer: %w", err)
	}
	return UserAddr(addr), nil
}

// UnmapUserBuffer removes ub from the handle table, after which its addresses fault entirely.
func (k *Kernel) UnmapUserBuffer(ub *UserBuffer) {
	k.handles.remove(ub)
}

// userAt resolves a modeled user pointer to its buffer and offset.
func (k *Kernel) userAt(addr UserAddr) (*UserBuffer, uint32, bool) {
	obj, off, found := k.handles.resolve(uint32(addr))
	if !found {
		return nil, 0, false
	}
	ub, ok := obj.(*UserBuffer)
	if !ok {
		return nil, 0, false
	}
	return ub, off, true
}
