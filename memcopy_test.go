package kmock

import (
	"bytes"
	"testing"
)

func TestCopyRoundTrip(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(32)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	src := []byte("the quick brown fox jumps over")
	if rem := k.CopyToUser(addr, src); rem != 0 {
		t.Fatalf("copy_to_user remainder %d", rem)
	}

	dst := make([]byte, len(src))
	if rem := k.CopyFromUser(dst, addr); rem != 0 {
		t.Fatalf("copy_from_user remainder %d", rem)
	}

	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: %q vs %q", src, dst)
	}
}

func TestCopyToUserPartiallyValidDestination(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(16)
	ub.SetValid(8)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	src := bytes.Repeat([]byte{0xAA}, 16)
	rem := k.CopyToUser(addr, src)
	if rem != 8 {
		t.Fatalf("remainder %d, expected 8", rem)
	}

	// Only the accessible prefix was written, the rest is untouched.
	for i, b := range ub.Bytes() {
		if i < 8 && b != 0xAA {
			t.Fatalf("byte %d not copied", i)
		}
		if i >= 8 && b != 0 {
			t.Fatalf("byte %d past the valid window was modified", i)
		}
	}
}

func TestCopyFromUserPartiallyValidSource(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(16)
	copy(ub.Bytes(), bytes.Repeat([]byte{0x55}, 16))
	ub.SetValid(4)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, 16)
	if rem := k.CopyFromUser(dst, addr); rem != 12 {
		t.Fatalf("remainder %d, expected 12", rem)
	}
	for i, b := range dst {
		if i < 4 && b != 0x55 {
			t.Fatalf("byte %d not copied", i)
		}
		if i >= 4 && b != 0 {
			t.Fatalf("byte %d copied from past the valid window", i)
		}
	}
}

func TestCopyUnresolvablePointer(t *testing.T) {
	k := testKernel()

	dst := make([]byte, 8)
	if rem := k.CopyFromUser(dst, 0); rem != 8 {
		t.Fatalf("null pointer copy remainder %d", rem)
	}
	if rem := k.CopyToUser(UserAddr(0x42), dst); rem != 8 {
		t.Fatalf("bogus pointer copy remainder %d", rem)
	}
}

func TestCopyAtOffset(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(16)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	// A pointer into the middle of a mapped buffer resolves with the right offset.
	if rem := k.CopyToUser(addr+4, []byte{1, 2, 3, 4}); rem != 0 {
		t.Fatalf("offset copy remainder %d", rem)
	}
	if got := ub.Bytes()[4:8]; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("offset copy landed at %v", ub.Bytes())
	}
}

func TestOracleImposedShortfall(t *testing.T) {
	k := testKernel(KernelOptOracle(&FixedOracle{PageAllocOK: true, Shortfall: 4}))

	ub := NewUserBuffer(16)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	src := bytes.Repeat([]byte{0xBB}, 16)
	if rem := k.CopyToUser(addr, src); rem != 4 {
		t.Fatalf("remainder %d, expected oracle shortfall 4", rem)
	}
	if ub.Bytes()[11] != 0xBB || ub.Bytes()[12] != 0 {
		t.Fatal("shortfall boundary wrong")
	}
}

func TestClearUser(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(8)
	copy(ub.Bytes(), bytes.Repeat([]byte{0xFF}, 8))
	ub.SetValid(6)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	if rem := k.ClearUser(addr, 8); rem != 2 {
		t.Fatalf("clear_user remainder %d, expected 2", rem)
	}
	for i, b := range ub.Bytes() {
		if i < 6 && b != 0 {
			t.Fatalf("byte %d not cleared", i)
		}
		if i >= 6 && b != 0xFF {
			t.Fatalf("byte %d past the valid window was cleared", i)
		}
	}
}

func TestIOVIterRoundTrip(t *testing.T) {
	k := testKernel()

	a := NewUserBuffer(4)
	b := NewUserBuffer(8)
	addrA, err := k.MapUserBuffer(a, "a")
	if err != nil {
		t.Fatal(err)
	}
	addrB, err := k.MapUserBuffer(b, "b")
	if err != nil {
		t.Fatal(err)
	}

	src := []byte("0123456789AB")

	out := NewIOVIter(UserSeg{Addr: addrA, Len: 4}, UserSeg{Addr: addrB, Len: 8})
	if n := k.CopyToIter(src, out); n != 12 {
		t.Fatalf("copy_to_iter copied %d", n)
	}
	if out.Count() != 0 {
		t.Fatalf("iterator has %d bytes left", out.Count())
	}

	in := NewIOVIter(UserSeg{Addr: addrA, Len: 4}, UserSeg{Addr: addrB, Len: 8})
	dst := make([]byte, 12)
	if n := k.CopyFromIter(dst, in); n != 12 {
		t.Fatalf("copy_from_iter copied %d", n)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("iov round trip mismatch: %q vs %q", src, dst)
	}
}

func TestIOVIterAdvancesAcrossCalls(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(8)
	copy(ub.Bytes(), "abcdefgh")
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	it := NewIOVIter(UserSeg{Addr: addr, Len: 8})

	first := make([]byte, 3)
	if n := k.CopyFromIter(first, it); n != 3 {
		t.Fatalf("first read copied %d", n)
	}
	second := make([]byte, 5)
	if n := k.CopyFromIter(second, it); n != 5 {
		t.Fatalf("second read copied %d", n)
	}

	if string(first) != "abc" || string(second) != "defgh" {
		t.Fatalf("iterator position wrong: %q then %q", first, second)
	}
}

func TestIOVIterOracleShortfall(t *testing.T) {
	k := testKernel(KernelOptOracle(&FixedOracle{PageAllocOK: true, Shortfall: 4}))

	ub := NewUserBuffer(8)
	copy(ub.Bytes(), "abcdefgh")
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	out := NewIOVIter(UserSeg{Addr: addr, Len: 8})
	if n := k.CopyToIter(bytes.Repeat([]byte{0xCC}, 8), out); n != 4 {
		t.Fatalf("copy_to_iter copied %d under a shortfall of 4", n)
	}
	if ub.Bytes()[3] != 0xCC || ub.Bytes()[4] != 'e' {
		t.Fatal("shortfall boundary wrong on copy_to_iter")
	}

	in := NewIOVIter(UserSeg{Addr: addr, Len: 8})
	dst := make([]byte, 8)
	if n := k.CopyFromIter(dst, in); n != 4 {
		t.Fatalf("copy_from_iter copied %d under a shortfall of 4", n)
	}
}

func TestIOVIterStopsAtInvalidMemory(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(8)
	ub.SetValid(5)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}

	it := NewIOVIter(UserSeg{Addr: addr, Len: 8})
	if n := k.CopyToIter(bytes.Repeat([]byte{1}, 8), it); n != 5 {
		t.Fatalf("copied %d into a 5-byte-valid segment", n)
	}
}
