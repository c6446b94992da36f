package kmock

import "testing"

func TestHandleTableAddResolve(t *testing.T) {
	var ht HandleTable
	ht.reset()

	type obj struct{ v int }
	a := &obj{1}
	b := &obj{2}

	tokenA, err := ht.add(a, 8, "a")
	if err != nil {
		t.Fatal(err)
	}
	tokenB, err := ht.add(b, 0, "b")
	if err != nil {
		t.Fatal(err)
	}

	if tokenA <= handleStart || tokenB <= handleStart {
		t.Fatalf("tokens 0x%x 0x%x fall into the reserved range", tokenA, tokenB)
	}
	if tokenA == tokenB {
		t.Fatal("distinct objects share a token")
	}

	got, off, found := ht.resolve(tokenA + 3)
	if !found || got != a || off != 3 {
		t.Fatalf("resolve mid-entry: found=%t off=%d", found, off)
	}

	// A zero-size object still occupies one address, but only exactly its own.
	if _, found := ht.lookup(tokenB); !found {
		t.Fatal("zero-size object does not resolve")
	}
	if _, _, found := ht.resolve(tokenB + 1); found {
		t.Fatal("zero-size object spans more than one address")
	}
}

func TestHandleTableLookupRejectsOffsets(t *testing.T) {
	var ht HandleTable
	ht.reset()

	a := &struct{ v int }{}
	token, err := ht.add(a, 16, "a")
	if err != nil {
		t.Fatal(err)
	}

	if _, found := ht.lookup(token); !found {
		t.Fatal("exact token not found")
	}
	if _, found := ht.lookup(token + 1); found {
		t.Fatal("mid-entry token accepted as an object handle")
	}
}

func TestHandleTableRemove(t *testing.T) {
	var ht HandleTable
	ht.reset()

	a := &struct{ v int }{}
	token, err := ht.add(a, 4, "a")
	if err != nil {
		t.Fatal(err)
	}

	ht.remove(a)
	if _, _, found := ht.resolve(token); found {
		t.Fatal("removed object still resolves")
	}
	if _, found := ht.tokenOf(a); found {
		t.Fatal("removed object still indexed")
	}

	// Removing again is a no-op.
	ht.remove(a)
}

func TestHandleTableRejectsDuplicatesAndValues(t *testing.T) {
	var ht HandleTable
	ht.reset()

	a := &struct{ v int }{}
	if _, err := ht.add(a, 0, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := ht.add(a, 0, "a again"); err == nil {
		t.Fatal("object registered twice")
	}
	if _, err := ht.add(42, 0, "value"); err == nil {
		t.Fatal("non-pointer object accepted")
	}
}

func TestHandleTableReusesFreedRanges(t *testing.T) {
	var ht HandleTable
	ht.reset()

	a := &struct{ v int }{}
	b := &struct{ v int }{}
	c := &struct{ v int }{}

	tokenA, _ := ht.add(a, 8, "a")
	if _, err := ht.add(b, 8, "b"); err != nil {
		t.Fatal(err)
	}

	ht.remove(a)
	tokenC, err := ht.add(c, 8, "c")
	if err != nil {
		t.Fatal(err)
	}
	if tokenC != tokenA {
		t.Fatalf("freed range not reused: 0x%x vs 0x%x", tokenC, tokenA)
	}
}

func TestUserBufferValidWindow(t *testing.T) {
	ub := NewUserBuffer(10)

	ub.SetValid(-1)
	if ub.Valid() != 0 {
		t.Fatal("negative valid not clamped to 0")
	}
	ub.SetValid(100)
	if ub.Valid() != 10 {
		t.Fatal("oversized valid not clamped to size")
	}
}

func TestUnmapUserBufferFaults(t *testing.T) {
	k := testKernel()

	ub := NewUserBuffer(8)
	addr, err := k.MapUserBuffer(ub, "buf")
	if err != nil {
		t.Fatal(err)
	}
	k.UnmapUserBuffer(ub)

	dst := make([]byte, 8)
	if rem := k.CopyFromUser(dst, addr); rem != 8 {
		t.Fatalf("unmapped buffer still readable, remainder %d", rem)
	}
}
