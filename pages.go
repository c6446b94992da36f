package kmock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GFP carries the allocation flags of alloc_pages. The shim records them but allocation outcomes are
// decided by the page policy, not the flags.
type GFP uint32

// Common GFP flag values, enough for the drivers under test.
const (
	GFPKernel GFP = 0x400 | 0x800 | 0x40 | 0x80
	GFPAtomic GFP = 0x800 | 0x200
	GFPZero   GFP = 0x100
)

// PageSize is the modeled page size in bytes.
const PageSize = 4096

// maxPageOrder matches MAX_ORDER-1: the largest 2^order block a single allocation may request.
const maxPageOrder = 10

// PageAllocPolicy decides how AllocPages behaves. Allocation failure is a normal, intentionally
// explorable outcome, not a shim fault: an always-succeeds stub would make every driver ENOMEM branch
// unreachable.
type PageAllocPolicy uint8

const (
	// PageAllocAlwaysSucceed grants every well-formed allocation.
	PageAllocAlwaysSucceed PageAllocPolicy = iota
	// PageAllocAlwaysFail returns the null page for every call, for failure-path sweeps.
	PageAllocAlwaysFail
	// PageAllocBudget grants allocations until the configured number of pages is exhausted.
	PageAllocBudget
	// PageAllocOracle defers each decision to the engine's oracle.
	PageAllocOracle
)

// PageHandle is an opaque token for an allocated page block. The zero handle is the null page.
type PageHandle uint32

// KmapAddr is the kernel-side address of a mapped page block. The zero address is invalid.
type KmapAddr uint32

// Page is the bookkeeping behind a PageHandle: an opaque block of kernel memory of size 2^order
// pages. The backing really holds bytes so mapped pages behave like memory, not like tokens.
type Page struct {
	order  uint32
	mapped bool
	freed  bool
	data   []byte
	window *kmapWindow
}

// Order returns the allocation order of the block.
func (p *Page) Order() uint32 { return p.order }

// Mapped reports whether the block is currently kmapped.
func (p *Page) Mapped() bool { return p.mapped }

// Bytes returns the backing of the block. Harness-facing.
func (p *Page) Bytes() []byte { return p.data }

// kmapWindow is the handle-table entry representing one kmap of a page block. A separate object per
// mapping keeps the page handle and the mapped address distinct tokens, as they are in the kernel.
type kmapWindow struct {
	page *Page
}

// AllocPages allocates a block of 2^order pages, returning the null page when the order is malformed
// or the active policy denies the allocation. Null returns are first-class outcomes the driver's
// error paths must handle; the engine picks the policy (or answers through the oracle) to reach them.
func (k *Kernel) AllocPages(gfp GFP, order uint32) PageHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("alloc_pages", fmt.Sprintf("gfp=0x%x order=%d", uint32(gfp), order))

	if order > maxPageOrder {
		return 0
	}

	pages := uint64(1) << order
	switch k.settings.PagePolicy {
	case PageAllocAlwaysFail:
		return 0
	case PageAllocBudget:
		if k.pagesUsed+pages > k.settings.PageBudget {
			return 0
		}
	case PageAllocOracle:
		if !k.settings.Oracle.AllocPages(gfp, order) {
			return 0
		}
	}

	p := &Page{
		order: order,
		data:  make([]byte, pages*PageSize),
	}
	token, err := k.handles.add(p, 0, "page")
	if err != nil {
		return 0
	}

	k.pagesUsed += pages
	return PageHandle(token)
}

func (k *Kernel) pageAt(h PageHandle) *Page {
	obj, found := k.handles.lookup(uint32(h))
	if !found {
		return nil
	}
	p, ok := obj.(*Page)
	if !ok {
		return nil
	}
	return p
}

// KMap maps a page block into the kernel address space, returning the address of its first byte. A
// null, freed or already-mapped page yields the zero address; mapping a freed page is additionally a
// usage violation (use after free).
func (k *Kernel) KMap(h PageHandle) KmapAddr {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("kmap", fmt.Sprintf("page=0x%x", uint32(h)))

	p := k.pageAt(h)
	if p == nil {
		k.violation("kmap", fmt.Sprintf("invalid page handle 0x%x", uint32(h)))
		return 0
	}
	if p.freed {
		k.violation("kmap", "kmap of a freed page")
		return 0
	}
	if p.mapped {
		k.violation("kmap", "page mapped twice")
		return 0
	}

	w := &kmapWindow{page: p}
	token, err := k.handles.add(w, uint32(len(p.data)), "kmap")
	if err != nil {
		return 0
	}

	p.mapped = true
	p.window = w
	return KmapAddr(token)
}

// KUnmap unmaps a currently mapped page block. Unmapping a page that is not mapped, including a
// second unmap, is a usage violation.
func (k *Kernel) KUnmap(h PageHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("kunmap", fmt.Sprintf("page=0x%x", uint32(h)))

	p := k.pageAt(h)
	if p == nil {
		k.violation("kunmap", fmt.Sprintf("invalid page handle 0x%x", uint32(h)))
		return
	}
	if !p.mapped {
		k.violation("kunmap", "kunmap of a page that is not mapped")
		return
	}

	k.handles.remove(p.window)
	p.window = nil
	p.mapped = false
}

// FreePages returns a block to the allocator. The order must match the allocation; freeing a block
// twice or freeing while still mapped is a usage violation. The handle stays resolvable so later
// misuse is detected as use-after-free rather than as an unknown handle.
func (k *Kernel) FreePages(h PageHandle, order uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("__free_pages", fmt.Sprintf("page=0x%x order=%d", uint32(h), order))

	p := k.pageAt(h)
	if p == nil {
		k.violation("__free_pages", fmt.Sprintf("invalid page handle 0x%x", uint32(h)))
		return
	}
	if p.freed {
		k.violation("__free_pages", "page freed twice")
		return
	}
	if p.order != order {
		k.violation("__free_pages", fmt.Sprintf("freed with order %d, allocated with order %d", order, p.order))
		return
	}
	if p.mapped {
		k.violation("__free_pages", "page freed while mapped")
		k.handles.remove(p.window)
		p.window = nil
		p.mapped = false
	}

	p.freed = true
	k.pagesUsed -= uint64(1) << p.order
}

// VmInsertPage inserts a page block into a user VMA. The VMA itself is opaque here; the shim
// validates the page handle and records the insertion. Inserting a null or freed page fails with
// -EINVAL, the freed case being a use-after-free violation.
func (k *Kernel) VmInsertPage(vma uint64, addr uint64, h PageHandle) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("vm_insert_page", fmt.Sprintf("vma=0x%x addr=0x%x page=0x%x", vma, addr, uint32(h)))

	p := k.pageAt(h)
	if p == nil {
		return errno(unix.EINVAL)
	}
	if p.freed {
		k.violation("vm_insert_page", "insert of a freed page")
		return errno(unix.EINVAL)
	}

	return 0
}

// KernelBytes resolves a kmap address to the mapped block's backing at the address' offset.
// Harness-facing, for asserting on data the driver wrote through a mapping.
func (k *Kernel) KernelBytes(addr KmapAddr) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, off, found := k.handles.resolve(uint32(addr))
	if !found {
		return nil, false
	}
	w, ok := obj.(*kmapWindow)
	if !ok {
		return nil, false
	}
	return w.page.data[off:], true
}
