// Package pm implements the page manager: a binary-buddy allocator over a
// contiguous host byte range. It is the lowest layer of the memory
// subsystem -- the heap allocator (package ha) and the guest virtual
// memory translator (package vm) both obtain their backing pages from a
// PageManager_t.
//
// Block metadata is split two ways. The freelist link nodes for a free
// block are written inside the block itself (an intrusive list, exactly
// as the block's bytes are otherwise unused while free). The per-order
// bitsets, by contrast, are ordinary Go-heap slices rather than bytes
// carved out of the managed range: a bitset entry must be readable even
// while every byte of the managed range is handed out, and Go's garbage
// collector cannot safely trace a struct containing a sync.Mutex and
// slice headers if it is overlaid on raw mmap'd memory. See DESIGN.md
// for the full rationale.
package pm

import (
	"sync"
	"unsafe"

	"github.com/iamleson98/rsm/internal/errs"
	"github.com/iamleson98/rsm/internal/hostmem"
	"github.com/iamleson98/rsm/internal/rlog"
	"github.com/iamleson98/rsm/internal/util"
)

// Pa_t is a host byte address inside (or derived from) a managed range.
type Pa_t uintptr

const (
	// PGSHIFT is the base-2 exponent of the page size.
	PGSHIFT uint = 12
	// PGSIZE is the size of a single page in bytes.
	PGSIZE int = 1 << PGSHIFT
	// DefaultMaxOrder is the largest block order when none is configured.
	DefaultMaxOrder = 20
)

// noneAddr marks an empty freelist link, mirroring the ^uint32(0) "no
// next" sentinel used by the teacher's physical page allocator.
const noneAddr = ^uintptr(0)

type freeNode_t struct {
	prev, next uintptr
}

func nodeAt(base Pa_t, rel uintptr) *freeNode_t {
	return (*freeNode_t)(unsafe.Pointer(uintptr(base) + rel))
}

// PageManager_t owns a contiguous host range and serves power-of-two,
// page-aligned page runs from it via a binary-buddy scheme.
type PageManager_t struct {
	mu sync.Mutex

	rng      *hostmem.Range
	start    Pa_t
	usable   uintptr // bytes in [start, start+usable) available to callers
	maxOrder int

	freeHead []uintptr  // per-order head of the intrusive freelist
	bitset   [][]uint64 // per-order allocation bitset (1 = in use / sentinel)

	freeBytes int64
}

// Option configures Create.
type Option func(*PageManager_t)

// WithMaxOrder overrides DefaultMaxOrder.
func WithMaxOrder(order int) Option {
	return func(p *PageManager_t) { p.maxOrder = order }
}

// Create acquires size bytes of host memory (rounded up to the page
// size) and lays out the buddy allocator over it. It fails only if the
// range cannot hold metadata plus at least one usable page.
func Create(size int, opts ...Option) (*PageManager_t, error) {
	if size < PGSIZE {
		return nil, errs.New("pm.Create", errs.InvalidArgument, "size smaller than one page")
	}
	rng, err := hostmem.Acquire(size)
	if err != nil {
		return nil, errs.New("pm.Create", errs.OutOfMemory, err.Error())
	}
	return createOver(rng, opts...)
}

func createOver(rng *hostmem.Range, opts ...Option) (*PageManager_t, error) {
	p := &PageManager_t{
		rng:      rng,
		start:    Pa_t(rng.Base),
		usable:   uintptr(util.Rounddown(rng.Size, PGSIZE)),
		maxOrder: DefaultMaxOrder,
	}
	for _, o := range opts {
		o(p)
	}
	if p.usable < uintptr(PGSIZE) {
		_ = rng.Release()
		return nil, errs.New("pm.Create", errs.OutOfMemory, "range holds no usable page")
	}
	// Clamp maxOrder so that a single top-order block never exceeds the
	// usable range; this also bounds the bitset sizes we allocate below.
	for p.maxOrder > 0 && uintptr(PGSIZE)<<uint(p.maxOrder) > p.usable {
		p.maxOrder--
	}

	p.freeHead = make([]uintptr, p.maxOrder+1)
	for o := range p.freeHead {
		p.freeHead[o] = noneAddr
	}
	p.bitset = make([][]uint64, p.maxOrder+1)
	for o := 0; o <= p.maxOrder; o++ {
		nblocks := p.numBlocks(o)
		words := (nblocks + 1 + 63) / 64 // +1 for the past-end sentinel
		p.bitset[o] = make([]uint64, words)
	}
	// Seed the sentinel bit just past the last real block at every
	// order so that a coalesce can never walk off the managed range.
	for o := 0; o <= p.maxOrder; o++ {
		p.setBit(o, uintptr(p.numBlocks(o)))
	}

	p.seed()
	rlog.L.Infow("pm: created", "bytes", p.usable, "pages", p.usable/uintptr(PGSIZE), "max_order", p.maxOrder)
	return p, nil
}

// numBlocks returns how many order-o blocks fit in the usable range.
func (p *PageManager_t) numBlocks(o int) int {
	return int(p.usable >> (PGSHIFT + uint(o)))
}

// seed peels off the largest admissible power-of-two block repeatedly
// until the usable range is exhausted, pushing each onto its order's
// freelist. Because every peeled block's offset is, by construction,
// aligned to its own size, everything later split from a peeled block
// re-coalesces back into that block on a full teardown. Separately
// peeled blocks are never merged with each other.
func (p *PageManager_t) seed() {
	var off uintptr
	remaining := p.usable
	for remaining > 0 {
		o := p.maxOrder
		for o > 0 {
			blockSize := uintptr(PGSIZE) << uint(o)
			if blockSize <= remaining && off%blockSize == 0 {
				break
			}
			o--
		}
		blockSize := uintptr(PGSIZE) << uint(o)
		p.pushFree(o, off)
		off += blockSize
		remaining -= blockSize
		p.freeBytes += int64(blockSize)
	}
}

func (p *PageManager_t) pushFree(o int, rel uintptr) {
	n := nodeAt(p.start, rel)
	n.prev = noneAddr
	n.next = p.freeHead[o]
	if p.freeHead[o] != noneAddr {
		nodeAt(p.start, p.freeHead[o]).prev = rel
	}
	p.freeHead[o] = rel
}

func (p *PageManager_t) popFree(o int) (uintptr, bool) {
	rel := p.freeHead[o]
	if rel == noneAddr {
		return 0, false
	}
	n := nodeAt(p.start, rel)
	p.freeHead[o] = n.next
	if n.next != noneAddr {
		nodeAt(p.start, n.next).prev = noneAddr
	}
	return rel, true
}

func (p *PageManager_t) unlinkFree(o int, rel uintptr) {
	n := nodeAt(p.start, rel)
	if n.prev != noneAddr {
		nodeAt(p.start, n.prev).next = n.next
	} else {
		p.freeHead[o] = n.next
	}
	if n.next != noneAddr {
		nodeAt(p.start, n.next).prev = n.prev
	}
}

func (p *PageManager_t) blockIndex(o int, rel uintptr) uintptr {
	return rel >> (PGSHIFT + uint(o))
}

func (p *PageManager_t) setBit(o int, idx uintptr) {
	p.bitset[o][idx/64] |= 1 << (idx % 64)
}

func (p *PageManager_t) clearBit(o int, idx uintptr) {
	p.bitset[o][idx/64] &^= 1 << (idx % 64)
}

func (p *PageManager_t) bitSet(o int, idx uintptr) bool {
	w := idx / 64
	if int(w) >= len(p.bitset[o]) {
		return true // past the managed bitset: treat as the sentinel
	}
	return p.bitset[o][w]&(1<<(idx%64)) != 0
}

// allocOrder allocates one block of order o, splitting a higher-order
// block if necessary. Caller holds p.mu.
func (p *PageManager_t) allocOrder(o int) (uintptr, error) {
	if o > p.maxOrder {
		return 0, errs.New("pm.AllocPages", errs.OutOfMemory, "exceeds max order")
	}
	if rel, ok := p.popFree(o); ok {
		p.setBit(o, p.blockIndex(o, rel))
		p.freeBytes -= int64(PGSIZE) << uint(o)
		return rel, nil
	}
	parentRel, err := p.allocOrder(o + 1)
	if err != nil {
		return 0, err
	}
	half := uintptr(PGSIZE) << uint(o)
	childRel := parentRel
	buddyRel := parentRel + half
	p.pushFree(o, buddyRel)
	p.setBit(o, p.blockIndex(o, childRel))
	// buddyRel's bit stays clear: it is free, exactly as a seeded block is.
	p.freeBytes += int64(half)
	return childRel, nil
}

// freeOrder frees the block at rel (order o), coalescing with its buddy
// for as long as the buddy is itself free. Caller holds p.mu.
func (p *PageManager_t) freeOrder(rel uintptr, o int) {
	p.clearBit(o, p.blockIndex(o, rel))
	p.freeBytes += int64(PGSIZE) << uint(o)
	if o >= p.maxOrder {
		p.pushFree(o, rel)
		return
	}
	buddyRel := rel ^ (uintptr(PGSIZE) << uint(o))
	if !p.bitSet(o, p.blockIndex(o, buddyRel)) {
		p.unlinkFree(o, buddyRel)
		merged := util.Min(rel, buddyRel)
		// Both halves are already counted as free; the recursive call
		// below adds the merged block's size again, so take it back here.
		p.freeBytes -= int64(PGSIZE) << uint(o+1)
		p.freeOrder(merged, o+1)
		return
	}
	p.pushFree(o, rel)
}

// orderOf discovers the allocation order of addr by scanning bitsets
// from order 0 upward until a set bit is found at addr's index --
// exactly the scan the design calls for, since an address is never
// marked allocated at any order finer than the one it was actually
// handed out at.
func (p *PageManager_t) orderOf(rel uintptr) (int, bool) {
	for o := 0; o <= p.maxOrder; o++ {
		blockSize := uintptr(PGSIZE) << uint(o)
		if rel%blockSize != 0 {
			continue
		}
		idx := rel / blockSize
		if int(idx) > p.numBlocks(o) {
			continue
		}
		if p.bitSet(o, idx) {
			return o, true
		}
	}
	return 0, false
}

// AllocPages allocates npages contiguous, page-aligned pages. npages
// must be a power of two; violating that is a caller bug and panics
// rather than returning an error.
func (p *PageManager_t) AllocPages(npages int) (Pa_t, error) {
	if !util.IsPow2(npages) {
		errs.Fatalf("pm.AllocPages: npages %d is not a power of two", npages)
	}
	o := int(util.Log2(uint(npages)))
	p.mu.Lock()
	defer p.mu.Unlock()
	rel, err := p.allocOrder(o)
	if err != nil {
		return 0, err
	}
	return p.start + Pa_t(rel), nil
}

// AllocPagesMin tries ceil_pow2(reqNpages) pages, halving the request
// until minNpages if the range is exhausted. It returns the address and
// the number of pages actually granted. A nonsensical request/min pair
// is a caller bug and panics rather than returning an error.
func (p *PageManager_t) AllocPagesMin(reqNpages, minNpages int) (Pa_t, int, error) {
	if reqNpages <= 0 || minNpages <= 0 || minNpages > reqNpages {
		errs.Fatalf("pm.AllocPagesMin: bad request/min pair (%d, %d)", reqNpages, minNpages)
	}
	want := int(util.CeilPow2(uint(reqNpages)))
	min := int(util.CeilPow2(uint(minNpages)))
	for want >= min {
		if addr, err := p.AllocPages(want); err == nil {
			return addr, want, nil
		}
		want >>= 1
	}
	return 0, 0, errs.New("pm.AllocPagesMin", errs.OutOfMemory, "no order between min and req is available")
}

// FreePages returns the block starting at ptr, coalescing with a free
// buddy iteratively up to MaxOrder. ptr must be the exact address
// returned by a prior AllocPages/AllocPagesMin call; freeing an address
// this manager never handed out is a fatal safety check, not a
// returned error.
func (p *PageManager_t) FreePages(ptr Pa_t) error {
	if ptr < p.start || uintptr(ptr) >= uintptr(p.start)+p.usable {
		errs.Fatalf("pm.FreePages: address %#x outside managed range", ptr)
	}
	rel := uintptr(ptr - p.start)
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orderOf(rel)
	if !ok {
		errs.Fatalf("pm.FreePages: address %#x is not an outstanding allocation", ptr)
	}
	p.freeOrder(rel, o)
	return nil
}

// CapacityPages returns the total number of pages this manager owns.
func (p *PageManager_t) CapacityPages() int {
	return int(p.usable / uintptr(PGSIZE))
}

// FreePagesTotal returns the number of currently free pages.
func (p *PageManager_t) FreePagesTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.freeBytes / int64(PGSIZE))
}

// FreePagesLargestRun returns the page count of the single largest
// contiguous free block currently available.
func (p *PageManager_t) FreePagesLargestRun() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for o := p.maxOrder; o >= 0; o-- {
		if p.freeHead[o] != noneAddr {
			return 1 << uint(o)
		}
	}
	return 0
}

// StartAddress returns the base address of the managed range.
func (p *PageManager_t) StartAddress() Pa_t {
	return p.start
}

// MaxOrder returns the clamped maximum order this manager supports.
func (p *PageManager_t) MaxOrder() int {
	return p.maxOrder
}

// Dispose releases the underlying host range. The PageManager_t must not
// be used afterwards.
func (p *PageManager_t) Dispose() error {
	return p.rng.Release()
}
