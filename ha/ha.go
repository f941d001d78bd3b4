// Package ha implements the heap allocator layered on top of pm: small,
// fixed-size requests are routed to slab pools, larger requests to
// chunk-bitmap subheaps. Both layers draw their backing pages directly
// from a pm.PageManager_t, so ha never talks to the host OS itself.
package ha

import (
	"sync"
	"unsafe"

	"github.com/iamleson98/rsm/internal/errs"
	"github.com/iamleson98/rsm/internal/rconfig"
	"github.com/iamleson98/rsm/internal/rlog"
	"github.com/iamleson98/rsm/internal/util"
	"github.com/iamleson98/rsm/pm"
)

// PGSIZE mirrors pm.PGSIZE; ha's slab blocks and subheap regions are
// always sized in whole pages.
const PGSIZE = pm.PGSIZE

const (
	scrubUninit = 0xAA // fresh allocation, not yet written by the caller
	scrubFreed  = 0xDD // returned to the allocator, not yet reused
)

// HeapAllocator_t routes allocations between slab pools and subheaps.
// Every pointer it hands out traces back to a page run owned by pm.
type HeapAllocator_t struct {
	mu sync.Mutex

	pm  *pm.PageManager_t
	cfg rconfig.Config

	slabs [slabCount]slabHeap_t
	// slabOwner maps a slab block's base address to the index of the
	// size class that owns it, recovering on Free what the bitmap
	// allocator would otherwise need the caller to supply.
	slabOwner map[uintptr]int

	subheaps *subheap_t
	// largeSizes maps a subheap allocation's address to its chunk count;
	// a chunk-use bitmap alone cannot recover a run's length on Free.
	largeSizes map[uintptr]int
}

// Create reserves an initial page run sized to hold at least minInitmem
// bytes and lays the first subheap over it. Later allocations, slab or
// subheap, pull additional pages from pmgr on demand.
func Create(pmgr *pm.PageManager_t, minInitmem int, cfg rconfig.Config) (*HeapAllocator_t, error) {
	h := &HeapAllocator_t{
		pm:         pmgr,
		cfg:        cfg,
		slabOwner:  make(map[uintptr]int),
		largeSizes: make(map[uintptr]int),
	}
	for i := range h.slabs {
		h.slabs[i].init(slabMin << uint(i))
	}

	reqPages := (minInitmem + PGSIZE - 1) / PGSIZE
	if reqPages < 1 {
		reqPages = 1
	}
	pagesPow2 := int(util.CeilPow2(uint(reqPages)))
	addr, granted, err := pmgr.AllocPagesMin(pagesPow2, pagesPow2)
	if err != nil {
		return nil, errs.New("ha.Create", errs.OutOfMemory, "cannot reserve initial memory")
	}
	sh := newSubheap(uintptr(addr), granted*PGSIZE, PGSIZE)
	if sh == nil {
		return nil, errs.New("ha.Create", errs.OutOfMemory, "initial region too small for one chunk")
	}
	h.subheaps = sh
	rlog.L.Infow("ha: created", "initial_pages", granted)
	return h, nil
}

// AllocSize reports how many bytes a request for size bytes would
// actually reserve, without allocating anything.
func (h *HeapAllocator_t) AllocSize(size int) int {
	if size <= 0 {
		return 0
	}
	if c := slabClassFor(size); c != 0 {
		return c
	}
	n := (size + chunkSize - 1) / chunkSize
	return n * chunkSize
}

// Alloc reserves at least size bytes with whatever alignment its
// serving size class or chunk size naturally provides.
func (h *HeapAllocator_t) Alloc(size int) (uintptr, error) {
	return h.AllocAligned(size, 1)
}

// AllocAligned reserves at least size bytes aligned to alignment, which
// must be a power of two no larger than the page size. A caller that
// violates either precondition hits a fatal check rather than an
// error return.
func (h *HeapAllocator_t) AllocAligned(size, alignment int) (uintptr, error) {
	if size <= 0 {
		errs.Fatalf("ha.AllocAligned: size %d must be positive", size)
	}
	if !util.IsPow2(alignment) || alignment > PGSIZE {
		errs.Fatalf("ha.AllocAligned: alignment %d must be a power of two <= page size", alignment)
	}
	want := size
	if alignment > 1 {
		want = int(alignUp(uintptr(size), uintptr(alignment)))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var ptr uintptr
	var err error
	if c := slabClassFor(want); c != 0 && alignment <= c {
		ptr, err = h.allocSlab(c)
	} else {
		ptr, err = h.allocLarge(want, alignment)
	}
	if err != nil {
		return 0, err
	}
	h.scrub(ptr, want, scrubUninit)
	return ptr, nil
}

func (h *HeapAllocator_t) allocSlab(sizeClass int) (uintptr, error) {
	idx := classIndex(sizeClass)
	s := &h.slabs[idx]
	return s.alloc(func() (uintptr, error) {
		addr, err := h.pm.AllocPages(slabBlockSize / PGSIZE)
		if err != nil {
			return 0, errs.New("ha.Alloc", errs.OutOfMemory, "cannot grow slab class")
		}
		h.slabOwner[uintptr(addr)] = idx
		return uintptr(addr), nil
	})
}

func (h *HeapAllocator_t) allocLarge(size, alignment int) (uintptr, error) {
	n := (size + chunkSize - 1) / chunkSize
	if n < 1 {
		n = 1
	}
	alignChunks := 1
	if alignment > chunkSize {
		alignChunks = alignment / chunkSize
	}
	bestFit := n >= h.cfg.BestFitThreshold

	for s := h.subheaps; s != nil; s = s.next {
		if ptr, ok := s.alloc(n, alignChunks, bestFit); ok {
			h.largeSizes[ptr] = n
			return ptr, nil
		}
	}

	grown, err := h.growSubheap(n, alignChunks)
	if err != nil {
		return 0, err
	}
	ptr, ok := grown.alloc(n, alignChunks, bestFit)
	if !ok {
		return 0, errs.New("ha.Alloc", errs.OutOfMemory, "new subheap too small for request")
	}
	h.largeSizes[ptr] = n
	return ptr, nil
}

func (h *HeapAllocator_t) growSubheap(needChunks, alignChunks int) (*subheap_t, error) {
	needBytes := (needChunks + alignChunks) * chunkSize
	reqPages := (needBytes + PGSIZE - 1) / PGSIZE
	pagesPow2 := int(util.CeilPow2(uint(reqPages)))
	addr, granted, err := h.pm.AllocPagesMin(pagesPow2, 1)
	if err != nil {
		return nil, errs.New("ha.Alloc", errs.OutOfMemory, "cannot grow subheap")
	}
	sh := newSubheap(uintptr(addr), granted*PGSIZE, PGSIZE)
	if sh == nil {
		return nil, errs.New("ha.Alloc", errs.OutOfMemory, "granted region too small for one chunk")
	}
	sh.next = h.subheaps
	h.subheaps = sh
	return sh, nil
}

// Free releases a region previously returned by Alloc or AllocAligned.
// Freeing a region not owned by any subheap or slab is a fatal safety
// check, not a returned error.
func (h *HeapAllocator_t) Free(ptr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n, ok := h.largeSizes[ptr]; ok {
		delete(h.largeSizes, ptr)
		for s := h.subheaps; s != nil; s = s.next {
			if s.contains(ptr) {
				h.scrub(ptr, n*chunkSize, scrubFreed)
				s.free(ptr, n)
				return nil
			}
		}
		errs.Fatalf("ha.Free: region at %#x not owned by any subheap", ptr)
	}

	blockBase := slabBlockBase(ptr)
	idx, ok := h.slabOwner[blockBase]
	if !ok {
		errs.Fatalf("ha.Free: pointer %#x not owned by this allocator", ptr)
	}
	s := &h.slabs[idx]
	h.scrub(ptr, s.sizeClass, scrubFreed)
	s.free(ptr)
	return nil
}

// Avail returns an approximate count of free bytes across every
// subheap. Slab recycle capacity isn't included: those pages are
// already permanently claimed from pm for that size class.
func (h *HeapAllocator_t) Avail() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for s := h.subheaps; s != nil; s = s.next {
		total += s.freeChunks() * chunkSize
	}
	return total
}

// Capacity returns the total chunk bytes across every subheap. Bytes a
// subheap's region sets aside for its chunk-use bitmap, and slab blocks,
// are not counted.
func (h *HeapAllocator_t) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for s := h.subheaps; s != nil; s = s.next {
		total += s.nchunks * chunkSize
	}
	return total
}

// Diagnose inspects the first n bytes at ptr and reports whether they
// look like untouched scrub fill. It is a best-effort aid only: real
// data that happens to match a sentinel byte is indistinguishable from
// scrub fill.
func (h *HeapAllocator_t) Diagnose(ptr uintptr, n int) string {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	// A freed slab chunk holds its recycle link in its first word, so only
	// the bytes after that link can still carry the freed sentinel.
	freedMem := mem
	h.mu.Lock()
	_, inSlab := h.slabOwner[slabBlockBase(ptr)]
	h.mu.Unlock()
	if link := int(unsafe.Sizeof(recycleNode_t{})); inSlab && n > link {
		freedMem = mem[link:]
	}
	allEqual := func(mem []byte, b byte) bool {
		for _, v := range mem {
			if v != b {
				return false
			}
		}
		return true
	}
	switch {
	case allEqual(mem, scrubUninit):
		return "possibly-uninitialized"
	case allEqual(freedMem, scrubFreed):
		return "possibly-use-after-free"
	default:
		return "ok"
	}
}

func (h *HeapAllocator_t) scrub(ptr uintptr, n int, b byte) {
	if b == scrubFreed && !h.cfg.ScrubOnFree {
		return
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	for i := range mem {
		mem[i] = b
	}
}

func classIndex(sizeClass int) int {
	idx := 0
	for c := slabMin; c < sizeClass; c <<= 1 {
		idx++
	}
	return idx
}
