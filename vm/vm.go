// Package vm implements guest paged virtual memory: a multi-level page
// directory with lazy backing-page allocation, read by a direct-mapped
// software translation cache (package-local type Cache_t). The page
// directory obtains its tables and backing pages from a
// pm.PageManager_t; vm never talks to the host OS directly.
package vm

import (
	"sync"
	"unsafe"

	"github.com/iamleson98/rsm/internal/errs"
	"github.com/iamleson98/rsm/pm"
)

const (
	pgshift = pm.PGSHIFT
	pgsize  = pm.PGSIZE

	// ptabLen is the number of PTEs in one page-sized page table.
	ptabLen = pgsize / 8
	// ptabBits is log2(ptabLen); each directory level consumes this many
	// VFN bits.
	ptabBits = 9
	// vfnBits bounds the guest address space to a 48-bit-style layout
	// (36 VFN bits + 12 page-offset bits).
	vfnBits = 36
	// levels is the page-directory depth: ceil(vfnBits / ptabBits).
	levels = 4

	// VMAddrMin excludes VFN 0, which is reserved as invalid.
	VMAddrMin uint64 = uint64(pgsize)
	// VMAddrMax is the highest addressable guest byte.
	VMAddrMax uint64 = (uint64(1) << (vfnBits + pgshift)) - 1

	// pageMask and ptabMask are pgsize-1 / ptabLen-1 widened to uint64 so
	// they can be combined with vaddr/vfn arithmetic without per-call
	// conversions.
	pageMask uint64 = uint64(pgsize - 1)
	ptabMask uint64 = uint64(ptabLen - 1)
)

// PageDirectory_t is one guest address space: a root PTAB plus the PM
// that backs every table and data page it lazily allocates.
type PageDirectory_t struct {
	mu   sync.Mutex
	pm   *pm.PageManager_t
	root uintptr
}

// PagedirCreate allocates a root PTAB from pmgr and zeroes it.
func PagedirCreate(pmgr *pm.PageManager_t) (*PageDirectory_t, error) {
	root, err := pmgr.AllocPages(1)
	if err != nil {
		return nil, errs.New("vm.PagedirCreate", errs.OutOfMemory, "cannot allocate root PTAB")
	}
	checkHostPage(uintptr(root))
	zeroPage(uintptr(root))
	return &PageDirectory_t{pm: pmgr, root: uintptr(root)}, nil
}

// PagedirDispose walks the directory freeing every PTAB and backing
// page it owns, then the root itself.
func (pd *PageDirectory_t) PagedirDispose() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.freeLevel(pd.root, levels)
	return pd.pm.FreePages(pm.Pa_t(pd.root))
}

func (pd *PageDirectory_t) freeLevel(table uintptr, level int) {
	if level == 0 {
		return
	}
	for i := 0; i < ptabLen; i++ {
		pte := ptabEntry(table, i)
		if *pte == 0 {
			continue
		}
		child := uintptr(*pte)
		if level > 1 {
			pd.freeLevel(child, level-1)
		}
		_ = pd.pm.FreePages(pm.Pa_t(child))
		*pte = 0
	}
}

func ptabEntry(base uintptr, idx int) *uint64 {
	return (*uint64)(unsafe.Pointer(base + uintptr(idx)*8))
}

func zeroPage(base uintptr) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), pgsize)
	for i := range mem {
		mem[i] = 0
	}
}

// checkHostPage enforces the chosen resolution of the hpaddr==0
// ambiguity: host address 0 is reserved, so a PM that ever handed one
// out would make "0" an unusable sentinel for "unmapped". In practice
// a host mmap range never starts at address 0; this is a defensive
// check against that assumption silently breaking.
func checkHostPage(addr uintptr) {
	if addr == 0 {
		errs.Fatalf("vm: PM returned host address 0, which this design reserves as the unmapped sentinel")
	}
}

// PagedirTranslate walks pd's directory for vaddr, allocating PTABs and
// the backing page lazily on first touch. vaddr must already lie in
// [VMAddrMin, VMAddrMax]; callers enforce that before calling this
// (Cache_t.resolve does).
func (pd *PageDirectory_t) PagedirTranslate(vaddr uint64) (uintptr, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	vfn := vaddr >> pgshift
	table := pd.root
	for level := levels - 1; level >= 1; level-- {
		idx := int((vfn >> uint(level*ptabBits)) & ptabMask)
		pte := ptabEntry(table, idx)
		if *pte == 0 {
			next, err := pd.pm.AllocPages(1)
			if err != nil {
				return 0, errs.New("vm.PagedirTranslate", errs.OutOfMemory, "cannot allocate page table")
			}
			checkHostPage(uintptr(next))
			zeroPage(uintptr(next))
			*pte = uint64(next)
		}
		table = uintptr(*pte)
	}

	idx := int(vfn & ptabMask)
	pte := ptabEntry(table, idx)
	if *pte == 0 {
		page, err := pd.pm.AllocPages(1)
		if err != nil {
			return 0, errs.New("vm.PagedirTranslate", errs.OutOfMemory, "cannot allocate backing page")
		}
		checkHostPage(uintptr(page))
		*pte = uint64(page)
	}
	return uintptr(*pte) + uintptr(vaddr&pageMask), nil
}

func checkRange(vaddr uint64) {
	if vaddr < VMAddrMin || vaddr > VMAddrMax {
		errs.Fatalf("vm: address %#x outside [%#x, %#x]", vaddr, VMAddrMin, VMAddrMax)
	}
}
