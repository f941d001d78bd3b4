package vm

import (
	"unsafe"

	"github.com/iamleson98/rsm/internal/errs"
)

// invalidTag is a value that can never equal a legal page-aligned
// virtual address (every real tag has its low pgshift bits clear),
// used to mark a cache slot as invalidated.
const invalidTag uint64 = ^uint64(0)

// cacheEntry_t is one direct-mapped translation cache slot. haddrDiff
// is host_page_base - virtual_page_base computed with wrapping 64-bit
// arithmetic, so the hot path recovers the host address with a single
// addition regardless of whether the host page sits above or below the
// virtual one.
type cacheEntry_t struct {
	tag       uint64
	haddrDiff uint64
}

// Cache_t is a fixed-size software TLB. It is not internally
// synchronized: the design assumes one cache per guest execution
// context, written only by its owner.
type Cache_t struct {
	entries []cacheEntry_t
	mask    uint64
}

// NewCache builds a cache with n direct-mapped slots; n must be a
// power of two.
func NewCache(n int) *Cache_t {
	if n <= 0 || n&(n-1) != 0 {
		errs.Fatalf("vm: cache size %d is not a power of two", n)
	}
	c := &Cache_t{entries: make([]cacheEntry_t, n), mask: uint64(n - 1)}
	c.CacheInit()
	return c
}

// CacheInit invalidates every slot.
func (c *Cache_t) CacheInit() {
	for i := range c.entries {
		c.entries[i].tag = invalidTag
	}
}

// CacheInvalidate invalidates every slot, forcing the next translation
// of any address through a full pagedir walk.
func (c *Cache_t) CacheInvalidate() {
	c.CacheInit()
}

// CacheInvalidateOne invalidates whichever slot currently maps vaddr's
// page, if any.
func (c *Cache_t) CacheInvalidateOne(vaddr uint64) {
	pageBase := vaddr &^ pageMask
	slot := (vaddr >> pgshift) & c.mask
	e := &c.entries[slot]
	if e.tag == pageBase {
		e.tag = invalidTag
	}
}

// resolve returns the host address for vaddr, consulting the cache
// first and falling back to a pagedir walk on a miss.
func (c *Cache_t) resolve(pd *PageDirectory_t, vaddr uint64) (uintptr, error) {
	checkRange(vaddr)
	pageBase := vaddr &^ pageMask
	slot := (vaddr >> pgshift) & c.mask
	e := &c.entries[slot]
	if e.tag == pageBase {
		return uintptr(e.haddrDiff + vaddr), nil
	}

	host, err := pd.PagedirTranslate(vaddr)
	if err != nil {
		return 0, err
	}
	offset := vaddr & pageMask
	hostPageBase := uint64(host) - offset
	e.tag = pageBase
	e.haddrDiff = hostPageBase - pageBase // wraps, by design
	return uintptr(e.haddrDiff + vaddr), nil
}

// Width is satisfied by every guest access width the core supports.
type Width interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func checkAlignment(vaddr uint64, width uint64) {
	if vaddr%width != 0 {
		errs.Fatalf("vm: misaligned access at %#x for width %d", vaddr, width)
	}
}

// Load reads a T-sized value at vaddr, translating through cache.
func Load[T Width](cache *Cache_t, pd *PageDirectory_t, vaddr uint64) (T, error) {
	var zero T
	width := uint64(unsafe.Sizeof(zero))
	checkAlignment(vaddr, width)
	host, err := cache.resolve(pd, vaddr)
	if err != nil {
		return zero, err
	}
	return *(*T)(unsafe.Pointer(host)), nil
}

// Store writes value at vaddr, translating through cache.
func Store[T Width](cache *Cache_t, pd *PageDirectory_t, vaddr uint64, value T) error {
	width := uint64(unsafe.Sizeof(value))
	checkAlignment(vaddr, width)
	host, err := cache.resolve(pd, vaddr)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(host)) = value
	return nil
}
