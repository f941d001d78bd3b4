package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iamleson98/rsm/pm"
)

func newTestVM(t *testing.T) (*pm.PageManager_t, *PageDirectory_t, *Cache_t) {
	t.Helper()
	p, err := pm.Create(4 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })

	pd, err := PagedirCreate(p)
	require.NoError(t, err)

	return p, pd, NewCache(1024)
}

func TestStoreLoadRoundTripAllWidths(t *testing.T) {
	_, pd, cache := newTestVM(t)

	require.NoError(t, Store[uint8](cache, pd, VMAddrMin, 0x7a))
	v8, err := Load[uint8](cache, pd, VMAddrMin)
	require.NoError(t, err)
	require.Equal(t, uint8(0x7a), v8)

	require.NoError(t, Store[uint16](cache, pd, VMAddrMin+2, 0xbeef))
	v16, err := Load[uint16](cache, pd, VMAddrMin+2)
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), v16)

	require.NoError(t, Store[uint32](cache, pd, VMAddrMin+16, 0xdeadbeef))
	v32, err := Load[uint32](cache, pd, VMAddrMin+16)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)

	require.NoError(t, Store[uint64](cache, pd, VMAddrMin+32, 0x0102030405060708))
	v64, err := Load[uint64](cache, pd, VMAddrMin+32)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)
}

func TestDeadbeefScenario(t *testing.T) {
	_, pd, cache := newTestVM(t)

	const vaddr = uint64(0xdeadbee4)
	require.NoError(t, Store[uint32](cache, pd, vaddr, 12345))

	v, err := Load[uint32](cache, pd, vaddr)
	require.NoError(t, err)
	require.Equal(t, uint32(12345), v)

	cache.CacheInvalidateOne(vaddr)

	v2, err := Load[uint32](cache, pd, vaddr)
	require.NoError(t, err)
	require.Equal(t, uint32(12345), v2, "invalidation must not lose previously stored data")
}

func TestCacheInvalidateForcesWalkButPreservesData(t *testing.T) {
	_, pd, cache := newTestVM(t)
	const vaddr = VMAddrMin + 4096*3 + 8

	require.NoError(t, Store[uint64](cache, pd, vaddr, 42))
	first, err := Load[uint64](cache, pd, vaddr)
	require.NoError(t, err)
	require.Equal(t, uint64(42), first)

	cache.CacheInvalidate()

	second, err := Load[uint64](cache, pd, vaddr)
	require.NoError(t, err)
	require.Equal(t, uint64(42), second)
}

func TestTwoTranslationsOfSameAddressAgree(t *testing.T) {
	_, pd, cache := newTestVM(t)
	const vaddr = VMAddrMin + 123*4096 + 64

	h1, err := cache.resolve(pd, vaddr)
	require.NoError(t, err)
	h2, err := cache.resolve(pd, vaddr)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestMisalignedAccessPanics(t *testing.T) {
	_, pd, cache := newTestVM(t)
	require.Panics(t, func() {
		_, _ = Load[uint32](cache, pd, VMAddrMin+1)
	})
}

func TestOutOfRangeAddressPanics(t *testing.T) {
	_, pd, cache := newTestVM(t)
	require.Panics(t, func() {
		_, _ = Load[uint8](cache, pd, 0) // VFN 0 is reserved
	})
}

func TestNewCacheRejectsNonPowerOfTwo(t *testing.T) {
	require.Panics(t, func() {
		NewCache(100)
	})
}
