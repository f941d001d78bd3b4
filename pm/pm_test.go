package pm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPM(t *testing.T, size int) *PageManager_t {
	t.Helper()
	p, err := Create(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })
	return p
}

func TestCreateRejectsTooSmallRange(t *testing.T) {
	_, err := Create(0)
	require.Error(t, err)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := newTestPM(t, 10<<20) // 10 MiB
	total := p.FreePagesTotal()

	a, err := p.AllocPages(4)
	require.NoError(t, err)
	require.Zero(t, uintptr(a)%(uintptr(PGSIZE)*4))

	require.NoError(t, p.FreePages(a))
	require.Equal(t, total, p.FreePagesTotal())

	b, err := p.AllocPages(4)
	require.NoError(t, err)
	require.Equal(t, a, b, "freeing and reallocating the same size should reuse the same block")
	require.NoError(t, p.FreePages(b))
}

func TestSixteenAllocsFillConsecutiveRegionsAndCoalesce(t *testing.T) {
	p := newTestPM(t, 10<<20)
	initialLargest := p.FreePagesLargestRun()

	var addrs [16]Pa_t
	for i := range addrs {
		a, err := p.AllocPages(4)
		require.NoError(t, err)
		addrs[i] = a
	}

	order := []int{0, 15, 2, 13, 1, 14, 3, 12, 4, 11, 5, 10, 6, 9, 7, 8}
	for _, idx := range order {
		require.NoError(t, p.FreePages(addrs[idx]))
	}

	require.Equal(t, initialLargest, p.FreePagesLargestRun())
}

func TestAllocPagesRejectsNonPowerOfTwo(t *testing.T) {
	p := newTestPM(t, 1<<20)
	require.Panics(t, func() { _, _ = p.AllocPages(3) })
}

func TestAllocPagesMinHalvesOnExhaustion(t *testing.T) {
	// 384 pages, max order clamps below 20: one 256-page top-order block
	// plus a 128-page block that the halving can fall back to.
	p := newTestPM(t, 3<<19)
	top := p.MaxOrder()

	// Drain every block at the top order so a subsequent AllocPagesMin at
	// that size must halve down.
	var drained []Pa_t
	for {
		a, err := p.AllocPages(1 << uint(top))
		if err != nil {
			break
		}
		drained = append(drained, a)
	}
	require.NotEmpty(t, drained)

	addr, granted, err := p.AllocPagesMin(1<<uint(top), 1)
	require.NoError(t, err)
	require.Less(t, granted, 1<<uint(top))
	require.NoError(t, p.FreePages(addr))

	for _, a := range drained {
		require.NoError(t, p.FreePages(a))
	}
}

func TestFreePagesRejectsUnknownAddress(t *testing.T) {
	p := newTestPM(t, 1<<20)
	require.Panics(t, func() { _ = p.FreePages(p.StartAddress() + 7) })
}

func TestAllocPagesMinRejectsBadRequestMinPair(t *testing.T) {
	p := newTestPM(t, 1<<20)
	require.Panics(t, func() { _, _, _ = p.AllocPagesMin(2, 4) })
}

func TestMaxOrderBoundaryAllocation(t *testing.T) {
	p := newTestPM(t, 64<<20) // large enough to keep default-ish max order reachable
	top := p.MaxOrder()

	a, err := p.AllocPages(1 << uint(top))
	require.NoError(t, err)
	require.Zero(t, uintptr(a)%(uintptr(PGSIZE)<<uint(top)))
	require.NoError(t, p.FreePages(a))
	require.Equal(t, p.CapacityPages(), p.FreePagesLargestRun())
}

func TestFreePagesTotalReturnsToCapacityAfterFullDrainAndRefill(t *testing.T) {
	p := newTestPM(t, 8<<20)
	capPages := p.CapacityPages()
	require.Equal(t, capPages, p.FreePagesTotal())

	var addrs []Pa_t
	for {
		a, err := p.AllocPages(1)
		if err != nil {
			break
		}
		addrs = append(addrs, a)
	}
	require.Zero(t, p.FreePagesTotal())

	for _, a := range addrs {
		require.NoError(t, p.FreePages(a))
	}
	require.Equal(t, capPages, p.FreePagesTotal())
	require.Equal(t, capPages, p.FreePagesLargestRun())
}
