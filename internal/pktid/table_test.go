package pktid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/pktbuf"
)

func newPkt() *pktbuf.Packet {
	return pktbuf.New(make([]byte, 256))
}

func TestAllocateExhaustion(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	table := New(iommu, dma.ToDevice, 4)

	ids := make([]uint32, 0, 4)
	for i := 0; i < 4; i++ {
		id, addr, err := table.Allocate(newPkt(), 14)
		require.NoError(t, err)
		assert.NotZero(t, addr)
		ids = append(ids, id)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3}, ids)

	_, _, err := table.Allocate(newPkt(), 14)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ResourceExhausted))
	assert.Equal(t, 4, iommu.Live(), "failed allocation must release its mapping")

	_, err = table.Take(2)
	require.NoError(t, err)

	id, _, err := table.Allocate(newPkt(), 14)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
}

func TestTakeExactlyOnce(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	table := New(iommu, dma.FromDevice, 8)

	pkt := newPkt()
	id, _, err := table.Allocate(pkt, 0)
	require.NoError(t, err)
	assert.True(t, table.InUse(id))

	got, err := table.Take(id)
	require.NoError(t, err)
	assert.Same(t, pkt, got)
	assert.Equal(t, 0, iommu.Live())

	_, err = table.Take(id)
	assert.True(t, errs.IsCode(err, errs.NotFound), "second take: %v", err)

	_, err = table.Take(1000)
	assert.True(t, errs.IsCode(err, errs.NotFound), "out of range take: %v", err)

	assert.Zero(t, iommu.Stats().BadUnmaps)
}

func TestMapFailureConsumesNoSlot(t *testing.T) {
	fi := dma.NewFaultInjector(dma.NewIOMMU(dma.Config{}))
	table := New(fi, dma.ToDevice, 2)

	fi.FailMaps(1)
	_, _, err := table.Allocate(newPkt(), 0)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.IOError))
	assert.Equal(t, 0, table.Outstanding())

	id, _, err := table.Allocate(newPkt(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)
}

func TestHeaderReserve(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	table := New(iommu, dma.ToDevice, 2)

	pkt := pktbuf.New(make([]byte, 10))
	_, _, err := table.Allocate(pkt, 11)
	assert.True(t, errs.IsCode(err, errs.InvalidParameters))

	copy(pkt.Data(), "0123456789")
	id, addr, err := table.Allocate(pkt, 4)
	require.NoError(t, err)

	mem, err := iommu.Resolve(addr, 6)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(mem))

	// the reserve only shapes the mapping; the frame comes back whole
	back, err := table.Take(id)
	require.NoError(t, err)
	assert.Same(t, pkt, back)
	assert.Equal(t, "0123456789", string(back.Data()))
	assert.Equal(t, 0, iommu.Live())
}

func TestCursorWraps(t *testing.T) {
	table := New(dma.NewIOMMU(dma.Config{}), dma.FromDevice, 2)

	a, _, _ := table.Allocate(newPkt(), 0)
	b, _, _ := table.Allocate(newPkt(), 0)
	require.Equal(t, uint32(0), a)
	require.Equal(t, uint32(1), b)

	_, err := table.Take(a)
	require.NoError(t, err)

	c, _, err := table.Allocate(newPkt(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c)
}

func TestConcurrentAllocateNoAlias(t *testing.T) {
	const (
		size    = 64
		workers = 8
		rounds  = 500
	)
	iommu := dma.NewIOMMU(dma.Config{})
	table := New(iommu, dma.ToDevice, size)

	var (
		mu    sync.Mutex
		owner = make(map[uint32]*pktbuf.Packet)
		alias int
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				pkt := newPkt()
				id, _, err := table.Allocate(pkt, 0)
				if err != nil {
					continue
				}
				mu.Lock()
				if _, dup := owner[id]; dup {
					alias++
				}
				owner[id] = pkt
				mu.Unlock()

				mu.Lock()
				delete(owner, id)
				mu.Unlock()

				got, err := table.Take(id)
				if err != nil || got != pkt {
					mu.Lock()
					alias++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, alias)
	assert.Equal(t, 0, table.Outstanding())
	assert.Equal(t, 0, iommu.Live())
}

func TestReleaseAll(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	table := New(iommu, dma.FromDevice, 8)
	pool := pktbuf.NewPool(0)

	for i := 0; i < 5; i++ {
		_, _, err := table.Allocate(pool.Get(128), 0)
		require.NoError(t, err)
	}
	id, _, _ := table.Allocate(pool.Get(128), 0)
	_, _ = table.Take(id)

	n := table.ReleaseAll(pool.Put)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, iommu.Live())
	assert.Equal(t, 1, pool.Outstanding(), "the taken packet was never returned")
	assert.Equal(t, 0, table.Outstanding())
}
