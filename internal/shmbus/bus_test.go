package shmbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-msgbuf/internal/constants"
	"github.com/ehrlich-b/go-msgbuf/internal/dma"
	"github.com/ehrlich-b/go-msgbuf/internal/errs"
	"github.com/ehrlich-b/go-msgbuf/internal/logging"
)

func TestNewDefaults(t *testing.T) {
	b, err := New(Config{Logger: logging.Nop()})
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.IsUp())
	assert.Equal(t, constants.DefaultMaxFlowRings, b.MaxFlowRings())
	assert.Equal(t, constants.DefaultMaxRxBufPost, b.MaxRxBufPost())
	for id := 0; id < constants.NumCommonRings; id++ {
		r := b.CommonRing(id)
		require.NotNil(t, r)
		assert.True(t, r.Configured())
		assert.Equal(t, CommonRings[id].MaxItems, r.Depth())
	}
	assert.Nil(t, b.CommonRing(constants.NumCommonRings))
	assert.False(t, b.FlowRing(0).Configured())
	assert.Nil(t, b.FlowRing(uint16(constants.DefaultMaxFlowRings)))
}

func TestDeviceViewSharesMemory(t *testing.T) {
	b, err := New(Config{Logger: logging.Nop()})
	require.NoError(t, err)
	defer b.Close()

	host := b.CommonRing(constants.ControlSubmitRing)
	dev, err := b.DeviceRing(constants.ControlSubmitRing)
	require.NoError(t, err)

	host.Lock()
	slot, err := host.ReserveForWrite()
	require.NoError(t, err)
	slot[0] = 0x09
	require.NoError(t, host.WriteComplete())
	host.Unlock()

	select {
	case <-b.Doorbell():
	default:
		t.Fatal("commit should ring the doorbell")
	}
	assert.Equal(t, uint64(1), b.Rings())

	data, n := dev.GetReadPtr()
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0x09), data[0])
	dev.ReadComplete(n)

	info := b.CommonRingInfo()[constants.ControlSubmitRing]
	assert.Equal(t, "ctrl_submit", info.Name)
	assert.Equal(t, uint32(1), info.ReadIdx)
	assert.Equal(t, uint32(1), info.WriteIdx)
}

func TestDeviceFlowRing(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	b, err := New(Config{DMA: iommu, MaxFlowRings: 4, Logger: logging.Nop()})
	require.NoError(t, err)

	mem, err := iommu.AllocCoherent(16 * 48)
	require.NoError(t, err)
	host := b.FlowRing(2)
	require.NoError(t, host.Config(16, 48, mem.Buf, mem.Addr))

	dev, err := b.DeviceFlowRing(2, 16, 48, mem.Addr)
	require.NoError(t, err)

	host.Lock()
	slot, _ := host.ReserveForWrite()
	slot[47] = 0xaa
	_ = host.WriteComplete()
	host.Unlock()

	data, n := dev.GetReadPtr()
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0xaa), data[47])

	_, err = b.DeviceFlowRing(9, 16, 48, mem.Addr)
	assert.True(t, errs.IsCode(err, errs.InvalidParameters))

	// a bound flow ring is reported at close
	err = b.Close()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.InvalidState))

	host.Release()
	iommu.FreeCoherent(mem)
}

func TestCloseReportsLeakedMappings(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	b, err := New(Config{DMA: iommu, Logger: logging.Nop()})
	require.NoError(t, err)

	_, err = iommu.Map(make([]byte, 64), dma.ToDevice)
	require.NoError(t, err)

	err = b.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 streaming mappings")
	assert.False(t, b.IsUp())
	assert.Equal(t, 0, iommu.Stats().Coherent)

	// idempotent
	assert.Equal(t, err, b.Close())
}

func TestNewReleasesOnAllocFailure(t *testing.T) {
	iommu := dma.NewIOMMU(dma.Config{})
	fi := dma.NewFaultInjector(iommu)

	_, err := fi.AllocCoherent(1)
	require.NoError(t, err)

	// let two rings allocate, fail the third
	b, err := New(Config{DMA: &failAfter{FaultInjector: fi, ok: 2}, Logger: logging.Nop()})
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, errs.IsCode(err, errs.IOError))
	assert.Equal(t, 1, iommu.Stats().Coherent, "only the test's own allocation survives")
}

// failAfter lets ok coherent allocations through, then fails
type failAfter struct {
	*dma.FaultInjector
	ok int
}

func (f *failAfter) AllocCoherent(size int) (*dma.Coherent, error) {
	if f.ok == 0 {
		f.FaultInjector.FailAllocs(1)
	}
	f.ok--
	return f.FaultInjector.AllocCoherent(size)
}
