package rv32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhysReadWriteRAM(t *testing.T) {
	mem := NewMemory(0, PageSize)
	mmio := NewMMIOTable()

	require.NoError(t, mem.PhysWrite(mmio, 0x10, 4, 0xCAFEBABE))
	v, err := mem.PhysRead(mmio, 0x10, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFEBABE), v)
}

func TestPhysReadOutOfRange(t *testing.T) {
	mem := NewMemory(0, PageSize)
	mmio := NewMMIOTable()

	_, err := mem.PhysRead(mmio, PageSize-2, 4)
	require.Error(t, err)
}

type fakeMMIO struct {
	reads, writes int
	last          uint32
}

func (f *fakeMMIO) MMIORead(offset, size uint32) (uint32, error) {
	f.reads++
	return offset, nil
}

func (f *fakeMMIO) MMIOWrite(offset, size, value uint32) error {
	f.writes++
	f.last = value
	return nil
}

func TestMMIODispatchTakesPriorityOverRAM(t *testing.T) {
	mem := NewMemory(0, PageSize)
	mmio := NewMMIOTable()
	h := &fakeMMIO{}
	require.NoError(t, mmio.AddMMIO(0x100, 0x10, h))

	v, err := mem.PhysRead(mmio, 0x104, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(4), v) // offset relative to region base
	require.Equal(t, 1, h.reads)

	require.NoError(t, mem.PhysWrite(mmio, 0x108, 4, 99))
	require.Equal(t, 1, h.writes)
	require.Equal(t, uint32(99), h.last)
}

func TestMMIOOverlapRejected(t *testing.T) {
	mmio := NewMMIOTable()
	require.NoError(t, mmio.AddMMIO(0x1000, 0x100, &fakeMMIO{}))
	err := mmio.AddMMIO(0x1080, 0x100, &fakeMMIO{})
	require.Error(t, err)
}

func TestMMIOTableBounded(t *testing.T) {
	mmio := NewMMIOTable()
	for i := 0; i < MaxMMIORegions; i++ {
		require.NoError(t, mmio.AddMMIO(uint32(i)*0x10, 0x8, &fakeMMIO{}))
	}
	err := mmio.AddMMIO(uint32(MaxMMIORegions)*0x10, 0x8, &fakeMMIO{})
	require.Error(t, err)
}

func TestRemoveMMIO(t *testing.T) {
	mem := NewMemory(0, PageSize)
	mmio := NewMMIOTable()
	h := &fakeMMIO{}
	require.NoError(t, mmio.AddMMIO(0x100, 0x10, h))
	mmio.RemoveMMIO(0x100)

	require.NoError(t, mem.PhysWrite(mmio, 0x100, 4, 7))
	require.Equal(t, 0, h.writes)
}
