package ata

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDrive(t *testing.T, sectors int) (*Drive, *os.File) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ata-disk-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(sectors)*sectorSize))

	d, err := NewDrive(f)
	require.NoError(t, err)
	return d, f
}

func selectDrive(c *Controller, idx uint8) {
	c.MMIOWrite(RegDriveHead, 1, uint32(0xE0|idx<<4))
}

func setLBA28(c *Controller, lba uint32, sectorCount uint8) {
	c.MMIOWrite(RegSectorCount, 1, uint32(sectorCount))
	c.MMIOWrite(RegLBALow, 1, uint32(lba&0xFF))
	c.MMIOWrite(RegLBAMid, 1, uint32((lba>>8)&0xFF))
	c.MMIOWrite(RegLBAHigh, 1, uint32((lba>>16)&0xFF))
	c.MMIOWrite(RegDriveHead, 1, uint32(0xE0|(lba>>24)&0x0F))
}

func readDataWord(t *testing.T, c *Controller) uint16 {
	t.Helper()
	v, err := c.MMIORead(RegData, 2)
	require.NoError(t, err)
	return uint16(v)
}

func writeDataWord(c *Controller, v uint16) {
	c.MMIOWrite(RegData, 2, uint32(v))
}

func readStatus(t *testing.T, c *Controller) uint8 {
	t.Helper()
	v, err := c.MMIORead(RegStatus, 1)
	require.NoError(t, err)
	return uint8(v)
}

// TestWriteReadRoundTrip covers the round-trip invariant: a sector
// written through WRITE_SECTORS and read back through READ_SECTORS
// returns the exact bytes written.
func TestWriteReadRoundTrip(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)
	selectDrive(c, 0)

	setLBA28(c, 2, 1)
	c.MMIOWrite(RegCommand, 1, CmdWriteSectors)
	require.NotZero(t, readStatus(t, c)&StatusDRQ)

	want := make([]uint16, sectorSize/2)
	for i := range want {
		want[i] = uint16(i*7 + 3)
		writeDataWord(c, want[i])
	}
	require.Zero(t, readStatus(t, c)&StatusDRQ, "DRQ should drop once the sector is fully written")
	require.Zero(t, readStatus(t, c)&StatusERR)

	setLBA28(c, 2, 1)
	c.MMIOWrite(RegCommand, 1, CmdReadSectors)
	require.NotZero(t, readStatus(t, c)&StatusDRQ)

	for i := range want {
		got := readDataWord(t, c)
		require.Equalf(t, want[i], got, "word %d mismatch", i)
	}
	require.Zero(t, readStatus(t, c)&StatusDRQ)
}

// TestMultiSectorReadAdvancesLBA covers the sector-buffered transfer
// window crossing a sector boundary mid-command.
func TestMultiSectorReadAdvancesLBA(t *testing.T) {
	d, f := newTestDrive(t, 4)
	c := NewController(d, nil)
	selectDrive(c, 0)

	pattern := make([]byte, sectorSize*2)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	_, err := f.WriteAt(pattern, 0)
	require.NoError(t, err)

	setLBA28(c, 0, 2)
	c.MMIOWrite(RegCommand, 1, CmdReadSectors)

	for i := 0; i < sectorSize; i += 2 {
		readDataWord(t, c)
	}
	require.NotZero(t, readStatus(t, c)&StatusDRQ, "second sector should still be pending")

	last := readDataWord(t, c)
	require.Equal(t, uint16(pattern[sectorSize])|uint16(pattern[sectorSize+1])<<8, last)
}

// TestIdentifyBuffer covers the IDENTIFY-buffer invariant: the word
// offsets this emulator documents (1, 3, 6, 60/61) match the drive's
// actual geometry and sector count.
func TestIdentifyBuffer(t *testing.T) {
	d, _ := newTestDrive(t, 1000)
	c := NewController(d, nil)
	selectDrive(c, 0)

	c.MMIOWrite(RegCommand, 1, CmdIdentifyDevice)
	require.NotZero(t, readStatus(t, c)&StatusDRQ)

	words := make([]uint16, sectorSize/2)
	for i := range words {
		words[i] = readDataWord(t, c)
	}

	require.Equal(t, uint16(d.cylinders), words[1])
	require.Equal(t, uint16(d.heads), words[3])
	require.Equal(t, uint16(d.sectorsPerTrack), words[6])
	require.Equal(t, uint32(1000), uint32(words[60])|uint32(words[61])<<16)
}

// TestSoftReset covers end-to-end scenario 5: a control-register SRST
// pulse clears DRQ/ERR and any in-flight transfer, while the drive
// itself stays attached.
func TestSoftReset(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)
	selectDrive(c, 0)

	setLBA28(c, 0, 1)
	c.MMIOWrite(RegCommand, 1, CmdReadSectors)
	require.NotZero(t, readStatus(t, c)&StatusDRQ)

	c.MMIOWrite(RegControl, 1, ControlSRST)
	require.Equal(t, uint8(StatusDRDY|StatusSRV), readStatus(t, c))
	require.NotNil(t, c.drive())

	errVal, err := c.MMIORead(RegError, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(ErrorAMNF), errVal)
}

// TestInitDeviceParamsAborts covers spec §4.6: this emulator has no CHS
// mode, so INITIALIZE_DEVICE_PARAMETERS must abort with ERR/ABRT rather
// than silently recording the asserted geometry.
func TestInitDeviceParamsAborts(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)
	selectDrive(c, 0)

	c.MMIOWrite(RegCommand, 1, CmdInitDeviceParams)
	require.NotZero(t, readStatus(t, c)&StatusERR)

	errVal, err := c.MMIORead(RegError, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(ErrorABRT), errVal)
}

// TestCommandClearsPriorError covers spec §4.6: "a write to STATUS/CMD
// port clears error and the ERR status bit, then dispatches" — a
// command that succeeds after a prior one aborted must not leave the
// stale error register behind.
func TestCommandClearsPriorError(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)
	selectDrive(c, 0)

	c.MMIOWrite(RegCommand, 1, CmdInitDeviceParams)
	require.NotZero(t, readStatus(t, c)&StatusERR)

	setLBA28(c, 0, 1)
	c.MMIOWrite(RegCommand, 1, CmdReadSectors)

	require.Zero(t, readStatus(t, c)&StatusERR)
	errVal, err := c.MMIORead(RegError, 1)
	require.NoError(t, err)
	require.Zero(t, errVal)
}

// TestNoDriveAbortsCommand covers issuing a command to an unselected,
// absent drive slot.
func TestNoDriveAbortsCommand(t *testing.T) {
	c := NewController(nil, nil)
	c.MMIOWrite(RegCommand, 1, CmdIdentifyDevice)
	require.NotZero(t, readStatus(t, c)&StatusERR)
}

// TestHOBShiftRegister covers the LBA48 high-order-byte FIFO: writing a
// register twice makes the first value readable only with HOB set.
func TestHOBShiftRegister(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)

	c.MMIOWrite(RegLBALow, 1, 0xAA)
	c.MMIOWrite(RegLBALow, 1, 0xBB)

	v, err := c.MMIORead(RegLBALow, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(0xBB), v)

	c.MMIOWrite(RegControl, 1, ControlHOB)
	v, err = c.MMIORead(RegLBALow, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAA), v)
}

// TestMisalignedRegisterOffsetFaults covers the REG_SHIFT bus policy:
// an offset that doesn't land on a register boundary is a bus fault,
// not a silent alias into the neighboring register.
func TestMisalignedRegisterOffsetFaults(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)

	_, err := c.MMIORead(RegSectorCount+1, 1)
	require.Error(t, err)

	err = c.MMIOWrite(RegSectorCount+1, 1, 0)
	require.Error(t, err)
}

// TestNonDataRegisterRejectsWideAccess covers the other half of §4.6's
// register-stride model: only the data port accepts wider accesses,
// every other register is strictly one byte.
func TestNonDataRegisterRejectsWideAccess(t *testing.T) {
	d, _ := newTestDrive(t, 4)
	c := NewController(d, nil)

	_, err := c.MMIORead(RegStatus, 2)
	require.Error(t, err)

	err = c.MMIOWrite(RegSectorCount, 4, 1)
	require.Error(t, err)

	// The data port itself is unaffected.
	_, err = c.MMIORead(RegData, 2)
	require.NoError(t, err)
}
