// Package ata emulates a two-drive ATA/IDE controller in PIO mode: the
// task-file register set, the 16-bit data port with its LBA48
// high-order-byte (HOB) shift pair, and the four commands a boot loader
// or simple block driver actually needs (IDENTIFY DEVICE, INITIALIZE
// DEVICE PARAMETERS, READ SECTORS, WRITE SECTORS).
//
// It is grounded in the teacher's virtio block device
// (internal/devices/virtio/blk.go) for its storage-backing shape — a
// mutex-guarded *os.File accessed with ReadAt/WriteAt at a 512-byte
// sector granularity — adapted from virtqueue descriptor chains to the
// register-level PIO protocol real IDE hardware exposes.
package ata

import (
	"fmt"
	"os"
	"sync"

	"github.com/tinyrange/rv32hart/internal/debug"
)

var log = debug.WithSource("ata")

const sectorSize = 512

// Status register bits.
const (
	StatusERR  = 1 << 0
	StatusDRQ  = 1 << 3
	StatusSRV  = 1 << 4
	StatusDF   = 1 << 5
	StatusDRDY = 1 << 6
	StatusBSY  = 1 << 7
)

// Error register bits.
const (
	ErrorAMNF = 1 << 0 // address mark not found
	ErrorUNC  = 1 << 6 // uncorrectable data error
	ErrorABRT = 1 << 2 // command aborted
)

// Device control register bits (written through the alternate-status
// port, never the primary command-block data port).
const (
	ControlNIEN = 1 << 1
	ControlSRST = 1 << 2
	ControlHOB  = 1 << 7
)

// Commands.
const (
	CmdReadSectors      = 0x20
	CmdWriteSectors     = 0x30
	CmdInitDeviceParams = 0x91
	CmdIdentifyDevice   = 0xEC
)

// shiftReg is a two-deep FIFO a real task-file byte register behaves as
// under LBA48: each write pushes the old value into "previous", and a
// read returns either the current or previous value depending on the
// HOB bit in the device control register.
type shiftReg struct {
	cur, prev uint8
}

func (r *shiftReg) write(v uint8) {
	r.prev = r.cur
	r.cur = v
}

func (r *shiftReg) read(hob bool) uint8 {
	if hob {
		return r.prev
	}
	return r.cur
}

// Drive is one of the controller's two drive slots. A nil backing file
// means no drive is present in that slot.
type Drive struct {
	file     *os.File
	sectors  uint64
	cylinders uint16
	heads     uint8
	sectorsPerTrack uint8
}

// NewDrive wraps f (opened read/write by the caller) as an ATA drive
// backed by a flat, sector-addressed image file.
func NewDrive(f *os.File) (*Drive, error) {
	if f == nil {
		return nil, nil
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ata: stat backing file: %w", err)
	}
	d := &Drive{file: f, sectors: uint64(fi.Size()) / sectorSize}
	d.cylinders, d.heads, d.sectorsPerTrack = defaultGeometry(d.sectors)
	return d, nil
}

func defaultGeometry(sectors uint64) (cyl uint16, heads uint8, spt uint8) {
	heads, spt = 16, 63
	c := sectors / (uint64(heads) * uint64(spt))
	if c > 0xFFFF {
		c = 0xFFFF
	}
	return uint16(c), heads, spt
}

// Controller is one ATA channel with up to two drives, addressed
// through the standard eight task-file registers plus the alternate
// status / device control register. It implements rv32.MMIOHandler so
// it can be registered directly into a hart's MMIO table; offsets
// follow the conventional primary-channel layout (0x1F0-0x1F7 data
// block, 0x3F6 device control), scaled to whatever base the caller
// registers it at.
type Controller struct {
	mu sync.Mutex

	drives   [2]*Drive
	selected int // 0 or 1, selected via the drive/head register's bit 4

	features   shiftReg
	sectorCount shiftReg
	lbaLow     shiftReg
	lbaMid     shiftReg
	lbaHigh    shiftReg
	driveHead  uint8
	errorReg   uint8
	status     uint8
	control    uint8

	// transfer holds the in-flight PIO data-port window: a single
	// sector's worth of bytes plus a cursor, refilled or flushed by
	// dataRead/dataWrite as it's exhausted, and the command driving it
	// so the last sector triggers write-back instead of just ending.
	transfer      []byte
	transferPos   int
	remaining     uint32 // sectors left after the one currently buffered
	lba           uint64
	pendingWrite  bool
}

// NewController creates an ATA controller with the given master/slave
// drives (either may be nil).
func NewController(master, slave *Drive) *Controller {
	c := &Controller{drives: [2]*Drive{master, slave}}
	c.status = StatusDRDY
	return c
}

func (c *Controller) hob() bool { return c.control&ControlHOB != 0 }

func (c *Controller) drive() *Drive {
	return c.drives[c.selected]
}

// RegShift is the task-file register stride exponent spec §4.6
// describes: registers sit 1<<RegShift bytes apart in the data window
// (the spec's documented default of 4 bytes), rather than packed at
// consecutive byte offsets, so a sub-register offset (one that doesn't
// land on a register boundary) is a bus fault rather than quietly
// aliasing into the neighboring register.
const RegShift = 2

const regStrideMask = 1<<RegShift - 1

// task-file register offsets, relative to the controller's registered
// MMIO base, after the REG_SHIFT stride is applied. Each is a single
// byte wide except the data register, which accepts any access size.
const (
	RegData        = 0 << RegShift
	RegError       = 1 << RegShift // read; Features on write
	RegFeatures    = RegError
	RegSectorCount = 2 << RegShift
	RegLBALow      = 3 << RegShift
	RegLBAMid      = 4 << RegShift
	RegLBAHigh     = 5 << RegShift
	RegDriveHead   = 6 << RegShift
	RegStatus      = 7 << RegShift // read; Command on write
	RegCommand     = RegStatus

	// DataWindowSize is how large the eight-register data window is.
	DataWindowSize = 8 << RegShift

	// ControlWindowBase separates the two-register control window
	// (alternate status / device control) from the data window, the
	// same way real hardware maps them at disjoint addresses (0x1F0 vs
	// 0x3F6) rather than packing them into one contiguous block.
	ControlWindowBase = 0x200
	RegAltStatus      = ControlWindowBase + 0<<RegShift // read-only mirror of status
	RegControl        = ControlWindowBase + 0<<RegShift // write: device control register
	ControlWindowSize = 2 << RegShift

	// TotalRegionSize is how large an MMIO region a Controller needs
	// when both windows are registered back to back at a single base.
	TotalRegionSize = ControlWindowBase + ControlWindowSize
)

// MMIORead implements rv32.MMIOHandler, dispatching to whichever of the
// controller's two register windows offset falls in.
func (c *Controller) MMIORead(offset, size uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset >= ControlWindowBase {
		return c.readControlReg(offset-ControlWindowBase, size)
	}
	return c.readDataReg(offset, size)
}

// MMIOWrite implements rv32.MMIOHandler.
func (c *Controller) MMIOWrite(offset, size, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset >= ControlWindowBase {
		return c.writeControlReg(offset-ControlWindowBase, size, value)
	}
	return c.writeDataReg(offset, size, value)
}

func (c *Controller) readDataReg(offset, size uint32) (uint32, error) {
	if offset&regStrideMask != 0 {
		return 0, fmt.Errorf("ata: misaligned register read at offset %#x", offset)
	}
	if offset != RegData && size != 1 {
		return 0, fmt.Errorf("ata: register at offset %#x only supports 1-byte access, got size %d", offset, size)
	}

	switch offset {
	case RegData:
		return uint32(c.dataRead()), nil
	case RegError:
		return uint32(c.errorReg), nil
	case RegSectorCount:
		return uint32(c.sectorCount.read(c.hob())), nil
	case RegLBALow:
		return uint32(c.lbaLow.read(c.hob())), nil
	case RegLBAMid:
		return uint32(c.lbaMid.read(c.hob())), nil
	case RegLBAHigh:
		return uint32(c.lbaHigh.read(c.hob())), nil
	case RegDriveHead:
		return uint32(c.driveHead), nil
	case RegStatus:
		return uint32(c.status), nil
	default:
		return 0, nil
	}
}

func (c *Controller) writeDataReg(offset, size, value uint32) error {
	if offset&regStrideMask != 0 {
		return fmt.Errorf("ata: misaligned register write at offset %#x", offset)
	}
	if offset != RegData && size != 1 {
		return fmt.Errorf("ata: register at offset %#x only supports 1-byte access, got size %d", offset, size)
	}

	v := uint8(value)
	switch offset {
	case RegData:
		c.dataWrite(uint16(value))
	case RegFeatures:
		c.features.write(v)
	case RegSectorCount:
		c.sectorCount.write(v)
	case RegLBALow:
		c.lbaLow.write(v)
	case RegLBAMid:
		c.lbaMid.write(v)
	case RegLBAHigh:
		c.lbaHigh.write(v)
	case RegDriveHead:
		c.driveHead = v
		c.selected = int((v >> 4) & 1)
	case RegCommand:
		c.execCommand(v)
	}
	return nil
}

func (c *Controller) readControlReg(offset, size uint32) (uint32, error) {
	if offset&regStrideMask != 0 {
		return 0, fmt.Errorf("ata: misaligned control register read at offset %#x", offset)
	}
	if size != 1 {
		return 0, fmt.Errorf("ata: control register only supports 1-byte access, got size %d", size)
	}

	switch offset {
	case RegAltStatus - ControlWindowBase:
		return uint32(c.status), nil
	default:
		return 0, nil
	}
}

func (c *Controller) writeControlReg(offset, size, value uint32) error {
	if offset&regStrideMask != 0 {
		return fmt.Errorf("ata: misaligned control register write at offset %#x", offset)
	}
	if size != 1 {
		return fmt.Errorf("ata: control register only supports 1-byte access, got size %d", size)
	}

	switch offset {
	case RegControl - ControlWindowBase:
		c.writeControl(uint8(value))
	}
	return nil
}

func (c *Controller) writeControl(v uint8) {
	prev := c.control
	c.control = v
	if v&ControlSRST != 0 && prev&ControlSRST == 0 {
		c.softReset()
	}
}

// softReset puts the controller back to its post-power-on state per
// spec §4.6's SRST semantics: zero bytes-to-transfer, lbah/lbam/drive,
// set lbal=1 and sectcount=1, and report AMNF ("drive present, ready")
// in the error register when a backing file is attached to the
// selected drive, or leave both zero when the slot is empty.
func (c *Controller) softReset() {
	c.features = shiftReg{}
	c.sectorCount = shiftReg{cur: 1}
	c.lbaLow = shiftReg{cur: 1}
	c.lbaMid = shiftReg{}
	c.lbaHigh = shiftReg{}
	c.driveHead = 0
	c.selected = 0
	c.transfer = nil
	c.transferPos = 0
	c.remaining = 0
	c.pendingWrite = false

	if c.drive() != nil {
		c.errorReg = ErrorAMNF
		c.status = StatusDRDY | StatusSRV
	} else {
		c.errorReg = 0
		c.status = 0
	}
	log.Write("soft reset")
}

func (c *Controller) currentLBA() uint64 {
	lo := uint64(c.lbaLow.cur)
	mid := uint64(c.lbaMid.cur)
	hi := uint64(c.lbaHigh.cur)
	head := uint64(c.driveHead & 0x0F)
	return head<<24 | hi<<16 | mid<<8 | lo
}

func (c *Controller) sectorCountReg() uint32 {
	n := uint32(c.sectorCount.cur)
	if n == 0 {
		return 256
	}
	return n
}

func (c *Controller) execCommand(cmd uint8) {
	c.errorReg = 0
	c.status &^= StatusERR

	d := c.drive()
	if d == nil {
		c.status = StatusDRDY | StatusERR
		c.errorReg = ErrorABRT
		return
	}

	switch cmd {
	case CmdIdentifyDevice:
		c.doIdentify(d)
	case CmdInitDeviceParams:
		c.doInitDeviceParams(d)
	case CmdReadSectors:
		c.beginTransfer(d, false)
	case CmdWriteSectors:
		c.beginTransfer(d, true)
	default:
		c.status = StatusDRDY | StatusERR
		c.errorReg = ErrorABRT
		log.Writef("unsupported command %#x", cmd)
	}
}

// doIdentify fills the 512-byte IDENTIFY DEVICE buffer and arms the
// data port to return it as a single read transfer. Word 0 bit 6
// (non-removable ATA device), word 49 bit 9 (LBA supported), and word
// 50 bit 14 (standby timer values standard, the bit real drives set
// unconditionally) are the capability bits a host driver checks before
// trusting the rest of the buffer; words 57/58 (current CHS-addressable
// capacity) and 60/61 (total LBA28 addressable sectors) both carry the
// sector count, clamped to 0xFFFFFFFF, little-endian across each pair,
// per spec §4.6. Words 1, 3 and 6 carry the default CHS geometry
// (cylinders, heads, sectors per track); every other word is left zero,
// which real host drivers tolerate.
func (c *Controller) doIdentify(d *Drive) {
	buf := make([]byte, sectorSize)
	putWord(buf, 0, 1<<6)
	putWord(buf, 1, uint16(d.cylinders))
	putWord(buf, 3, uint16(d.heads))
	putWord(buf, 6, uint16(d.sectorsPerTrack))

	putWord(buf, 49, 1<<9)
	putWord(buf, 50, 1<<14)

	sectors28 := d.sectors
	if sectors28 > 0xFFFFFFFF {
		sectors28 = 0xFFFFFFFF
	}
	putWord(buf, 57, uint16(sectors28))
	putWord(buf, 58, uint16(sectors28>>16))
	putWord(buf, 60, uint16(sectors28))
	putWord(buf, 61, uint16(sectors28>>16))

	c.transfer = buf
	c.transferPos = 0
	c.remaining = 0
	c.pendingWrite = false
	c.status = StatusDRDY | StatusDRQ
}

// doInitDeviceParams rejects INITIALIZE_DEVICE_PARAMETERS: this
// emulator only speaks LBA, so the CHS geometry the host is asserting
// can never be honored, and spec §4.6 requires reporting that as an
// aborted command rather than silently recording the geometry.
func (c *Controller) doInitDeviceParams(d *Drive) {
	c.status = StatusDRDY | StatusERR
	c.errorReg = ErrorABRT
}

// beginTransfer sets up the data-port window for a READ_SECTORS or
// WRITE_SECTORS command: the first sector for a read is loaded
// immediately (DRQ goes high once data is ready to drain); a write
// raises DRQ immediately since the host supplies the first sector
// before any disk I/O happens.
func (c *Controller) beginTransfer(d *Drive, write bool) {
	c.lba = c.currentLBA()
	c.remaining = c.sectorCountReg() - 1
	c.pendingWrite = write
	c.transferPos = 0

	if write {
		c.transfer = make([]byte, sectorSize)
		c.status = StatusDRDY | StatusDRQ
		return
	}

	buf := make([]byte, sectorSize)
	if err := c.readSector(d, c.lba, buf); err != nil {
		c.status = StatusDRDY | StatusERR | StatusDF
		c.errorReg = ErrorUNC
		log.Writef("read sector %d: %v", c.lba, err)
		return
	}
	c.transfer = buf
	c.status = StatusDRDY | StatusDRQ
}

func (c *Controller) readSector(d *Drive, lba uint64, buf []byte) error {
	_, err := d.file.ReadAt(buf, int64(lba)*sectorSize)
	return err
}

func (c *Controller) writeSector(d *Drive, lba uint64, buf []byte) error {
	_, err := d.file.WriteAt(buf, int64(lba)*sectorSize)
	return err
}

// dataRead drains one 16-bit word from the active transfer buffer; on
// the last word of the last sector it drops DRQ and reports completion.
func (c *Controller) dataRead() uint16 {
	if c.transfer == nil || c.transferPos+2 > len(c.transfer) {
		return 0xFFFF
	}
	v := uint16(c.transfer[c.transferPos]) | uint16(c.transfer[c.transferPos+1])<<8
	c.transferPos += 2

	if c.transferPos >= len(c.transfer) {
		if c.remaining == 0 {
			c.transfer = nil
			c.status = StatusDRDY
			return v
		}
		c.lba++
		c.remaining--
		buf := make([]byte, sectorSize)
		if err := c.readSector(c.drive(), c.lba, buf); err != nil {
			c.status = StatusDRDY | StatusERR | StatusDF
			c.errorReg = ErrorUNC
			c.transfer = nil
			log.Writef("read sector %d: %v", c.lba, err)
			return v
		}
		c.transfer = buf
		c.transferPos = 0
	}
	return v
}

// dataWrite accepts one 16-bit word into the active transfer buffer; on
// the last word of a sector it flushes the sector to the backing file
// and either arms the window for the next sector or completes.
func (c *Controller) dataWrite(v uint16) {
	if c.transfer == nil || c.transferPos+2 > len(c.transfer) {
		return
	}
	c.transfer[c.transferPos] = byte(v)
	c.transfer[c.transferPos+1] = byte(v >> 8)
	c.transferPos += 2

	if c.transferPos < len(c.transfer) {
		return
	}

	d := c.drive()
	if err := c.writeSector(d, c.lba, c.transfer); err != nil {
		c.status = StatusDRDY | StatusERR | StatusDF
		c.errorReg = ErrorUNC
		c.transfer = nil
		log.Writef("write sector %d: %v", c.lba, err)
		return
	}

	if c.remaining == 0 {
		c.transfer = nil
		c.status = StatusDRDY
		return
	}
	c.lba++
	c.remaining--
	c.transferPos = 0
	c.status = StatusDRDY | StatusDRQ
}

func putWord(buf []byte, wordIdx int, v uint16) {
	buf[wordIdx*2] = byte(v)
	buf[wordIdx*2+1] = byte(v >> 8)
}
