// Package fatdisk adapts the card driver to the five-function disk
// I/O contract FAT-family filesystem libraries expect: initialize,
// status, read, write, and the ioctl family (sector count, sector
// size, erase block size, sync, trim).
//
// The adapter owns the translation between the filesystem's logical
// sectors and the card's physical sectors. In partitioned mode a
// logical sector is offset by the partition start, with one deliberate
// exception around sector 0 described on [Disk].
package fatdisk

import (
	"errors"
	"fmt"

	"github.com/rabidaudio/sdspi/mbr"
	"github.com/rabidaudio/sdspi/sdcard"
)

// BlockDevice is the disk I/O surface a FAT filesystem library mounts.
type BlockDevice interface {
	Initialize() error
	Status() error
	ReadSectors(sector uint32, buf []byte) error
	WriteSectors(sector uint32, buf []byte) error
	SectorCount() (uint32, error)
	SectorSize() uint32
	EraseBlockSize() uint32
	Sync() error
	Trim(start, end uint32) error
}

// Error is a typed adapter failure.
type Error int

const (
	// ErrNotReady means the adapter or the card below it has not
	// completed bring-up. The adapter tracks its own ready flag
	// separately from the driver's, and every call checks both
	// before touching the bus.
	ErrNotReady Error = 1
)

func (e Error) Error() string {
	switch e {
	case ErrNotReady:
		return "fatdisk: not ready"
	default:
		return fmt.Sprintf("fatdisk: unknown error code: %v", int(e))
	}
}

// Disk exposes a card, or one partition of it, as a [BlockDevice].
//
// With PartitionStart zero the mapping is the identity and the whole
// card is the volume. With a partition configured, logical sector n
// maps to physical n+PartitionStart. The exception is logical sector
// 0, which maps to physical sector 0 (the MBR itself) until a
// partition size has been cached by [Disk.SectorCount]. That window
// lets a format routine read and rewrite the real MBR before the
// partition's own first sector exists; once the size is cached,
// logical 0 is the partition's first data sector like any other.
type Disk struct {
	Card *sdcard.Card
	// PartitionStart is the physical sector the partition begins
	// at, or 0 for a whole-card volume.
	PartitionStart uint32

	ready   bool
	sectors uint32 // cached partition size, 0 = not yet established
}

var _ BlockDevice = (*Disk)(nil)

// Initialize runs the card bring-up and mirrors its outcome in the
// adapter's own ready flag. The partition-size cache is dropped so the
// next SectorCount re-reads the MBR.
func (d *Disk) Initialize() error {
	d.ready = false
	d.sectors = 0
	if err := d.Card.Init(); err != nil {
		return err
	}
	d.ready = true
	return nil
}

// Status reports whether the adapter is usable. Both the adapter flag
// and the driver's own lifecycle must agree.
func (d *Disk) Status() error {
	if !d.ready || !d.Card.Ready() {
		return ErrNotReady
	}
	return nil
}

// translate maps a logical sector to a physical one.
func (d *Disk) translate(sector uint32) uint32 {
	if d.PartitionStart == 0 {
		return sector
	}
	if sector == 0 && d.sectors == 0 {
		return 0 // the MBR, until the partition is established
	}
	return sector + d.PartitionStart
}

// ReadSectors reads len(buf)/512 logical sectors starting at sector.
func (d *Disk) ReadSectors(sector uint32, buf []byte) error {
	if err := d.Status(); err != nil {
		return err
	}
	return d.Card.ReadBlocks(d.translate(sector), buf)
}

// WriteSectors writes len(buf)/512 logical sectors starting at sector.
func (d *Disk) WriteSectors(sector uint32, buf []byte) error {
	if err := d.Status(); err != nil {
		return err
	}
	return d.Card.WriteBlocks(d.translate(sector), buf)
}

// SectorCount reports the volume size in sectors.
//
// For a whole-card volume this is the card's block count. For a
// partition it is the size field of the first MBR entry, validated
// against the card geometry (an absent or impossible value falls back
// to the space past the partition start) and cached so steady-state
// I/O never re-reads the MBR.
func (d *Disk) SectorCount() (uint32, error) {
	if err := d.Status(); err != nil {
		return 0, err
	}
	info, err := d.Card.Info()
	if err != nil {
		return 0, err
	}
	if d.PartitionStart == 0 {
		return info.Blocks, nil
	}
	if d.sectors != 0 {
		return d.sectors, nil
	}
	var recorded uint32
	if s, err := mbr.Read(d.Card); err == nil {
		recorded = s.Entry(0).Sectors()
	} else if !errors.Is(err, mbr.ErrBadSignature) {
		return 0, err
	}
	// no/corrupt MBR reads as size 0, which ClampSectors replaces
	d.sectors = mbr.ClampSectors(recorded, d.PartitionStart, info.Blocks)
	return d.sectors, nil
}

// SectorSize reports the fixed 512-byte sector.
func (d *Disk) SectorSize() uint32 {
	return sdcard.SectorSize
}

// EraseBlockSize reports the erase granularity in sectors. The card
// exposes no native trim, so the conventional answer is one sector.
func (d *Disk) EraseBlockSize() uint32 {
	return 1
}

// Sync is a no-op: every write completes synchronously before
// returning, so there is never anything buffered.
func (d *Disk) Sync() error {
	return d.Status()
}

// Trim is a no-op for the same reason there is no erase granularity.
func (d *Disk) Trim(start, end uint32) error {
	return d.Status()
}

// Result is the narrow status vocabulary of the FAT disk I/O
// convention.
type Result int

const (
	ResOK Result = iota
	ResError
	ResWriteProtect
	ResNotReady
	ResParamError
)

func (r Result) String() string {
	switch r {
	case ResOK:
		return "OK"
	case ResError:
		return "I/O error"
	case ResWriteProtect:
		return "write protected"
	case ResNotReady:
		return "not ready"
	case ResParamError:
		return "parameter error"
	default:
		return fmt.Sprintf("unknown result: %v", int(r))
	}
}

// ToResult converts a driver or adapter error into the contract's
// result codes. Anything without a precise match is an I/O error.
func ToResult(err error) Result {
	switch {
	case err == nil:
		return ResOK
	case errors.Is(err, ErrNotReady), errors.Is(err, sdcard.ErrNotInitialized):
		return ResNotReady
	case errors.Is(err, sdcard.ErrBlockLength),
		errors.Is(err, sdcard.ErrOutOfRange),
		errors.Is(err, sdcard.ErrNoBus):
		return ResParamError
	default:
		return ResError
	}
}
