// Package mbr builds, parses, and repairs the Master Boot Record that
// describes the card's partition layout.
//
// The layout this module formats is a single active FAT32-LBA
// partition starting at a configured sector, leaving the space before
// it for raw use by the host. Everything here is byte-exact against
// the conventional MBR format so standard partition tooling can read
// the result.
//
// All reads and writes go through the card driver's block primitives
// at physical sector 0, never through a sector-translating adapter:
// the FAT adapter maps logical sector 0 onto the MBR under some
// conditions, and routing MBR maintenance through it would recurse
// into that special case.
package mbr

import (
	"encoding/binary"
	"fmt"
)

const (
	// SectorSize is the size of the boot record itself.
	SectorSize = 512

	// Signature is the magic pair at the end of every valid MBR,
	// stored little-endian (0x55 then 0xAA).
	Signature = 0xAA55

	// TypeFAT32LBA is the partition type this module creates.
	TypeFAT32LBA = 0x0C

	// MinSectors is the smallest partition worth creating, 1MiB.
	// FAT32 cannot usefully format anything smaller.
	MinSectors = 2048

	tableOffset  = 446
	entryLen     = 16
	signatureOff = 510
)

// Legacy CHS geometry used for the compatibility fields. Nothing
// modern reads these, but some tools still validate them.
const (
	chsHeads           = 255
	chsSectorsPerTrack = 63
)

// Device is the block access the manager needs, satisfied by
// [github.com/rabidaudio/sdspi/sdcard.Card].
type Device interface {
	ReadBlock(block uint32, dst []byte) error
	WriteBlock(block uint32, src []byte) error
}

// Error is a typed MBR failure.
type Error int

const (
	ErrTooSmall     Error = 1 // partition below the minimum viable size
	ErrBadSignature Error = 2 // magic pair missing, record is corrupt
	ErrNoPartition  Error = 3 // no usable first partition entry
)

func (e Error) Error() string {
	return fmt.Sprintf("mbr: %v", e.name())
}

func (e Error) name() string {
	switch e {
	case ErrTooSmall:
		return "partition too small"
	case ErrBadSignature:
		return "bad boot signature"
	case ErrNoPartition:
		return "no partition entry"
	default:
		return fmt.Sprintf("unknown error code: %v", int(e))
	}
}

// Sector is one 512-byte boot record.
type Sector struct {
	data [SectorSize]byte
}

// FromBytes copies a raw sector into a Sector without validating it.
func FromBytes(raw []byte) (*Sector, error) {
	if len(raw) != SectorSize {
		return nil, fmt.Errorf("mbr: sector must be %v bytes, got %v", SectorSize, len(raw))
	}
	s := &Sector{}
	copy(s.data[:], raw)
	return s, nil
}

// Bytes returns the raw 512-byte record.
func (s *Sector) Bytes() []byte {
	return s.data[:]
}

// Signature returns the trailing magic pair as a 16-bit value.
func (s *Sector) Signature() uint16 {
	return binary.LittleEndian.Uint16(s.data[signatureOff:])
}

// Valid reports whether the magic pair is present.
func (s *Sector) Valid() bool {
	return s.Signature() == Signature
}

// Entry returns a copy of the idx'th partition table entry (0-3).
func (s *Sector) Entry(idx int) Entry {
	if idx < 0 || idx > 3 {
		panic("mbr: partition entry index out of range")
	}
	var e Entry
	copy(e.data[:], s.data[tableOffset+idx*entryLen:])
	return e
}

// SetEntry writes the idx'th partition table entry.
func (s *Sector) SetEntry(idx int, e Entry) {
	if idx < 0 || idx > 3 {
		panic("mbr: partition entry index out of range")
	}
	copy(s.data[tableOffset+idx*entryLen:tableOffset+(idx+1)*entryLen], e.data[:])
}

// Entry is one 16-byte partition table entry.
type Entry struct {
	data [entryLen]byte
}

// MakeEntry builds a partition entry, deriving the legacy CHS fields
// from the LBA range.
func MakeEntry(bootable bool, typ byte, startLBA, sectors uint32) Entry {
	var e Entry
	if bootable {
		e.data[0] = 0x80
	}
	e.data[1], e.data[2], e.data[3] = chs(startLBA)
	e.data[4] = typ
	e.data[5], e.data[6], e.data[7] = chs(startLBA + sectors - 1)
	binary.LittleEndian.PutUint32(e.data[8:12], startLBA)
	binary.LittleEndian.PutUint32(e.data[12:16], sectors)
	return e
}

// Bootable reports the active flag.
func (e Entry) Bootable() bool {
	return e.data[0]&0x80 != 0
}

// Type returns the partition type byte.
func (e Entry) Type() byte {
	return e.data[4]
}

// StartLBA returns the first sector of the partition.
func (e Entry) StartLBA() uint32 {
	return binary.LittleEndian.Uint32(e.data[8:12])
}

// Sectors returns the partition length in sectors.
func (e Entry) Sectors() uint32 {
	return binary.LittleEndian.Uint32(e.data[12:16])
}

// StartCHS returns the raw legacy start tuple (head, sector, cylinder
// bytes as stored).
func (e Entry) StartCHS() (h, s, c byte) {
	return e.data[1], e.data[2], e.data[3]
}

// EndCHS returns the raw legacy end tuple.
func (e Entry) EndCHS() (h, s, c byte) {
	return e.data[5], e.data[6], e.data[7]
}

// chs converts an LBA to the packed legacy head/sector/cylinder bytes
// under the fixed 255-head 63-sector geometry. Addresses past the
// 1023rd cylinder don't fit and clamp to the conventional max tuple.
func chs(lba uint32) (h, s, c byte) {
	cylinder := lba / (chsHeads * chsSectorsPerTrack)
	if cylinder > 1023 {
		return 0xFE, 0xFF, 0xFF
	}
	rem := lba % (chsHeads * chsSectorsPerTrack)
	head := rem / chsSectorsPerTrack
	sector := rem%chsSectorsPerTrack + 1
	return byte(head), byte(sector) | byte(cylinder>>2&0xC0), byte(cylinder)
}

// New builds a boot record holding a single active FAT32-LBA partition.
func New(startLBA, sectors uint32) (*Sector, error) {
	if sectors < MinSectors {
		return nil, fmt.Errorf("%w: %v sectors, need at least %v", ErrTooSmall, sectors, MinSectors)
	}
	s := &Sector{}
	s.SetEntry(0, MakeEntry(true, TypeFAT32LBA, startLBA, sectors))
	binary.LittleEndian.PutUint16(s.data[signatureOff:], Signature)
	return s, nil
}

// Create partitions the device: everything from startLBA to the end of
// the card becomes one active FAT32-LBA partition. The record is
// written to physical sector 0 and read back; a signature that does
// not survive the round trip means the write failed.
func Create(dev Device, startLBA, totalBlocks uint32) (*Sector, error) {
	if startLBA >= totalBlocks {
		return nil, fmt.Errorf("%w: start %v past device end %v", ErrTooSmall, startLBA, totalBlocks)
	}
	s, err := New(startLBA, totalBlocks-startLBA)
	if err != nil {
		return nil, err
	}
	if err := dev.WriteBlock(0, s.Bytes()); err != nil {
		return nil, fmt.Errorf("write mbr: %w", err)
	}
	check, err := Read(dev)
	if err != nil {
		return nil, err
	}
	return check, nil
}

// Read fetches and validates the boot record from physical sector 0.
func Read(dev Device) (*Sector, error) {
	s := &Sector{}
	if err := dev.ReadBlock(0, s.data[:]); err != nil {
		return nil, fmt.Errorf("read mbr: %w", err)
	}
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %#04x", ErrBadSignature, s.Signature())
	}
	return s, nil
}

// Repair restores the first partition's size field after a format.
// Formatting the partition can rewrite the MBR and shrink the recorded
// size to whatever the formatter chose; this re-reads the record and,
// if the size drifted from wantSectors, rewrites it along with the
// matching CHS end fields. Reports whether a rewrite happened.
func Repair(dev Device, startLBA, wantSectors uint32) (bool, error) {
	s, err := Read(dev)
	if err != nil {
		return false, err
	}
	e := s.Entry(0)
	if e.Type() == 0 {
		return false, ErrNoPartition
	}
	if e.StartLBA() == startLBA && e.Sectors() == wantSectors {
		return false, nil
	}
	s.SetEntry(0, MakeEntry(e.Bootable(), e.Type(), startLBA, wantSectors))
	if err := dev.WriteBlock(0, s.Bytes()); err != nil {
		return false, fmt.Errorf("rewrite mbr: %w", err)
	}
	if _, err := Read(dev); err != nil {
		return false, err
	}
	return true, nil
}

// ClampSectors validates a partition size read from the MBR against
// the device geometry. An absent or impossible value is replaced by
// the space actually available past the partition start.
func ClampSectors(sectors, startLBA, totalBlocks uint32) uint32 {
	avail := totalBlocks - startLBA
	if sectors == 0 || sectors > avail {
		return avail
	}
	return sectors
}
