package sdcard

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Class is the card capacity generation.
type Class int

const (
	ClassUnknown Class = iota
	ClassSC            // standard capacity, byte addressed
	ClassHC            // high capacity, block addressed
	ClassXC            // extended capacity, block addressed
)

func (c Class) String() string {
	switch c {
	case ClassSC:
		return "SDSC"
	case ClassHC:
		return "SDHC"
	case ClassXC:
		return "SDXC"
	default:
		return "unknown"
	}
}

// CardInfo describes an initialized card.
type CardInfo struct {
	Class          Class
	CapacityMB     uint32
	BlockSize      uint32 // always 512
	Blocks         uint32
	BlockAddressed bool // false for SDSC cards, which address by byte
}

// decodeCSD computes the card capacity in bytes from the raw
// card-specific-data register. The structure-version field in the first
// byte selects between the two layouts.
func decodeCSD(csd [16]byte) (capacity uint64, class Class, err error) {
	switch csd[0] >> 6 {
	case 0:
		// standard capacity: a 12-bit size, a 3-bit multiplier, and
		// the read block length. 64-bit math; the product can pass
		// 2GB before narrowing.
		readBlockLen := uint(csd[5] & 0x0F)
		size := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8])>>6
		mult := uint(csd[9]&0x03)<<1 | uint(csd[10])>>7
		capacity = uint64(size+1) << (mult + 2 + readBlockLen)
		return capacity, ClassSC, nil
	case 1:
		// high capacity: a 22-bit size in 512KiB units
		size := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		capacity = (uint64(size) + 1) * 512 * 1024
		class = ClassHC
		if capacity >= 32<<30 {
			class = ClassXC
		}
		return capacity, class, nil
	default:
		return 0, ClassUnknown, fmt.Errorf("%w: structure version %v", ErrBadCSD, csd[0]>>6)
	}
}

// CID is the decoded card identification register.
type CID struct {
	ManufacturerID   uint8
	OEMID            string
	ProductName      string
	Revision         string
	SerialNumber     uint32
	ManufactureYear  int
	ManufactureMonth time.Month
}

// DecodeCID unpacks a raw identification register as returned by
// [Card.ReadCID].
func DecodeCID(cid [16]byte) CID {
	date := uint16(cid[13]&0x0F)<<8 | uint16(cid[14])
	return CID{
		ManufacturerID:   cid[0],
		OEMID:            string(cid[1:3]),
		ProductName:      string(cid[3:8]),
		Revision:         fmt.Sprintf("%d.%d", cid[8]>>4, cid[8]&0x0F),
		SerialNumber:     binary.BigEndian.Uint32(cid[9:13]),
		ManufactureYear:  2000 + int(date>>4),
		ManufactureMonth: time.Month(date & 0x0F),
	}
}

// ReadCSD fetches the raw card-specific-data register. This is a
// diagnostic surface; [Card.Info] exposes the decoded capacity.
func (c *Card) ReadCSD() ([16]byte, error) {
	if !c.ready {
		return [16]byte{}, ErrNotInitialized
	}
	return c.readRegister(cmdSendCSD)
}

// ReadCID fetches the raw card identification register.
func (c *Card) ReadCID() ([16]byte, error) {
	if !c.ready {
		return [16]byte{}, ErrNotInitialized
	}
	return c.readRegister(cmdSendCID)
}

// ReadOCR fetches the raw operating-conditions register.
func (c *Card) ReadOCR() ([4]byte, error) {
	if !c.ready {
		return [4]byte{}, ErrNotInitialized
	}
	return c.readOCR()
}
