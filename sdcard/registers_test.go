package sdcard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rabidaudio/sdspi/mock"
)

// csdV0 packs a structure-version-0 register from its capacity fields.
func csdV0(size uint32, mult, readBlockLen uint8) [16]byte {
	var csd [16]byte
	csd[5] = readBlockLen & 0x0F
	csd[6] = byte(size >> 10 & 0x03)
	csd[7] = byte(size >> 2)
	csd[8] = byte(size << 6)
	csd[9] = byte(mult >> 1 & 0x03)
	csd[10] = byte(mult << 7)
	return csd
}

// csdV1 packs a structure-version-1 register from its size field.
func csdV1(size uint32) [16]byte {
	var csd [16]byte
	csd[0] = 1 << 6
	csd[7] = byte(size >> 16 & 0x3F)
	csd[8] = byte(size >> 8)
	csd[9] = byte(size)
	return csd
}

func TestDecodeCSDStandardCapacity(t *testing.T) {
	// (size+1) * 2^(mult+2) * 2^readBlockLen bytes
	for _, tc := range []struct {
		size     uint32
		mult     uint8
		blockLen uint8
		bytes    uint64
	}{
		{3, 7, 9, 4 << 18},          // 1MB
		{4095, 7, 9, 4096 << 18},    // 1GB, the full 12-bit size field
		{999, 7, 9, 1000 << 18},     // ~244MB
		{1023, 7, 10, 1024 << 19},   // 512-byte multiples via blockLen
		{2047, 5, 9, 2048 << 16},    // smaller multiplier
	} {
		capacity, class, err := decodeCSD(csdV0(tc.size, tc.mult, tc.blockLen))
		assert.NoError(t, err)
		assert.Equal(t, ClassSC, class)
		assert.Equal(t, tc.bytes, capacity, "size=%v mult=%v len=%v", tc.size, tc.mult, tc.blockLen)
	}
}

func TestDecodeCSDHighCapacity(t *testing.T) {
	// (size+1) * 512KiB
	capacity, class, err := decodeCSD(csdV1(15))
	assert.NoError(t, err)
	assert.Equal(t, ClassHC, class)
	assert.Equal(t, uint64(16*512*1024), capacity)

	// 2GB over the wire format's smallest step
	capacity, class, err = decodeCSD(csdV1(4095))
	assert.NoError(t, err)
	assert.Equal(t, ClassHC, class)
	assert.Equal(t, uint64(4096)*512*1024, capacity)
}

func TestDecodeCSDExtendedCapacityBoundary(t *testing.T) {
	// 32GiB is the class boundary: below is high capacity, at and
	// above is extended
	const unitsPer32GiB = (32 << 30) / (512 * 1024)

	_, class, err := decodeCSD(csdV1(unitsPer32GiB - 2)) // 32GiB - 512KiB
	assert.NoError(t, err)
	assert.Equal(t, ClassHC, class)

	_, class, err = decodeCSD(csdV1(unitsPer32GiB - 1)) // exactly 32GiB
	assert.NoError(t, err)
	assert.Equal(t, ClassXC, class)

	capacity, class, err := decodeCSD(csdV1(unitsPer32GiB)) // 32GiB + 512KiB
	assert.NoError(t, err)
	assert.Equal(t, ClassXC, class)
	assert.Equal(t, uint64(32<<30)+512*1024, capacity)
}

func TestDecodeCSDUnknownVersion(t *testing.T) {
	var csd [16]byte
	csd[0] = 2 << 6
	_, _, err := decodeCSD(csd)
	assert.ErrorIs(t, err, ErrBadCSD)

	csd[0] = 3 << 6
	_, _, err = decodeCSD(csd)
	assert.ErrorIs(t, err, ErrBadCSD)
}

func TestReadRegisters(t *testing.T) {
	card := &Card{Bus: &mock.Card{HighCapacity: true, CapacityBlocks: 8192}}
	assert.NoError(t, card.Init())

	csd, err := card.ReadCSD()
	assert.NoError(t, err)
	capacity, class, err := decodeCSD(csd)
	assert.NoError(t, err)
	assert.Equal(t, ClassHC, class)
	assert.Equal(t, uint64(8192)*SectorSize, capacity)

	ocr, err := card.ReadOCR()
	assert.NoError(t, err)
	assert.NotZero(t, ocr[0]&0x80, "power-up status")
	assert.NotZero(t, ocr[0]&0x40, "card capacity status")

	cid, err := card.ReadCID()
	assert.NoError(t, err)
	decoded := DecodeCID(cid)
	assert.Equal(t, uint8(0xAB), decoded.ManufacturerID)
	assert.Equal(t, "GO", decoded.OEMID)
	assert.Equal(t, "MOCK0", decoded.ProductName)
	assert.Equal(t, "1.2", decoded.Revision)
	assert.Equal(t, uint32(0xBEEF), decoded.SerialNumber)
	assert.Equal(t, 2022, decoded.ManufactureYear)
	assert.Equal(t, time.August, decoded.ManufactureMonth)
}
