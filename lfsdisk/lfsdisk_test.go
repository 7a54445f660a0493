package lfsdisk_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rabidaudio/sdspi/lfsdisk"
	"github.com/rabidaudio/sdspi/mock"
)

func testDevice(t *testing.T) (*lfsdisk.Device, *mock.Flash) {
	t.Helper()
	flash := &mock.Flash{} // 1MB, 256-byte pages, 4KB sectors
	d, err := lfsdisk.New(flash)
	if err != nil {
		t.Fatal(err)
	}
	return d, flash
}

func TestConfigFromGeometry(t *testing.T) {
	d, _ := testDevice(t)

	cfg := d.Config()
	assert.Equal(t, uint32(256), cfg.ReadSize)
	assert.Equal(t, uint32(256), cfg.ProgSize)
	assert.Equal(t, uint32(4096), cfg.BlockSize)
	assert.Equal(t, uint32(256), cfg.BlockCount) // 1MB / 4KB
	// caches are sized to the page, not the erase sector, to bound
	// RAM on a small target
	assert.Equal(t, uint32(256), cfg.CacheSize)
	assert.Equal(t, uint32(256), cfg.LookaheadSize)
	assert.Equal(t, int32(lfsdisk.DefaultBlockCycles), cfg.BlockCycles)

	read, prog, lookahead, file := d.Buffers()
	for _, buf := range [][]byte{read, prog, lookahead, file} {
		assert.Len(t, buf, 256)
	}
}

func TestBadGeometry(t *testing.T) {
	_, err := lfsdisk.New(nil)
	assert.ErrorIs(t, err, lfsdisk.ErrInvalid)

	// sector not a multiple of page
	_, err = lfsdisk.New(&mock.Flash{PageSize: 300, SectorSize: 4096})
	assert.ErrorIs(t, err, lfsdisk.ErrInvalid)

	// capacity not a multiple of sector
	_, err = lfsdisk.New(&mock.Flash{Capacity: 4096*10 + 1, PageSize: 256, SectorSize: 4096})
	assert.ErrorIs(t, err, lfsdisk.ErrInvalid)
}

func TestAddressMath(t *testing.T) {
	d, flash := testDevice(t)
	buf := make([]byte, 256)

	assert.NoError(t, d.ReadBlock(3, 512, buf))
	assert.Equal(t, []uint32{3*4096 + 512}, flash.ReadAddrs)

	assert.NoError(t, d.ProgramBlock(7, 256, buf))
	assert.Equal(t, []uint32{7*4096 + 256}, flash.ProgramAddrs)

	assert.NoError(t, d.EraseBlock(2))
	assert.Equal(t, []uint32{2 * 4096}, flash.ErasedAddrs)
}

func TestRoundTrip(t *testing.T) {
	d, _ := testDevice(t)

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	assert.NoError(t, d.EraseBlock(1))
	assert.NoError(t, d.ProgramBlock(1, 512, data))

	got := make([]byte, 256)
	assert.NoError(t, d.ReadBlock(1, 512, got))
	assert.Equal(t, data, got)

	// erase returns the block to all-ones
	assert.NoError(t, d.EraseBlock(1))
	assert.NoError(t, d.ReadBlock(1, 512, got))
	for _, b := range got {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestBounds(t *testing.T) {
	d, flash := testDevice(t)
	buf := make([]byte, 256)

	assert.ErrorIs(t, d.ReadBlock(256, 0, buf), lfsdisk.ErrInvalid)
	assert.ErrorIs(t, d.ProgramBlock(0, 4096, buf), lfsdisk.ErrInvalid)
	assert.ErrorIs(t, d.ProgramBlock(0, 4096-128, buf), lfsdisk.ErrInvalid)
	assert.ErrorIs(t, d.EraseBlock(256), lfsdisk.ErrInvalid)

	// an offset large enough to wrap the 32-bit span arithmetic is
	// still a caller error, not flash traffic
	assert.ErrorIs(t, d.ReadBlock(0, ^uint32(0)-64, buf), lfsdisk.ErrInvalid)
	assert.ErrorIs(t, d.ProgramBlock(0, ^uint32(0)-64, buf), lfsdisk.ErrInvalid)

	// rejected before any flash traffic
	assert.Empty(t, flash.ReadAddrs)
	assert.Empty(t, flash.ProgramAddrs)
	assert.Empty(t, flash.ErasedAddrs)
}

func TestErrorMapping(t *testing.T) {
	d, flash := testDevice(t)
	buf := make([]byte, 256)

	// any unmapped driver failure surfaces as the contract's
	// catch-all I/O error
	flash.NextErr = errors.New("wedged")
	assert.ErrorIs(t, d.ReadBlock(0, 0, buf), lfsdisk.ErrIO)

	flash.NextErr = errors.New("wedged")
	assert.ErrorIs(t, d.ProgramBlock(0, 0, buf), lfsdisk.ErrIO)

	flash.NextErr = errors.New("wedged")
	assert.ErrorIs(t, d.EraseBlock(0), lfsdisk.ErrIO)

	// a chip that never comes ready is an I/O error before any
	// traffic happens
	flash.BusyFor = 1
	reads := len(flash.ReadAddrs)
	assert.ErrorIs(t, d.ReadBlock(0, 0, buf), lfsdisk.ErrIO)
	assert.Len(t, flash.ReadAddrs, reads)
}

func TestSync(t *testing.T) {
	d, _ := testDevice(t)
	assert.NoError(t, d.Sync())
}
