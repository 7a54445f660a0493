package fatdisk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rabidaudio/sdspi/mbr"
	"github.com/rabidaudio/sdspi/mock"
	"github.com/rabidaudio/sdspi/sdcard"
)

const (
	testBlocks = 65536
	testStart  = 2048
)

func testDisk(t *testing.T) (*Disk, *mock.SpyPort) {
	t.Helper()
	spy := &mock.SpyPort{Inner: &mock.Card{HighCapacity: true, CapacityBlocks: testBlocks}}
	d := &Disk{
		Card:           &sdcard.Card{Bus: spy},
		PartitionStart: testStart,
	}
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	return d, spy
}

func TestNotReadyBeforeInitialize(t *testing.T) {
	d := &Disk{Card: &sdcard.Card{Bus: &mock.Card{}}}
	buf := make([]byte, sdcard.SectorSize)

	assert.ErrorIs(t, d.Status(), ErrNotReady)
	assert.ErrorIs(t, d.ReadSectors(0, buf), ErrNotReady)
	assert.ErrorIs(t, d.WriteSectors(0, buf), ErrNotReady)
	_, err := d.SectorCount()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, d.Sync(), ErrNotReady)
}

func TestStatusMirrorsDriver(t *testing.T) {
	d, _ := testDisk(t)
	assert.NoError(t, d.Status())

	// the adapter flag alone is not enough: if the driver loses its
	// session the adapter must refuse too
	assert.NoError(t, d.Card.Deinit())
	assert.ErrorIs(t, d.Status(), ErrNotReady)
}

func TestSectorZeroSpecialCase(t *testing.T) {
	d, spy := testDisk(t)
	buf := make([]byte, sdcard.SectorSize)

	// before a partition size is cached, logical 0 is the MBR itself:
	// this is the window a format routine uses to rewrite it
	assert.NoError(t, d.ReadSectors(0, buf))
	frame, ok := spy.LastFrame(17)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), frame.Arg)

	// other sectors are offset as usual even before the cache
	assert.NoError(t, d.ReadSectors(5, buf))
	frame, _ = spy.LastFrame(17)
	assert.Equal(t, uint32(testStart+5), frame.Arg)

	_, err := d.SectorCount()
	assert.NoError(t, err)

	// once established, logical 0 means the partition's first sector
	assert.NoError(t, d.ReadSectors(0, buf))
	frame, _ = spy.LastFrame(17)
	assert.Equal(t, uint32(testStart), frame.Arg)
}

func TestSectorCountFromMBR(t *testing.T) {
	d, _ := testDisk(t)

	// a real table: the recorded size wins
	s, err := mbr.New(testStart, 30000)
	assert.NoError(t, err)
	assert.NoError(t, d.Card.WriteBlock(0, s.Bytes()))

	count, err := d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(30000), count)

	// cached: a later table change is not observed
	s, err = mbr.New(testStart, 40000)
	assert.NoError(t, err)
	assert.NoError(t, d.Card.WriteBlock(0, s.Bytes()))
	count, err = d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(30000), count)

	// Initialize drops the cache
	assert.NoError(t, d.Initialize())
	count, err = d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(40000), count)
}

func TestSectorCountFallbacks(t *testing.T) {
	// no MBR at all: computed from the card geometry
	d, _ := testDisk(t)
	count, err := d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(testBlocks-testStart), count)

	// a table whose size field is impossible for this card
	d, _ = testDisk(t)
	s, err := mbr.New(testStart, testBlocks*2)
	assert.NoError(t, err)
	assert.NoError(t, d.Card.WriteBlock(0, s.Bytes()))
	count, err = d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(testBlocks-testStart), count)
}

func TestSectorCountUnpartitioned(t *testing.T) {
	d := &Disk{Card: &sdcard.Card{Bus: &mock.Card{HighCapacity: true, CapacityBlocks: testBlocks}}}
	assert.NoError(t, d.Initialize())

	count, err := d.SectorCount()
	assert.NoError(t, err)
	assert.Equal(t, uint32(testBlocks), count)
}

func TestUnpartitionedIdentityMapping(t *testing.T) {
	spy := &mock.SpyPort{Inner: &mock.Card{HighCapacity: true, CapacityBlocks: testBlocks}}
	d := &Disk{Card: &sdcard.Card{Bus: spy}}
	assert.NoError(t, d.Initialize())

	buf := make([]byte, sdcard.SectorSize)
	assert.NoError(t, d.ReadSectors(0, buf))
	frame, _ := spy.LastFrame(17)
	assert.Equal(t, uint32(0), frame.Arg)
	assert.NoError(t, d.ReadSectors(9, buf))
	frame, _ = spy.LastFrame(17)
	assert.Equal(t, uint32(9), frame.Arg)
}

func TestRoundTripThroughPartition(t *testing.T) {
	d, _ := testDisk(t)
	_, err := d.SectorCount() // establish the partition mapping
	assert.NoError(t, err)

	data := make([]byte, 2*sdcard.SectorSize)
	for i := range data {
		data[i] = byte(i * 3)
	}
	assert.NoError(t, d.WriteSectors(10, data))

	got := make([]byte, 2*sdcard.SectorSize)
	assert.NoError(t, d.ReadSectors(10, got))
	assert.Equal(t, data, got)

	// the data really lives past the partition start
	raw := make([]byte, 2*sdcard.SectorSize)
	assert.NoError(t, d.Card.ReadBlocks(testStart+10, raw))
	assert.Equal(t, data, raw)
}

func TestIoctlValues(t *testing.T) {
	d, _ := testDisk(t)
	assert.Equal(t, uint32(sdcard.SectorSize), d.SectorSize())
	assert.Equal(t, uint32(1), d.EraseBlockSize())
	assert.NoError(t, d.Sync())
	assert.NoError(t, d.Trim(0, 100))
}

func TestToResult(t *testing.T) {
	assert.Equal(t, ResOK, ToResult(nil))
	assert.Equal(t, ResNotReady, ToResult(ErrNotReady))
	assert.Equal(t, ResNotReady, ToResult(sdcard.ErrNotInitialized))
	assert.Equal(t, ResParamError, ToResult(sdcard.ErrOutOfRange))
	assert.Equal(t, ResParamError, ToResult(sdcard.ErrBlockLength))
	// anything without a precise match is an I/O error
	assert.Equal(t, ResError, ToResult(sdcard.ErrBusyTimeout))
	assert.Equal(t, ResError, ToResult(errors.New("anything")))
}

func TestRegistry(t *testing.T) {
	d, _ := testDisk(t)
	Register(0, d)
	defer Unregister(0)

	got, ok := Get(0)
	assert.True(t, ok)
	assert.Equal(t, BlockDevice(d), got)

	_, ok = Get(1)
	assert.False(t, ok)

	Unregister(0)
	_, ok = Get(0)
	assert.False(t, ok)
}
