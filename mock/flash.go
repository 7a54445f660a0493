package mock

import (
	"fmt"
	"time"

	"github.com/rabidaudio/sdspi/lfsdisk"
)

// Flash is a simulated SPI NOR flash chip with real NOR semantics:
// erase sets a whole sector to 0xFF, and programming can only clear
// bits. The zero value is a 1MB part with 256-byte pages and 4KB
// sectors.
type Flash struct {
	Capacity   uint32 // bytes, default 1MB
	PageSize   uint32 // default 256
	SectorSize uint32 // default 4096

	// NextErr, when set, fails the next I/O operation and clears
	// itself.
	NextErr error
	// BusyFor makes WaitReady report a stuck chip this many times.
	BusyFor int

	// ProgramAddrs records the byte address of every WriteAt, for
	// address-math assertions.
	ProgramAddrs []uint32
	ReadAddrs    []uint32
	ErasedAddrs  []uint32

	mem []byte
}

var _ lfsdisk.Flash = (*Flash)(nil)

func (f *Flash) Attrs() lfsdisk.FlashAttrs {
	capacity, page, sector := f.geometry()
	return lfsdisk.FlashAttrs{Capacity: capacity, PageSize: page, SectorSize: sector}
}

func (f *Flash) geometry() (capacity, page, sector uint32) {
	capacity, page, sector = f.Capacity, f.PageSize, f.SectorSize
	if capacity == 0 {
		capacity = 1 << 20
	}
	if page == 0 {
		page = 256
	}
	if sector == 0 {
		sector = 4096
	}
	return
}

func (f *Flash) init() {
	if f.mem == nil {
		capacity, _, _ := f.geometry()
		f.mem = make([]byte, capacity)
		for i := range f.mem {
			f.mem[i] = 0xFF
		}
	}
}

func (f *Flash) takeErr() error {
	err := f.NextErr
	f.NextErr = nil
	return err
}

func (f *Flash) ReadAt(addr uint32, buf []byte) error {
	f.init()
	if err := f.takeErr(); err != nil {
		return err
	}
	if int(addr)+len(buf) > len(f.mem) {
		return fmt.Errorf("flash: read past end of array: %#x+%v", addr, len(buf))
	}
	f.ReadAddrs = append(f.ReadAddrs, addr)
	copy(buf, f.mem[addr:])
	return nil
}

func (f *Flash) WriteAt(addr uint32, buf []byte) error {
	f.init()
	if err := f.takeErr(); err != nil {
		return err
	}
	if int(addr)+len(buf) > len(f.mem) {
		return fmt.Errorf("flash: program past end of array: %#x+%v", addr, len(buf))
	}
	f.ProgramAddrs = append(f.ProgramAddrs, addr)
	for i, b := range buf {
		f.mem[addr+uint32(i)] &= b
	}
	return nil
}

func (f *Flash) EraseSector(addr uint32) error {
	f.init()
	if err := f.takeErr(); err != nil {
		return err
	}
	_, _, sector := f.geometry()
	if addr%sector != 0 {
		return fmt.Errorf("flash: erase address %#x not sector aligned", addr)
	}
	if int(addr)+int(sector) > len(f.mem) {
		return fmt.Errorf("flash: erase past end of array: %#x", addr)
	}
	f.ErasedAddrs = append(f.ErasedAddrs, addr)
	for i := uint32(0); i < sector; i++ {
		f.mem[addr+i] = 0xFF
	}
	return nil
}

func (f *Flash) WaitReady(timeout time.Duration) error {
	if f.BusyFor > 0 {
		f.BusyFor--
		return fmt.Errorf("flash: still busy after %v", timeout)
	}
	return nil
}
