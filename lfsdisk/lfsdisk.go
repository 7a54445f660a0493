// Package lfsdisk adapts a NOR-flash driver to the four-function
// block-device contract a log-structured filesystem mounts: read,
// program, erase, sync. Blocks are the flash's erase sectors; the
// filesystem reads and programs at page granularity within them.
//
// The adapter owns a small set of fixed cache buffers (read, program,
// lookahead, one per-open-file) sized to the flash page size rather
// than the erase sector, which keeps the RAM bill bounded on a small
// target while still letting the filesystem batch a page at a time.
package lfsdisk

import (
	"fmt"
	"time"
)

// FlashAttrs describes a flash part's geometry, queried once at
// adapter construction.
type FlashAttrs struct {
	Capacity   uint32 // total bytes
	PageSize   uint32 // program granularity
	SectorSize uint32 // erase granularity
}

// Flash is the byte-addressed NOR driver the adapter wraps. The
// driver's internals (command set, status polling, address width) are
// its own business; the adapter only relies on this surface.
type Flash interface {
	ReadAt(addr uint32, buf []byte) error
	// WriteAt programs bytes. NOR programming only clears bits;
	// callers wanting fresh 0xFF content must erase first.
	WriteAt(addr uint32, buf []byte) error
	EraseSector(addr uint32) error
	WaitReady(timeout time.Duration) error
	Attrs() FlashAttrs
}

// Error is the narrow error space of the log-filesystem contract. The
// values match the host library's error codes.
type Error int

const (
	ErrIO      Error = -5  // device-level failure, the default mapping
	ErrCorrupt Error = -84 // data could not be interpreted
	ErrNoSpace Error = -28 // no room left on device
	ErrInvalid Error = -22 // caller error: bad block, offset, or size
)

func (e Error) Error() string {
	return fmt.Sprintf("lfsdisk: %v", e.name())
}

func (e Error) name() string {
	switch e {
	case ErrIO:
		return "input/output error"
	case ErrCorrupt:
		return "corrupted"
	case ErrNoSpace:
		return "no space left on device"
	case ErrInvalid:
		return "invalid parameter"
	default:
		return fmt.Sprintf("unknown error code: %v", int(e))
	}
}

// Config carries the geometry and cache sizing the filesystem library
// is configured with.
type Config struct {
	ReadSize      uint32
	ProgSize      uint32
	BlockSize     uint32
	BlockCount    uint32
	CacheSize     uint32
	LookaheadSize uint32
	BlockCycles   int32 // wear-leveling cycle hint
}

// DefaultBlockCycles is the wear-leveling hint used when the host
// doesn't override it.
const DefaultBlockCycles = 100

// DefaultReadyTimeout bounds the flash ready check before each
// operation.
const DefaultReadyTimeout = 100 * time.Millisecond

// Device exposes a flash chip as a log-filesystem block device.
type Device struct {
	// ReadyTimeout bounds the per-operation flash ready check. If
	// 0, [DefaultReadyTimeout] is used.
	ReadyTimeout time.Duration

	flash Flash
	cfg   Config

	readCache []byte
	progCache []byte
	lookahead []byte
	fileCache []byte
}

// New queries the flash geometry and builds the adapter with its cache
// buffers allocated up front. The flash must report a sane geometry:
// nonzero page and sector sizes, sector a multiple of page, capacity a
// multiple of sector.
func New(f Flash) (*Device, error) {
	if f == nil {
		return nil, ErrInvalid
	}
	attrs := f.Attrs()
	if attrs.PageSize == 0 || attrs.SectorSize == 0 ||
		attrs.SectorSize%attrs.PageSize != 0 ||
		attrs.Capacity == 0 || attrs.Capacity%attrs.SectorSize != 0 {
		return nil, fmt.Errorf("%w: flash geometry %+v", ErrInvalid, attrs)
	}
	d := &Device{
		flash: f,
		cfg: Config{
			ReadSize:      attrs.PageSize,
			ProgSize:      attrs.PageSize,
			BlockSize:     attrs.SectorSize,
			BlockCount:    attrs.Capacity / attrs.SectorSize,
			CacheSize:     attrs.PageSize,
			LookaheadSize: attrs.PageSize,
			BlockCycles:   DefaultBlockCycles,
		},
		readCache: make([]byte, attrs.PageSize),
		progCache: make([]byte, attrs.PageSize),
		lookahead: make([]byte, attrs.PageSize),
		fileCache: make([]byte, attrs.PageSize),
	}
	return d, nil
}

// Config returns the geometry and cache sizing for the filesystem's
// static configuration.
func (d *Device) Config() Config {
	return d.cfg
}

// Buffers returns the adapter-owned cache buffers, in the order the
// filesystem configuration wants them: read, program, lookahead, and
// the per-open-file buffer.
func (d *Device) Buffers() (read, prog, lookahead, file []byte) {
	return d.readCache, d.progCache, d.lookahead, d.fileCache
}

// check validates a block-relative span and confirms the flash is
// ready before any traffic.
func (d *Device) check(block, off uint32, size uint32) error {
	if block >= d.cfg.BlockCount {
		return fmt.Errorf("%w: block %v of %v", ErrInvalid, block, d.cfg.BlockCount)
	}
	if off > d.cfg.BlockSize || size > d.cfg.BlockSize-off {
		return fmt.Errorf("%w: %v bytes at offset %v in a %v-byte block", ErrInvalid, size, off, d.cfg.BlockSize)
	}
	timeout := d.ReadyTimeout
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}
	if err := d.flash.WaitReady(timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (d *Device) addr(block, off uint32) uint32 {
	return block*d.cfg.BlockSize + off
}

// ReadBlock reads len(buf) bytes at the given offset within a block.
func (d *Device) ReadBlock(block, off uint32, buf []byte) error {
	if err := d.check(block, off, uint32(len(buf))); err != nil {
		return err
	}
	if err := d.flash.ReadAt(d.addr(block, off), buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// ProgramBlock programs len(buf) bytes at the given offset within a
// block. The block must have been erased since the last program of the
// same bytes; that ordering is the filesystem's job.
func (d *Device) ProgramBlock(block, off uint32, buf []byte) error {
	if err := d.check(block, off, uint32(len(buf))); err != nil {
		return err
	}
	if err := d.flash.WriteAt(d.addr(block, off), buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// EraseBlock erases one block back to 0xFF.
func (d *Device) EraseBlock(block uint32) error {
	if err := d.check(block, 0, 0); err != nil {
		return err
	}
	if err := d.flash.EraseSector(d.addr(block, 0)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Sync is a no-op: the flash driver completes every program and erase
// before returning, so there is nothing buffered on this side.
func (d *Device) Sync() error {
	return nil
}
