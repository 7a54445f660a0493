// Package mock provides in-memory stand-ins for the hardware this
// module drives: a simulated SPI-mode card, a simulated NOR flash, and
// a transport spy. They exist for tests and host-side development, and
// reproduce the protocol behaviors the drivers are written against,
// including the awkward ones (cards that only report ready through the
// OCR register, shifted voltage-check echoes, write rejections).
package mock

import (
	"io"
	"time"

	"github.com/rabidaudio/sdspi/spi"
)

// cardState tracks where the simulated card is in a command cycle.
type cardState int

const (
	cardIdle    cardState = iota // waiting for a command byte
	cardCommand                  // collecting argument and CRC bytes
	cardData                     // waiting for a write data token + payload
)

const busyBytes = 2 // 0x00 fills clocked out after an accepted write

// Card is a simulated SD/MMC card behind the [spi.Transport] interface.
// The zero value is a 2.0 high-capacity card with a small in-memory
// store; the knobs select protocol quirks the driver must handle.
//
// Bytes shifted out by the host drive a command state machine; bytes
// shifted in come from a response queue the state machine fills. When
// the queue is empty the bus floats at 0xFF, like a released data line.
type Card struct {
	Version        int    // 1 or 2 (default 2): whether CMD8 is understood
	HighCapacity   bool   // block-addressed, CSD v1 capacity layout
	CapacityBlocks uint32 // default 2048 (1MB)

	// Backing optionally persists block data, e.g. to a disk-image
	// file shared with partition tooling. Unset means an in-memory
	// store.
	Backing io.ReadWriteSeeker

	IdleFailures    int  // CMD0 stays mute this many times before answering
	OpCondDelay     int  // ACMD41 attempts before the card reports ready
	NeverReady      bool // ACMD41 and the OCR never report ready
	ReadyOnlyViaOCR bool // ACMD41 never reports ready but the OCR does
	EchoShift       bool // deliver the CMD8 echo one byte early
	IfCondReplyWith byte // nonzero: R1 for CMD8, with no echo following
	RejectWriteWith byte // nonzero: data-response token for every write

	state    cardState
	selected bool
	idle     bool // card-side idle flag: set by CMD0, cleared by readiness
	started  bool // saw CMD0 at least once
	appCmd   bool // previous command was CMD55

	cmd      uint8
	arg      uint32
	argBytes int

	readbuf  []byte
	writebuf []byte

	idleFails    int
	opCondTries  int
	blockLen     uint32
	mem          map[uint32][]byte
	lastDivider  uint32
	lastWireAddr uint32
}

var _ spi.Transport = (*Card)(nil)

func (c *Card) capacity() uint32 {
	if c.CapacityBlocks == 0 {
		return 2048
	}
	return c.CapacityBlocks
}

func (c *Card) version() int {
	if c.Version == 0 {
		return 2
	}
	return c.Version
}

// LastDivider reports the most recent clock divider the host set, so
// tests can confirm the bring-up slow/fast switch.
func (c *Card) LastDivider() uint32 { return c.lastDivider }

// LastWireAddr reports the argument of the most recent data command,
// for address-translation assertions.
func (c *Card) LastWireAddr() uint32 { return c.lastWireAddr }

// LastBlockLen reports the most recent SET_BLOCKLEN argument, zero if
// the host never issued one.
func (c *Card) LastBlockLen() uint32 { return c.blockLen }

func (c *Card) Transmit(p []byte, _ time.Duration) error {
	for _, b := range p {
		c.feed(b)
	}
	return nil
}

func (c *Card) Receive(p []byte, _ time.Duration) error {
	for i := range p {
		p[i] = c.pop()
		// receiving clocks 0xFF out on the data line, which the
		// card sees like any other traffic
		c.feed(0xFF)
	}
	return nil
}

func (c *Card) Exchange(tx, rx []byte, _ time.Duration) error {
	for i := range tx {
		rx[i] = c.pop()
		c.feed(tx[i])
	}
	return nil
}

func (c *Card) AssertCS() error {
	c.selected = true
	return nil
}

func (c *Card) DeassertCS() error {
	c.selected = false
	c.state = cardIdle
	c.readbuf = nil
	c.writebuf = nil
	return nil
}

func (c *Card) SetClockDivider(div uint32) error {
	c.lastDivider = div
	return nil
}

func (c *Card) pop() byte {
	if !c.selected || len(c.readbuf) == 0 {
		return 0xFF
	}
	b := c.readbuf[0]
	c.readbuf = c.readbuf[1:]
	return b
}

func (c *Card) feed(b byte) {
	if !c.selected {
		return
	}
	switch c.state {
	case cardIdle:
		if b == 0xFF {
			return
		}
		if b&0xC0 != 0x40 {
			return // not a framed command byte
		}
		c.state = cardCommand
		c.cmd = b & 0x3F
		c.arg = 0
		c.argBytes = 0
	case cardCommand:
		c.argBytes++
		if c.argBytes <= 4 {
			c.arg = c.arg<<8 | uint32(b)
			return
		}
		// fifth byte is the CRC; the frame is complete
		c.state = cardIdle
		c.execute()
	case cardData:
		if c.writebuf == nil {
			if b == 0xFE {
				c.writebuf = make([]byte, 0, 514)
			}
			return
		}
		c.writebuf = append(c.writebuf, b)
		if len(c.writebuf) < 514 {
			return
		}
		// 512 data bytes plus two CRC bytes collected
		c.state = cardIdle
		c.finishWrite()
	}
}

// respond queues response bytes behind one 0xFF gap, the command
// response delay a real card exhibits.
func (c *Card) respond(b ...byte) {
	c.readbuf = append(c.readbuf, 0xFF)
	c.readbuf = append(c.readbuf, b...)
}

func (c *Card) r1() byte {
	if c.idle {
		return 0x01
	}
	return 0x00
}

func (c *Card) ocrReady() bool {
	if c.NeverReady {
		return false
	}
	if c.ReadyOnlyViaOCR {
		return c.opCondTries >= 1
	}
	return c.opCondTries >= c.opCondDelay()
}

func (c *Card) opCondDelay() int {
	if c.OpCondDelay == 0 {
		return 2
	}
	return c.OpCondDelay
}

func (c *Card) execute() {
	wasAppCmd := c.appCmd
	c.appCmd = false

	if !c.started && c.cmd != 0 {
		return // mute until reset into SPI mode
	}

	switch c.cmd {
	case 0: // GO_IDLE_STATE
		if c.idleFails < c.IdleFailures {
			c.idleFails++
			return // mute: fresh cards sometimes miss the reset
		}
		c.started = true
		c.idle = true
		c.opCondTries = 0
		c.respond(0x01)
	case 8: // SEND_IF_COND
		if c.IfCondReplyWith != 0 {
			c.respond(c.IfCondReplyWith)
			return
		}
		if c.version() < 2 {
			c.respond(0x05) // idle + illegal command
			return
		}
		if c.EchoShift {
			c.respond(c.r1(), 0x00, 0x01, 0xAA, 0x00)
		} else {
			c.respond(c.r1(), 0x00, 0x00, 0x01, 0xAA)
		}
	case 55: // APP_CMD
		c.appCmd = true
		c.respond(c.r1())
	case 41: // SEND_OP_COND, only meaningful as an app command
		if !wasAppCmd {
			c.respond(c.r1() | 0x04)
			return
		}
		c.opCondTries++
		if !c.NeverReady && !c.ReadyOnlyViaOCR && c.opCondTries >= c.opCondDelay() {
			c.idle = false
			c.respond(0x00)
			return
		}
		c.respond(0x01)
	case 58: // READ_OCR
		ocr := byte(0)
		if c.ocrReady() {
			ocr |= 0x80
			c.idle = false
		}
		if c.HighCapacity {
			ocr |= 0x40
		}
		c.respond(c.r1(), ocr, 0xFF, 0x80, 0x00)
	case 9: // SEND_CSD
		c.respond(c.r1())
		c.sendDataPacket(c.csd())
	case 10: // SEND_CID
		c.respond(c.r1())
		c.sendDataPacket(c.cid())
	case 13: // SEND_STATUS
		c.respond(c.r1(), 0x00)
	case 16: // SET_BLOCKLEN
		c.blockLen = c.arg
		c.respond(c.r1())
	case 17: // READ_SINGLE_BLOCK
		c.lastWireAddr = c.arg
		block, ok := c.blockForArg()
		if !ok {
			c.respond(c.r1() | 0x40) // parameter error
			return
		}
		c.respond(c.r1())
		c.sendDataPacket(c.readStore(block))
	case 24: // WRITE_BLOCK
		c.lastWireAddr = c.arg
		if _, ok := c.blockForArg(); !ok {
			c.respond(c.r1() | 0x40)
			return
		}
		c.respond(c.r1())
		c.state = cardData
		c.writebuf = nil
	default:
		c.respond(c.r1() | 0x04) // illegal command
	}
}

// finishWrite queues the data-response token. Unlike command
// responses there is no gap byte: the card answers in the very next
// byte after the CRC, and the driver reads exactly one.
func (c *Card) finishWrite() {
	if c.RejectWriteWith != 0 {
		c.readbuf = append(c.readbuf, c.RejectWriteWith)
		return
	}
	block, _ := c.blockForArg()
	c.writeStore(block, c.writebuf[:512])
	c.readbuf = append(c.readbuf, 0x05)
	for i := 0; i < busyBytes; i++ {
		c.readbuf = append(c.readbuf, 0x00)
	}
	c.readbuf = append(c.readbuf, 0xFF)
}

// blockForArg resolves the data-command argument under the card's own
// addressing mode.
func (c *Card) blockForArg() (uint32, bool) {
	block := c.arg
	if !c.HighCapacity {
		block = c.arg / 512
	}
	return block, block < c.capacity()
}

func (c *Card) sendDataPacket(data []byte) {
	c.readbuf = append(c.readbuf, 0xFF, 0xFE)
	c.readbuf = append(c.readbuf, data...)
	c.readbuf = append(c.readbuf, 0, 0) // CRC, unchecked in SPI mode
}

// csd builds a register whose capacity fields decode to
// CapacityBlocks. High-capacity cards use the v1 layout (22-bit size in
// 512KiB units); standard cards the v0 exponent layout with a 512-byte
// read block length and the maximum multiplier.
func (c *Card) csd() []byte {
	csd := make([]byte, 16)
	if c.HighCapacity {
		csd[0] = 1 << 6
		size := c.capacity()/1024 - 1 // 512KiB units are 1024 blocks
		csd[7] = byte(size >> 16 & 0x3F)
		csd[8] = byte(size >> 8)
		csd[9] = byte(size)
		return csd
	}
	csd[0] = 0
	csd[5] = 9        // READ_BL_LEN: 512-byte blocks
	mult := uint32(7) // C_SIZE_MULT
	// (size+1) << (mult+2+9) bytes, so one size unit is 512 blocks
	size := c.capacity()>>9 - 1
	csd[6] = byte(size >> 10 & 0x03)
	csd[7] = byte(size >> 2)
	csd[8] = byte(size << 6)
	csd[9] = byte(mult >> 1 & 0x03)
	csd[10] = byte(mult << 7)
	return csd
}

func (c *Card) cid() []byte {
	return []byte{
		0xAB,     // manufacturer
		'G', 'O', // OEM
		'M', 'O', 'C', 'K', '0', // product name
		0x12,                   // revision 1.2
		0x00, 0x00, 0xBE, 0xEF, // serial
		0x01, 0x68, // manufactured 2022-08
		0x00,
	}
}

func (c *Card) readStore(block uint32) []byte {
	buf := make([]byte, 512)
	if c.Backing != nil {
		if _, err := c.Backing.Seek(int64(block)*512, io.SeekStart); err == nil {
			io.ReadFull(c.Backing, buf)
		}
		return buf
	}
	if b, ok := c.mem[block]; ok {
		copy(buf, b)
	}
	return buf
}

func (c *Card) writeStore(block uint32, data []byte) {
	if c.Backing != nil {
		if _, err := c.Backing.Seek(int64(block)*512, io.SeekStart); err == nil {
			c.Backing.Write(data)
		}
		return
	}
	if c.mem == nil {
		c.mem = make(map[uint32][]byte)
	}
	b := make([]byte, 512)
	copy(b, data)
	c.mem[block] = b
}
