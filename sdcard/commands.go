package sdcard

import (
	"fmt"

	"github.com/siderolabs/go-retry/retry"
)

// SPI-mode command set.
const (
	cmdGoIdleState     = 0  // software reset into SPI mode
	cmdSendIfCond      = 8  // voltage check, v2.0+ cards only
	cmdSendCSD         = 9  // card-specific data register
	cmdSendCID         = 10 // card identification register
	cmdSendStatus      = 13 // two-byte status
	cmdSetBlocklen     = 16 // fix the block size, byte-addressed cards only
	cmdReadSingleBlock = 17
	cmdWriteBlock      = 24
	cmdAppCmd          = 55 // prefix for application commands
	cmdReadOCR         = 58 // operating-conditions register
	acmdSendOpCond     = 41 // initialization, always preceded by cmdAppCmd
)

// R1 response bits.
const (
	r1Idle           = 0x01
	r1EraseReset     = 0x02
	r1IllegalCommand = 0x04
	r1CRCError       = 0x08
	r1EraseSeqError  = 0x10
	r1AddressError   = 0x20
	r1ParameterError = 0x40
)

// Data-phase tokens.
const (
	tokenStart = 0xFE

	dataAccepted   = 0x05 // data-response values, after masking with 0x1F
	dataCRCError   = 0x0B
	dataWriteError = 0x0D
)

// The card verifies command CRCs for exactly two commands in SPI mode;
// every other frame carries a filler byte.
const (
	crcGoIdleState = 0x95
	crcSendIfCond  = 0x87
	crcFiller      = 0xFF
)

const (
	ifCondArg    = 0x000001AA // 2.7-3.6V window plus the check pattern
	checkPattern = 0xAA
	hcsBit       = 0x40000000 // host-capacity-supported flag for ACMD41
)

// begin asserts chip select for a transaction.
func (c *Card) begin() error {
	if err := c.Bus.AssertCS(); err != nil {
		return busErr(err)
	}
	return nil
}

// end releases the card and clocks one idle byte so it lets go of the
// data line.
func (c *Card) end() {
	_ = c.Bus.DeassertCS()
	_ = c.clock(1)
}

// clock shifts n idle bytes to the card.
func (c *Card) clock(n int) error {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	if err := c.Bus.Transmit(b, frameTimeout); err != nil {
		return busErr(err)
	}
	return nil
}

// command frames cmd with its 32-bit argument and polls for the leading
// response byte. Chip select must already be asserted.
func (c *Card) command(cmd uint8, arg uint32) (uint8, error) {
	frame := []byte{
		0x40 | cmd,
		byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg),
		commandCRC(cmd),
	}
	if err := c.Bus.Transmit(frame, frameTimeout); err != nil {
		return 0xFF, busErr(err)
	}
	return c.response()
}

func commandCRC(cmd uint8) byte {
	switch cmd {
	case cmdGoIdleState:
		return crcGoIdleState
	case cmdSendIfCond:
		return crcSendIfCond
	default:
		return crcFiller
	}
}

// response polls for a byte with the framing (high) bit clear.
func (c *Card) response() (uint8, error) {
	b := make([]byte, 1)
	for i := 0; i < respPoll; i++ {
		if err := c.Bus.Receive(b, frameTimeout); err != nil {
			return 0xFF, busErr(err)
		}
		if b[0]&0x80 == 0 {
			return b[0], nil
		}
	}
	return 0xFF, ErrNoResponse
}

// run sends a command as its own chip-select transaction.
func (c *Card) run(cmd uint8, arg uint32) (uint8, error) {
	if err := c.begin(); err != nil {
		return 0xFF, err
	}
	defer c.end()
	return c.command(cmd, arg)
}

// appCommand sends the application-command prefix and then cmd. The
// protocol requires both to share a single chip-select assertion.
func (c *Card) appCommand(cmd uint8, arg uint32) (uint8, error) {
	if err := c.begin(); err != nil {
		return 0xFF, err
	}
	defer c.end()
	r1, err := c.command(cmdAppCmd, 0)
	if err != nil {
		return r1, err
	}
	if r1&^r1Idle != 0 {
		return r1, rejected(r1)
	}
	return c.command(cmd, arg)
}

// waitToken polls for the data-start token. 0xFF means the card is
// still preparing data; the wait is bounded by the token budget.
func (c *Card) waitToken() error {
	b := []byte{0xFF}
	var fault error
	_ = retry.Constant(tokenTimeout, retry.WithUnits(tokenPollGap)).Retry(func() error {
		if err := c.Bus.Receive(b, frameTimeout); err != nil {
			fault = busErr(err)
			return retry.UnexpectedError(fault)
		}
		if b[0] == 0xFF {
			return retry.ExpectedError(ErrTokenTimeout)
		}
		return nil
	})
	if fault != nil {
		return fault
	}
	if b[0] == 0xFF {
		return ErrTokenTimeout
	}
	if b[0] != tokenStart {
		return fmt.Errorf("%w: %#02x", ErrBadToken, b[0])
	}
	return nil
}

// waitNotBusy polls until the card stops holding the data line low
// after a write.
func (c *Card) waitNotBusy() error {
	budget := c.BusyTimeout
	if budget == 0 {
		budget = DefaultBusyTimeout
	}
	b := []byte{0}
	var fault error
	_ = retry.Constant(budget, retry.WithUnits(busyPollGap)).Retry(func() error {
		if err := c.Bus.Receive(b, frameTimeout); err != nil {
			fault = busErr(err)
			return retry.UnexpectedError(fault)
		}
		if b[0] != 0xFF {
			return retry.ExpectedError(ErrBusyTimeout)
		}
		return nil
	})
	if fault != nil {
		return fault
	}
	if b[0] != 0xFF {
		return ErrBusyTimeout
	}
	return nil
}

// Command sends a single framed command and returns the leading
// response byte. This is a diagnostic surface: it performs no address
// translation and no bounds checking, and the blessed path for data is
// [Card.ReadBlocks] and [Card.WriteBlocks]. Commands with response or
// data phases beyond the first byte leave those bytes unread.
func (c *Card) Command(cmd uint8, arg uint32) (uint8, error) {
	if !c.ready {
		return 0xFF, ErrNotInitialized
	}
	if cmd > 63 {
		return 0xFF, fmt.Errorf("%w: command index %v", ErrCommandRejected, cmd)
	}
	return c.run(cmd, arg)
}

// readRegister fetches a 16-byte register framed as a data block
// (CMD9/CMD10). The trailing CRC is discarded unchecked.
func (c *Card) readRegister(cmd uint8) ([16]byte, error) {
	var reg [16]byte
	if err := c.begin(); err != nil {
		return reg, err
	}
	defer c.end()
	r1, err := c.command(cmd, 0)
	if err != nil {
		return reg, err
	}
	if r1 != 0 {
		return reg, rejected(r1)
	}
	if err := c.waitToken(); err != nil {
		return reg, err
	}
	if err := c.Bus.Receive(reg[:], frameTimeout); err != nil {
		return reg, busErr(err)
	}
	return reg, c.clock(2)
}

// readOCR fetches the 4-byte operating-conditions register. Valid in
// the idle state, so bring-up can poll it before the card is ready.
func (c *Card) readOCR() ([4]byte, error) {
	var ocr [4]byte
	if err := c.begin(); err != nil {
		return ocr, err
	}
	defer c.end()
	r1, err := c.command(cmdReadOCR, 0)
	if err != nil {
		return ocr, err
	}
	if r1&^r1Idle != 0 {
		return ocr, rejected(r1)
	}
	if err := c.Bus.Receive(ocr[:], frameTimeout); err != nil {
		return ocr, busErr(err)
	}
	return ocr, nil
}
