// Package sdcard drives an SD/MMC card in SPI mode: hand-framed
// commands, the generation-dependent bring-up handshake (v1.0 vs v2.0+,
// byte- vs block-addressed capacity), and single-block 512-byte reads
// and writes.
//
// A Card must be [Card.Init]ialized before data can be transferred. The
// zero value with a [spi.Transport] in Bus is ready to initialize.
//
// Debug logging can be enabled by specifying LogMode. For
// [LogModeLogger], supply a [log.Logger] instance to Logger.
package sdcard

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/siderolabs/go-retry/retry"

	"github.com/rabidaudio/sdspi/spi"
)

// LogMode configures the destination for debug logs.
type LogMode int

const (
	LogModeSilent LogMode = 0 // disable logs
	LogModeStdErr LogMode = 1 // log to stderr
	LogModeLogger LogMode = 2 // log to the supplied log.Logger instance
)

// Card is a single SD/MMC card on a SPI bus.
//
// Card assumes it is the only user of the bus: every operation runs as
// one chip-select delimited transaction, and nothing may interleave
// traffic inside it. Card is not safe for concurrent use.
type Card struct {
	Bus spi.Transport // the channel the card is wired to

	LogMode LogMode     // direct the library logs
	Logger  *log.Logger // if LogMode == LogModeLogger, the log.Logger to use

	// InitTimeout bounds the operating-condition wait during Init.
	// If 0, the default of 2 seconds is used.
	InitTimeout time.Duration
	// BusyTimeout bounds the busy wait after each write. If 0, the
	// default of 500ms is used.
	BusyTimeout time.Duration
	// SlowDiv and FastDiv are the clock dividers for bring-up and
	// for block transfers. If 0, 256 and 4 are used.
	SlowDiv uint32
	FastDiv uint32

	ready     bool
	class     Class
	blocks    uint32
	capacity  uint32 // MB
	blockAddr bool
	ocr       [4]byte
}

// Init runs the card bring-up handshake: reset into SPI mode, voltage
// check, the operating-condition loop, readiness confirmation, capacity
// decode. On success block I/O becomes available. Failure at any step
// leaves the session uninitialized and safe to retry.
//
// Init on an already-initialized card is a no-op.
func (c *Card) Init() error {
	if c.ready {
		return nil
	}
	if c.Bus == nil {
		return ErrNoBus
	}
	err := c.initialize()
	if err != nil {
		c.reset()
	}
	return err
}

// Deinit returns the session to the uninitialized state. The next Init
// performs a full handshake.
func (c *Card) Deinit() error {
	c.reset()
	return nil
}

// Ready reports whether bring-up has completed.
func (c *Card) Ready() bool {
	return c.ready
}

// Info returns the decoded card properties. Only valid once
// initialized.
func (c *Card) Info() (CardInfo, error) {
	if !c.ready {
		return CardInfo{}, ErrNotInitialized
	}
	return CardInfo{
		Class:          c.class,
		CapacityMB:     c.capacity,
		BlockSize:      SectorSize,
		Blocks:         c.blocks,
		BlockAddressed: c.blockAddr,
	}, nil
}

func (c *Card) reset() {
	c.ready = false
	c.class = ClassUnknown
	c.blocks = 0
	c.capacity = 0
	c.blockAddr = false
	c.ocr = [4]byte{}
}

func (c *Card) initialize() error {
	slow, fast := c.SlowDiv, c.FastDiv
	if slow == 0 {
		slow = DefaultSlowDiv
	}
	if fast == 0 {
		fast = DefaultFastDiv
	}

	if err := c.Bus.SetClockDivider(slow); err != nil {
		return busErr(err)
	}
	// at least 74 idle clocks with the card deselected so it can boot
	// into SPI mode
	if err := c.Bus.DeassertCS(); err != nil {
		return busErr(err)
	}
	if err := c.clock(10); err != nil {
		return err
	}

	if err := c.goIdle(); err != nil {
		c.logf("reset failed: %v", err)
		return err
	}

	v2, err := c.checkVoltage()
	if err != nil {
		c.logf("voltage check failed: %v", err)
		return err
	}
	if v2 {
		c.logf("card speaks the v2.0+ command set")
	} else {
		c.logf("card speaks the v1.0 command set")
	}

	err = c.waitOpCond(v2)
	if v2 && errors.Is(err, ErrOpCondTimeout) {
		// some v2 cards only come ready without the host-capacity
		// bit; one full fallback pass
		c.logf("op-cond loop exhausted with HCS, retrying without")
		err = c.waitOpCond(false)
	}
	if err != nil {
		c.logf("op-cond loop failed: %v", err)
		return err
	}

	if c.ocr == ([4]byte{}) {
		ocr, err := c.readOCR()
		if err != nil {
			return err
		}
		c.ocr = ocr
	}
	if c.ocr[0]&0x80 == 0 {
		return ErrNotPoweredUp
	}

	csd, err := c.readRegister(cmdSendCSD)
	if err != nil {
		return err
	}
	capacity, class, err := decodeCSD(csd)
	if err != nil {
		return err
	}
	c.class = class
	c.capacity = uint32(capacity >> 20)
	c.blocks = uint32(capacity / SectorSize)
	c.blockAddr = class != ClassSC

	if class == ClassSC {
		// high/extended-capacity cards are 512-byte blocked by
		// definition; standard-capacity cards need it set
		r1, err := c.run(cmdSetBlocklen, SectorSize)
		if err != nil {
			return err
		}
		if r1 != 0 {
			return rejected(r1)
		}
	}

	if err := c.Bus.SetClockDivider(fast); err != nil {
		return busErr(err)
	}
	c.ready = true
	c.logf("card ready: %v, %vMB, %v blocks", c.class, c.capacity, c.blocks)
	return nil
}

// goIdle resets the card into SPI mode. Cards fresh from power-on
// sometimes need a few attempts.
func (c *Card) goIdle() error {
	var r1 uint8
	var err error
	for i := 0; i < idleAttempts; i++ {
		r1, err = c.run(cmdGoIdleState, 0)
		if err == nil && r1 == r1Idle {
			return nil
		}
		if i < idleAttempts-1 {
			time.Sleep(idleRetryGap)
		}
	}
	if err != nil {
		return err
	}
	return ErrIdleTimeout
}

// checkVoltage issues the interface-condition command, which doubles as
// the protocol-generation probe: v1.0 cards reject it as illegal.
func (c *Card) checkVoltage() (v2 bool, err error) {
	if err := c.begin(); err != nil {
		return false, err
	}
	defer c.end()
	r1, err := c.command(cmdSendIfCond, ifCondArg)
	if err != nil {
		return false, err
	}
	if r1 == r1Idle|r1IllegalCommand {
		return false, nil
	}
	if r1 != r1Idle {
		return false, fmt.Errorf("%w: response %#02x", ErrVoltageCheck, r1)
	}
	echo := make([]byte, 4)
	if err := c.Bus.Receive(echo, frameTimeout); err != nil {
		return false, busErr(err)
	}
	if !echoAccepted(echo) {
		return false, fmt.Errorf("%w: echo % 02x", ErrVoltageCheck, echo)
	}
	return true, nil
}

// echoAccepted checks the voltage and pattern fields of the 4-byte
// interface-condition echo. Some card and adapter combinations deliver
// the echo one byte early relative to the first response byte, so both
// alignments are accepted.
func echoAccepted(echo []byte) bool {
	if echo[2]&0x0F == 0x01 && echo[3] == checkPattern {
		return true
	}
	return echo[1]&0x0F == 0x01 && echo[2] == checkPattern
}

// waitOpCond runs the operating-condition loop until the card leaves
// the idle state, bounded by both an attempt count and the wall-clock
// InitTimeout. Between attempts it polls the OCR register directly:
// some cards surface the power-up bit there before ACMD41 itself
// reports ready, so readiness has two channels.
func (c *Card) waitOpCond(hcs bool) error {
	budget := c.InitTimeout
	if budget == 0 {
		budget = DefaultInitTimeout
	}
	var arg uint32
	if hcs {
		arg = hcsBit
	}

	attempts := 0
	ready := false
	var fault error
	_ = retry.Constant(budget, retry.WithUnits(opCondPollGap)).Retry(func() error {
		attempts++
		if attempts > opCondTries {
			return retry.UnexpectedError(ErrOpCondTimeout)
		}
		r1, err := c.appCommand(acmdSendOpCond, arg)
		if err != nil {
			fault = err
			return retry.UnexpectedError(err)
		}
		if r1 == 0 {
			ready = true
			return nil
		}
		if r1&^r1Idle != 0 {
			fault = rejected(r1)
			return retry.UnexpectedError(fault)
		}
		ocr, err := c.readOCR()
		if err != nil {
			fault = err
			return retry.UnexpectedError(err)
		}
		if ocr[0]&0x80 != 0 {
			c.ocr = ocr
			ready = true
			return nil
		}
		return retry.ExpectedError(ErrOpCondTimeout)
	})
	if ready {
		return nil
	}
	if fault != nil {
		return fault
	}
	return ErrOpCondTimeout
}

func (c *Card) logf(format string, args ...any) {
	switch c.LogMode {
	case LogModeStdErr:
		fmt.Fprintf(os.Stderr, "sdcard: "+format+"\n", args...)
	case LogModeLogger:
		if c.Logger != nil {
			c.Logger.Printf(format, args...)
		}
	}
}
