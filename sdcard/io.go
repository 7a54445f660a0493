package sdcard

import "fmt"

// wireAddr translates a block number into the card's native addressing.
// High- and extended-capacity cards take block numbers directly;
// standard-capacity cards address by byte.
func (c *Card) wireAddr(block uint32) uint32 {
	if c.blockAddr {
		return block
	}
	return block * SectorSize
}

// checkSpan validates a block range against the card capacity before
// any bus activity happens.
func (c *Card) checkSpan(block uint32, buf []byte, blocks int) error {
	if !c.ready {
		return ErrNotInitialized
	}
	if buf == nil || len(buf) != blocks*SectorSize {
		return fmt.Errorf("%w: need %v bytes, got %v", ErrBlockLength, blocks*SectorSize, len(buf))
	}
	if uint64(block)+uint64(blocks) > uint64(c.blocks) {
		return fmt.Errorf("%w: block %v of %v", ErrOutOfRange, block, c.blocks)
	}
	return nil
}

// ReadBlock reads one 512-byte block into dst.
func (c *Card) ReadBlock(block uint32, dst []byte) error {
	if err := c.checkSpan(block, dst, 1); err != nil {
		return err
	}
	return c.readBlock(block, dst)
}

func (c *Card) readBlock(block uint32, dst []byte) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	r1, err := c.command(cmdReadSingleBlock, c.wireAddr(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return rejected(r1)
	}
	if err := c.waitToken(); err != nil {
		return err
	}
	if err := c.Bus.Receive(dst[:SectorSize], frameTimeout); err != nil {
		return busErr(err)
	}
	// the trailing CRC is discarded unchecked
	return c.clock(2)
}

// WriteBlock writes one 512-byte block from src. The call returns after
// the card has accepted the data and released the bus, so a successful
// write is durable; there is nothing to flush.
func (c *Card) WriteBlock(block uint32, src []byte) error {
	if err := c.checkSpan(block, src, 1); err != nil {
		return err
	}
	return c.writeBlock(block, src)
}

func (c *Card) writeBlock(block uint32, src []byte) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	r1, err := c.command(cmdWriteBlock, c.wireAddr(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return rejected(r1)
	}
	// one gap byte before the data token
	if err := c.clock(1); err != nil {
		return err
	}
	if err := c.Bus.Transmit([]byte{tokenStart}, frameTimeout); err != nil {
		return busErr(err)
	}
	if err := c.Bus.Transmit(src[:SectorSize], frameTimeout); err != nil {
		return busErr(err)
	}
	// the card ignores the data CRC in SPI mode but the two bytes
	// must still be clocked
	if err := c.clock(2); err != nil {
		return err
	}
	resp := []byte{0}
	if err := c.Bus.Receive(resp, frameTimeout); err != nil {
		return busErr(err)
	}
	switch resp[0] & 0x1F {
	case dataAccepted:
	case dataCRCError:
		return ErrDataRejected
	case dataWriteError:
		return ErrWriteRejected
	default:
		return fmt.Errorf("%w: data response %#02x", ErrBadToken, resp[0])
	}
	return c.waitNotBusy()
}

// ReadBlocks reads len(dst)/512 consecutive blocks starting at block.
// The whole span is bounds-checked up front; each block is then its own
// command/response cycle, and the first failure aborts the rest.
func (c *Card) ReadBlocks(block uint32, dst []byte) error {
	n := len(dst) / SectorSize
	if err := c.checkSpan(block, dst, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := c.readBlock(block+uint32(i), dst[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return fmt.Errorf("block %v: %w", block+uint32(i), err)
		}
	}
	return nil
}

// WriteBlocks writes len(src)/512 consecutive blocks starting at block.
func (c *Card) WriteBlocks(block uint32, src []byte) error {
	n := len(src) / SectorSize
	if err := c.checkSpan(block, src, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := c.writeBlock(block+uint32(i), src[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return fmt.Errorf("block %v: %w", block+uint32(i), err)
		}
	}
	return nil
}

// Status queries the card's two-byte status register. A zero value
// means no error bits are set.
func (c *Card) Status() (uint16, error) {
	if !c.ready {
		return 0, ErrNotInitialized
	}
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()
	r1, err := c.command(cmdSendStatus, 0)
	if err != nil {
		return 0, err
	}
	b := []byte{0}
	if err := c.Bus.Receive(b, frameTimeout); err != nil {
		return 0, busErr(err)
	}
	return uint16(r1)<<8 | uint16(b[0]), nil
}
