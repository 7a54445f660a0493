package mock

import (
	"time"

	"github.com/rabidaudio/sdspi/spi"
)

// SpyPort wraps a [spi.Transport] and records the traffic crossing it:
// chip-select assertions, transfer counts, and every framed command.
// Tests use it to assert things like "a rejected address caused no bus
// activity at all" or "the wire address matched the card's addressing
// mode".
type SpyPort struct {
	Inner spi.Transport

	Assertions int // AssertCS calls
	Transfers  int // Transmit + Receive + Exchange calls
	Dividers   []uint32

	// Frames holds every 6-byte command frame observed, framing bit
	// stripped from the index byte.
	Frames []Frame

	// Err, when set, fails every data operation with that error.
	Err error
}

// Frame is one decoded command observed on the bus.
type Frame struct {
	Cmd uint8
	Arg uint32
}

var _ spi.Transport = (*SpyPort)(nil)

func (s *SpyPort) record(p []byte) {
	if len(p) == 6 && p[0]&0xC0 == 0x40 {
		s.Frames = append(s.Frames, Frame{
			Cmd: p[0] & 0x3F,
			Arg: uint32(p[1])<<24 | uint32(p[2])<<16 | uint32(p[3])<<8 | uint32(p[4]),
		})
	}
}

// Commands returns just the command indexes, in order.
func (s *SpyPort) Commands() []uint8 {
	cmds := make([]uint8, len(s.Frames))
	for i, f := range s.Frames {
		cmds[i] = f.Cmd
	}
	return cmds
}

// LastFrame returns the most recent frame for the given command index.
func (s *SpyPort) LastFrame(cmd uint8) (Frame, bool) {
	for i := len(s.Frames) - 1; i >= 0; i-- {
		if s.Frames[i].Cmd == cmd {
			return s.Frames[i], true
		}
	}
	return Frame{}, false
}

func (s *SpyPort) Transmit(p []byte, timeout time.Duration) error {
	s.Transfers++
	s.record(p)
	if s.Err != nil {
		return s.Err
	}
	return s.Inner.Transmit(p, timeout)
}

func (s *SpyPort) Receive(p []byte, timeout time.Duration) error {
	s.Transfers++
	if s.Err != nil {
		return s.Err
	}
	return s.Inner.Receive(p, timeout)
}

func (s *SpyPort) Exchange(tx, rx []byte, timeout time.Duration) error {
	s.Transfers++
	s.record(tx)
	if s.Err != nil {
		return s.Err
	}
	return s.Inner.Exchange(tx, rx, timeout)
}

func (s *SpyPort) AssertCS() error {
	s.Assertions++
	return s.Inner.AssertCS()
}

func (s *SpyPort) DeassertCS() error {
	return s.Inner.DeassertCS()
}

func (s *SpyPort) SetClockDivider(div uint32) error {
	s.Dividers = append(s.Dividers, div)
	return s.Inner.SetClockDivider(div)
}
