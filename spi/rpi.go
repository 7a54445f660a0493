//go:build linux

package spi

import (
	"fmt"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// RPiPort drives a card wired to a Raspberry Pi SPI controller.
//
// Chip select runs on a plain GPIO pin rather than one of the
// controller's CE pins, because the controller toggles CE around every
// transfer and the card protocol needs the line held low for a whole
// command/response cycle.
type RPiPort struct {
	// BaseHz is the reference clock the divider divides. Defaults
	// to [BaseHz]. This is a protocol-planning value, not the Pi's
	// core clock: the port requests BaseHz/divider from the kernel.
	BaseHz int

	dev rpio.SpiDev
	cs  rpio.Pin
}

// ensure interface conformation
var _ Transport = (*RPiPort)(nil)

// Open claims SPI0 with chip select on the given BCM pin number.
func Open(csPin uint8) (*RPiPort, error) {
	return OpenDevice(rpio.Spi0, csPin)
}

func OpenDevice(dev rpio.SpiDev, csPin uint8) (port *RPiPort, err error) {
	err = rpio.Open()
	if err != nil {
		return
	}
	err = rpio.SpiBegin(dev)
	if err != nil {
		return
	}
	cs := rpio.Pin(csPin)
	cs.Output()
	cs.High()
	port = &RPiPort{dev: dev, cs: cs, BaseHz: BaseHz}
	return
}

func (p *RPiPort) Transmit(b []byte, _ time.Duration) error {
	rpio.SpiTransmit(b...)
	return nil
}

func (p *RPiPort) Receive(b []byte, _ time.Duration) error {
	copy(b, idleBytes(len(b)))
	rpio.SpiExchange(b)
	return nil
}

func (p *RPiPort) Exchange(tx, rx []byte, _ time.Duration) error {
	if len(tx) != len(rx) {
		return fmt.Errorf("spi: exchange length mismatch: %v != %v", len(tx), len(rx))
	}
	copy(rx, tx)
	rpio.SpiExchange(rx)
	return nil
}

func (p *RPiPort) AssertCS() error {
	p.cs.Low()
	return nil
}

func (p *RPiPort) DeassertCS() error {
	p.cs.High()
	return nil
}

func (p *RPiPort) SetClockDivider(div uint32) error {
	if div == 0 {
		div = 1
	}
	base := p.BaseHz
	if base == 0 {
		base = BaseHz
	}
	rpio.SpiSpeed(base / int(div))
	return nil
}

// Close releases the SPI controller pins. The chip-select pin is left
// deasserted.
func (p *RPiPort) Close() error {
	p.cs.High()
	rpio.SpiEnd(p.dev)
	return nil
}
