package spi

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	pspi "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PeriphPort drives a card through a periph.io SPI port, which covers
// the Linux spidev devices and FTDI adapters. As with [RPiPort], chip
// select runs on a separate GPIO so a transaction can span multiple
// transfers.
type PeriphPort struct {
	// Base is the reference clock the divider divides. Defaults to
	// [BaseHz].
	Base physic.Frequency

	port pspi.PortCloser
	conn pspi.Conn
	cs   gpio.PinIO
}

// ensure interface conformation
var _ Transport = (*PeriphPort)(nil)

// OpenPeriph initializes the host drivers and claims the named SPI port
// ("" selects the first available one). The port starts out at the slow
// bring-up clock rate; the card driver adjusts it during initialization.
func OpenPeriph(portName string, cs gpio.PinIO) (*PeriphPort, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, err
	}
	p := &PeriphPort{port: port, cs: cs, Base: physic.Frequency(BaseHz) * physic.Hertz}
	if err := cs.Out(gpio.High); err != nil {
		port.Close()
		return nil, err
	}
	if err := p.SetClockDivider(256); err != nil {
		port.Close()
		return nil, err
	}
	return p, nil
}

func (p *PeriphPort) Transmit(b []byte, _ time.Duration) error {
	return p.tx(b, nil)
}

func (p *PeriphPort) Receive(b []byte, _ time.Duration) error {
	return p.tx(idleBytes(len(b)), b)
}

func (p *PeriphPort) Exchange(tx, rx []byte, _ time.Duration) error {
	return p.tx(tx, rx)
}

func (p *PeriphPort) tx(w, r []byte) error {
	if p.conn == nil {
		return fmt.Errorf("%w: port not connected", ErrBusFault)
	}
	if err := p.conn.Tx(w, r); err != nil {
		return fmt.Errorf("%w: %v", ErrBusFault, err)
	}
	return nil
}

func (p *PeriphPort) AssertCS() error {
	return p.cs.Out(gpio.Low)
}

func (p *PeriphPort) DeassertCS() error {
	return p.cs.Out(gpio.High)
}

// SetClockDivider reconnects the port at the divided rate. Mode 0 with
// 8-bit words is the only framing the card protocol uses.
func (p *PeriphPort) SetClockDivider(div uint32) error {
	if div == 0 {
		div = 1
	}
	base := p.Base
	if base == 0 {
		base = physic.Frequency(BaseHz) * physic.Hertz
	}
	conn, err := p.port.Connect(base/physic.Frequency(div), pspi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusFault, err)
	}
	p.conn = conn
	return nil
}

func (p *PeriphPort) Close() error {
	return p.port.Close()
}
