// Package spi provides the byte transport the card driver runs over.
//
// Implementations pair a hardware SPI controller with a dedicated
// chip-select GPIO. The card protocol holds the select line low across
// multi-byte transactions and needs idle clocks with the line high, so
// ports manage chip-select manually instead of relying on the
// controller's automatic per-transfer select.
package spi

import (
	"fmt"
	"time"
)

// BaseHz is the reference clock the divider passed to
// [Transport.SetClockDivider] divides. The slow/fast divider defaults in
// the card driver assume this rate.
const BaseHz = 48_000_000

// ErrTimeout is returned when a transaction does not complete within its
// budget.
var ErrTimeout = fmt.Errorf("spi: transaction timed out")

// ErrBusFault is returned when the bus itself fails.
var ErrBusFault = fmt.Errorf("spi: bus fault")

// Transport is a polled SPI channel with manual chip-select control.
//
// Each data operation either succeeds, reports [ErrTimeout], or reports
// a fault wrapping [ErrBusFault]. Ports whose controller blocks until
// the transfer completes may never report a timeout; the budget is an
// upper bound, not a guarantee of early return.
type Transport interface {
	// Transmit shifts p out on the bus.
	Transmit(p []byte, timeout time.Duration) error
	// Receive fills p from the bus while clocking out idle (0xFF)
	// bytes, so the card sees a released data line.
	Receive(p []byte, timeout time.Duration) error
	// Exchange shifts tx out while filling rx. Both slices must have
	// the same length.
	Exchange(tx, rx []byte, timeout time.Duration) error
	// AssertCS drives the select line low (active).
	AssertCS() error
	// DeassertCS releases the select line.
	DeassertCS() error
	// SetClockDivider sets the bus clock to the port's reference
	// clock divided by div.
	SetClockDivider(div uint32) error
}

// idleBytes returns n bytes of 0xFF, the bus idle pattern.
func idleBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
