package sdcard

import "fmt"

// Errors returned by card operations.
type Error int

const (
	ErrNoBus           Error = 1  // no spi.Transport configured
	ErrNotInitialized  Error = 2  // operation before successful Init
	ErrBlockLength     Error = 3  // buffer is not a whole number of blocks
	ErrOutOfRange      Error = 4  // block address beyond card capacity
	ErrNoResponse      Error = 5  // card never answered a command
	ErrIdleTimeout     Error = 6  // card would not enter the idle state
	ErrVoltageCheck    Error = 7  // interface-condition echo mismatch
	ErrOpCondTimeout   Error = 8  // operating-condition loop exhausted
	ErrNotPoweredUp    Error = 9  // OCR power-up status bit clear
	ErrBadCSD          Error = 10 // unrecognized CSD register layout
	ErrCommandRejected Error = 11 // card set an error bit in the response
	ErrTokenTimeout    Error = 12 // data-start token never arrived
	ErrBadToken        Error = 13 // unrecognized data token
	ErrDataRejected    Error = 14 // write data refused, CRC
	ErrWriteRejected   Error = 15 // write data refused, write error
	ErrBusyTimeout     Error = 16 // card held the bus busy too long
	ErrBusFault        Error = 17 // the SPI transport itself failed
)

func (e Error) Error() string {
	return fmt.Sprintf("sdcard: %v", e.name())
}

func (e Error) name() string {
	switch e {
	case ErrNoBus:
		return "no bus transport configured"
	case ErrNotInitialized:
		return "card not initialized"
	case ErrBlockLength:
		return "buffer is not a whole number of blocks"
	case ErrOutOfRange:
		return "block address beyond card capacity"
	case ErrNoResponse:
		return "no response from card"
	case ErrIdleTimeout:
		return "card did not enter idle state"
	case ErrVoltageCheck:
		return "voltage check rejected"
	case ErrOpCondTimeout:
		return "card never reported ready"
	case ErrNotPoweredUp:
		return "power-up status bit not set"
	case ErrBadCSD:
		return "unrecognized CSD layout"
	case ErrCommandRejected:
		return "command rejected"
	case ErrTokenTimeout:
		return "timed out waiting for data token"
	case ErrBadToken:
		return "unrecognized data token"
	case ErrDataRejected:
		return "data rejected (bad CRC)"
	case ErrWriteRejected:
		return "data rejected (write error)"
	case ErrBusyTimeout:
		return "card stuck busy"
	case ErrBusFault:
		return "bus fault"
	default:
		return fmt.Sprintf("unknown error code: %v", int(e))
	}
}

// rejected wraps an R1 response that carries error bits.
func rejected(r1 uint8) error {
	return fmt.Errorf("%w: response %#02x", ErrCommandRejected, r1)
}

// busErr wraps a transport failure so callers can match either
// [ErrBusFault] or the transport's own sentinel.
func busErr(err error) error {
	return fmt.Errorf("%w: %w", ErrBusFault, err)
}
