package sdcard

import "time"

// SectorSize is the transfer block size in bytes. Every card generation
// this driver supports reads and writes fixed 512-byte blocks.
const SectorSize = 512

// Defaults for the public tuning fields on [Card].
const (
	DefaultInitTimeout = 2 * time.Second
	DefaultBusyTimeout = 500 * time.Millisecond
	DefaultSlowDiv     = 256 // ~187kHz bring-up clock at the 48MHz reference
	DefaultFastDiv     = 4   // 12MHz transfer clock
)

const (
	frameTimeout = 250 * time.Millisecond // budget for one bus transfer
	tokenTimeout = 100 * time.Millisecond // data-start token wait
	tokenPollGap = 20 * time.Microsecond
	busyPollGap  = 20 * time.Microsecond

	respPoll     = 64 // response polls per command before giving up
	idleAttempts = 3  // CMD0 tries
	idleRetryGap = 10 * time.Millisecond

	opCondTries   = 2000 // attempt bound on the operating-condition loop
	opCondPollGap = time.Millisecond
)
