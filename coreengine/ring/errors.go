package ring

import "errors"

var (
	errFull             = errors.New("ring: no free slots")
	errInvalidSlotCount = errors.New("ring: slot count must be a power of two and at least 2")
	errPayloadTooLarge  = errors.New("ring: payload exceeds slot capacity")
	errInvalidSlot      = errors.New("ring: slot offset out of range")
)

// IsFull reports whether err is the ring-full condition Produce
// returns, so coreengine/ether can translate it to kernel.StatusNoBuffer.
func IsFull(err error) bool { return err == errFull }
