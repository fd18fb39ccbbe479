// Package ring implements the kernel-assisted shared event ring: a
// fixed number of fixed-size slots, threaded by two singly-linked
// chains (busy and free) rather than moved, mapped into both the
// producer and the consumer via a real mmap so the same bytes are
// genuinely shared rather than merely copied between two Go values.
//
// The contract is single-producer/single-consumer: one side only ever
// produces, the other only ever consumes and returns slots.
package ring

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// offsetNone is the -1 chain terminator.
const offsetNone int64 = -1

const (
	offsetBusyFieldLen = 8
	offsetFreeFieldLen = 8
	slotHeaderLen      = offsetBusyFieldLen + offsetFreeFieldLen
)

// PayloadSize is the fixed event payload carried by every slot -
// enough for an EventKind, a connection id, and a status, the fields
// coreengine/ether needs to reconstruct a kernel.Event.
const PayloadSize = 32

const slotLen = slotHeaderLen + PayloadSize

// Ring is a page-backed, mmap'd array of fixed-size slots. Producer
// and consumer never move slot contents; they only re-link the
// busy/free chains that run through them.
//
// An in-kernel producer would rely on single-word offset atomicity
// instead of a lock, since it runs in interrupt context. This
// implementation serializes Produce/Consume/Return behind one mutex;
// the two chain invariants (exactly one of next_busy/next_free active
// per slot, producer order preserved) hold identically.
type Ring struct {
	mu sync.Mutex

	file *os.File
	data []byte

	numSlots int

	lastBusy         int64
	firstFree        int64
	lastFree         int64
	lastObservedBusy int64
}

// New mmaps a new ring of numSlots slots, backed by a private temp
// file standing in for the character device's page cache behind the
// RECVQ_OFFSET mapping. numSlots must be a power of two and at least
// 2, matching the control surface's page-aligned slot-count
// requirement.
func New(numSlots int) (*Ring, error) {
	if numSlots < 2 || numSlots&(numSlots-1) != 0 {
		return nil, errInvalidSlotCount
	}

	f, err := os.CreateTemp("", "event-ring-*")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}

	size := int64(numSlots * slotLen)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Ring{file: f, data: data, numSlots: numSlots}
	r.seed()
	return r, nil
}

// seed links slot 0 onto the busy chain carrying a synthetic OK event
// (so lastObservedBusy = 0 is a valid starting point for Consume) and
// threads every remaining slot onto the free chain.
func (r *Ring) seed() {
	r.setNextBusy(0, offsetNone)
	r.setNextFree(0, offsetNone)
	r.lastBusy = 0
	r.lastObservedBusy = 0

	if r.numSlots == 1 {
		r.firstFree = offsetNone
		r.lastFree = offsetNone
		return
	}

	r.firstFree = 1
	for s := 1; s < r.numSlots; s++ {
		next := int64(s + 1)
		if s == r.numSlots-1 {
			next = offsetNone
		}
		r.setNextFree(int64(s), next)
	}
	r.lastFree = int64(r.numSlots - 1)
}

func (r *Ring) slotOffset(s int64) int { return int(s) * slotLen }

func (r *Ring) nextBusy(s int64) int64 {
	off := r.slotOffset(s)
	return int64(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

func (r *Ring) setNextBusy(s, v int64) {
	off := r.slotOffset(s)
	binary.LittleEndian.PutUint64(r.data[off:off+8], uint64(v))
}

func (r *Ring) nextFree(s int64) int64 {
	off := r.slotOffset(s) + offsetBusyFieldLen
	return int64(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

func (r *Ring) setNextFree(s, v int64) {
	off := r.slotOffset(s) + offsetBusyFieldLen
	binary.LittleEndian.PutUint64(r.data[off:off+8], uint64(v))
}

func (r *Ring) payloadBytes(s int64) []byte {
	off := r.slotOffset(s) + slotHeaderLen
	return r.data[off : off+PayloadSize]
}

// Produce writes payload into the next free slot and publishes it on
// the busy chain. Fails with errFull if the free list is exhausted.
func (r *Ring) Produce(payload []byte) error {
	if len(payload) > PayloadSize {
		return errPayloadTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.firstFree == offsetNone {
		return errFull
	}

	s := r.firstFree
	r.firstFree = r.nextFree(s)

	buf := r.payloadBytes(s)
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, payload)
	r.setNextBusy(s, offsetNone)

	r.setNextBusy(r.lastBusy, s)
	r.lastBusy = s
	return nil
}

// Consume advances past the last observed busy slot and returns it, or
// ok=false if the producer has not published anything new.
func (r *Ring) Consume() (slot int64, payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.nextBusy(r.lastObservedBusy)
	if next == offsetNone {
		return 0, nil, false
	}
	r.lastObservedBusy = next

	out := make([]byte, PayloadSize)
	copy(out, r.payloadBytes(next))
	return next, out, true
}

// Return releases slot s back onto the free chain once the consumer
// has finished with its payload.
func (r *Ring) Return(s int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s < 0 || int(s) >= r.numSlots {
		return errInvalidSlot
	}

	r.setNextFree(s, offsetNone)
	if r.firstFree == offsetNone {
		r.firstFree = s
	} else {
		r.setNextFree(r.lastFree, s)
	}
	r.lastFree = s
	return nil
}

// Close unmaps the ring and releases its backing file.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// NumSlots returns the ring's fixed slot count.
func (r *Ring) NumSlots() int { return r.numSlots }
