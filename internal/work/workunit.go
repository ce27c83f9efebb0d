// Package work holds the data model for a unit of mining work: the
// WorkUnit a protocol client hands to the queue, the NonceRange slices
// carved from it for kernels, the wire-facing AssignedWork shape
// produced by a protocol client, and the Submission payload sent back on
// a candidate solution.
package work

import (
	"encoding/binary"
	"time"

	"github.com/phoenix2/phoenix/internal/hashcore"
)

// HeaderLen is the size of a Bitcoin block header in bytes.
const HeaderLen = hashcore.HeaderLen

// DefaultMask is the bit-width of the nonce space when a server does not
// specify one: the full 32-bit nonce field, 2^32 values.
const DefaultMask = 32

// AssignedWork is the wire-facing, pre-processed form a protocol client
// delivers to the WorkQueue on ingress.
type AssignedWork struct {
	Data       [HeaderLen]byte
	Target     [32]byte
	Mask       uint8  // bit-width of the nonce space; 2^Mask nonces (0 means DefaultMask).
	Time       uint32 // lifetime in seconds from download.
	Identifier [32]byte
	Maxtime    uint32 // absolute timestamp ceiling permitted for rolling.
}

// WorkUnit is one block-header template handed out by the server, plus
// the bookkeeping the WorkQueue needs to dispatch nonce ranges from it
// and to notify kernels when it becomes stale.
type WorkUnit struct {
	Data       [HeaderLen]byte
	Target     [32]byte
	Identifier [32]byte
	Nonces     uint64 // 2^Mask, or an explicit count.
	Base       uint64 // cursor: next nonce to issue.
	Midstate   [32]byte
	Maxtime    uint32
	Lifetime   time.Duration // from Downloaded.
	Downloaded time.Time

	isStale   bool
	callbacks []func(*WorkUnit)
}

// New creates a WorkUnit from server-assigned work. The midstate is
// computed once, up front, over header[:64].
func New(aw AssignedWork) *WorkUnit {
	nonces := uint64(1) << aw.Mask
	if aw.Mask == 0 {
		nonces = uint64(1) << DefaultMask
	}
	wu := &WorkUnit{
		Data:       aw.Data,
		Target:     aw.Target,
		Identifier: aw.Identifier,
		Nonces:     nonces,
		Maxtime:    aw.Maxtime,
		Lifetime:   time.Duration(aw.Time) * time.Second,
		Downloaded: time.Now(),
	}
	wu.Midstate = hashcore.Midstate(wu.Data[:64])
	return wu
}

// Timestamp returns the header's current timestamp field (bytes 68:72,
// big-endian).
func (wu *WorkUnit) Timestamp() uint32 {
	return binary.BigEndian.Uint32(wu.Data[68:72])
}

// SetTimestamp overwrites the header's timestamp field in place.
func (wu *WorkUnit) SetTimestamp(ts uint32) {
	binary.BigEndian.PutUint32(wu.Data[68:72], ts)
}

// IsStale reports whether the unit has been superseded by a block
// change.
func (wu *WorkUnit) IsStale() bool {
	return wu.isStale
}

// AddStaleCallback registers cb to run when the unit becomes stale. If
// the unit is already stale, cb runs immediately (synchronously) instead
// of being queued, matching the "exactly once" guarantee regardless of
// registration order.
func (wu *WorkUnit) AddStaleCallback(cb func(*WorkUnit)) {
	if wu.isStale {
		cb(wu)
		return
	}
	wu.callbacks = append(wu.callbacks, cb)
}

// Stale marks the unit stale and fires every registered callback exactly
// once. Calling it again is a no-op: once isStale becomes true it stays
// true.
func (wu *WorkUnit) Stale() {
	if wu.isStale {
		return
	}
	wu.isStale = true
	cbs := wu.callbacks
	wu.callbacks = nil
	for _, cb := range cbs {
		cb(wu)
	}
}

// CloneForRoll produces the successor WorkUnit used by ntime-rolling:
// same body, timestamp advanced by one second, the same Downloaded
// wall-clock origin (the new unit's remaining lifetime is measured from
// when the *original* template was fetched, not from the moment of the
// roll), and a fresh nonce cursor — a new timestamp means an untried
// nonce space. Permission to roll (maxtime, staleness, lifetime) is the
// caller's responsibility; CloneForRoll performs no checks of its own.
func (wu *WorkUnit) CloneForRoll() *WorkUnit {
	next := &WorkUnit{
		Data:       wu.Data,
		Target:     wu.Target,
		Identifier: wu.Identifier,
		Nonces:     wu.Nonces,
		Maxtime:    wu.Maxtime,
		Lifetime:   wu.Lifetime,
		Downloaded: wu.Downloaded,
	}
	next.SetTimestamp(wu.Timestamp() + 1)
	next.Midstate = hashcore.Midstate(next.Data[:64])
	return next
}

// RemainingLifetime returns how much longer the unit is valid for,
// measured from Downloaded+Lifetime.
func (wu *WorkUnit) RemainingLifetime(now time.Time) time.Duration {
	return wu.Downloaded.Add(wu.Lifetime).Sub(now)
}

// NonceRange is an immutable slice of a WorkUnit, handed to exactly one
// kernel worker for processing.
type NonceRange struct {
	Unit *WorkUnit
	Base uint64
	Size uint64
}

// SubmissionLen is the size in bytes of a work submission payload.
const SubmissionLen = 128

// BuildSubmission assembles the 128-byte payload sent back to the server
// on a candidate solution: header[0:68] | BE timestamp | header[72:76] |
// LE nonce | 48 zero bytes.
func BuildSubmission(wu *WorkUnit, nonce uint32, timestamp uint32) [SubmissionLen]byte {
	var sub [SubmissionLen]byte
	copy(sub[0:68], wu.Data[0:68])
	binary.BigEndian.PutUint32(sub[68:72], timestamp)
	copy(sub[72:76], wu.Data[72:76])
	binary.LittleEndian.PutUint32(sub[76:80], nonce)
	// sub[80:128] left zero.
	return sub
}
