// Package queue implements the WorkQueue: the scheduling heart that
// buffers WorkUnits delivered by a protocol client, dispatches
// NonceRanges to kernels, and manages expiry and ntime-rolling.
package queue

import (
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/work"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// maxRangeSize is the largest NonceRange FetchRange will ever carve: the
// full 32-bit nonce space.
const maxRangeSize = uint64(1) << 32

// minLifetimeFloor mirrors the original client's floor on a unit's
// pre-expire and expire timer delays: never schedule sooner than this,
// regardless of how short aw.Time was.
const minLifetimeFloor = 60 * time.Second

// Connector lets the queue ask the active protocol client for more
// work. It is optional; a nil Connector simply means requests are
// dropped (no client connected yet).
type Connector interface {
	RequestWork()
}

// IdleReporter receives idle/busy transitions: idle once the queue and
// current unit are both exhausted, not-idle again as soon as fresh work
// lands.
type IdleReporter interface {
	ReportIdle(idle bool)
}

// Config holds the queue's tunables.
type Config struct {
	// Size is the target number of WorkUnits on hand. The refill check
	// counts the unit currently being drained (while it still has rolls
	// and lifetime left) plus the live buffered units against it; the
	// buffer itself never holds more than Size units.
	Size int
	// Delay is how long before expiry the queue tries to refill.
	Delay time.Duration
}

// DefaultConfig mirrors the original client's defaults (queuesize=1,
// queuedelay=5).
func DefaultConfig() Config {
	return Config{Size: 1, Delay: 5 * time.Second}
}

// Queue buffers WorkUnits and dispatches NonceRanges on request. All
// exported methods are safe for concurrent use; fetchMu additionally
// guarantees at most one FetchRange runs end-to-end at a time, even
// across the span where it waits on a future unit.
type Queue struct {
	cfg       Config
	connector Connector
	idle      IdleReporter

	fetchMu sync.Mutex

	mu            sync.Mutex
	buf           []*work.WorkUnit
	current       *work.WorkUnit
	hasBlock      bool
	block         [32]byte
	hasLastBlock  bool
	lastBlock     [32]byte
	waiters       []chan *work.WorkUnit
	staleCallback []func()
	isIdle        bool
}

// New creates an empty Queue.
func New(cfg Config, connector Connector, idle IdleReporter) *Queue {
	return &Queue{cfg: cfg, connector: connector, idle: idle}
}

func (q *Queue) requestWork() {
	if q.connector != nil {
		q.connector.RequestWork()
	}
}

func (q *Queue) reportIdle(idle bool) {
	q.isIdle = idle
	if q.idle != nil {
		q.idle.ReportIdle(idle)
	}
}

// StoreWork ingests a freshly downloaded (or pushed) unit of work.
func (q *Queue) StoreWork(aw work.AssignedWork) {
	q.mu.Lock()

	if q.hasLastBlock && aw.Identifier == q.lastBlock {
		log.Debugf("server gave work from the previous block, ignoring")
		needsRefill := q.checkQueueLocked(false)
		q.mu.Unlock()
		if needsRefill {
			q.requestWork()
		}
		return
	}

	wu := work.New(aw)
	lifetime := aw.Time - 1
	if lifetime < uint32(minLifetimeFloor/time.Second) || aw.Time == 0 {
		lifetime = uint32(minLifetimeFloor / time.Second)
	}
	preRefillDelay := time.Duration(lifetime)*time.Second - q.cfg.Delay
	if preRefillDelay < 0 {
		preRefillDelay = 0
	}
	expireDelay := time.Duration(lifetime) * time.Second
	time.AfterFunc(preRefillDelay, q.checkWork)
	time.AfterFunc(expireDelay, func() { q.workExpire(wu) })

	newBlock := !q.hasBlock || aw.Identifier != q.block
	if newBlock {
		q.buf = q.buf[:0]
		q.current = nil
		q.lastBlock = q.block
		q.hasLastBlock = q.hasBlock
		q.block = aw.Identifier
		q.hasBlock = true
		log.Debugf("new block (WorkQueue)")
	}

	if nonTrivial(&wu.Data) && nonTrivial32(&wu.Target) && wu.Midstate != ([32]byte{}) && wu.Nonces > 0 {
		q.buf = append(q.buf, wu)
		// Mirrors a fixed-capacity deque: once the buffer exceeds the
		// configured target size, the oldest buffered unit is dropped.
		if q.cfg.Size > 0 && len(q.buf) > q.cfg.Size {
			q.buf = q.buf[len(q.buf)-q.cfg.Size:]
		}
	}

	workRequested := false
	if q.checkQueueLocked(false) {
		q.requestWork()
		workRequested = true
	}

	if newBlock {
		for _, cb := range q.staleCallback {
			cb()
		}
		q.staleCallback = nil
	}
	q.staleCallback = append(q.staleCallback, wu.Stale)

	pending := q.waiters
	q.waiters = nil
	for _, waiter := range pending {
		q.fetchUnitInto(waiter, workRequested)
	}

	q.mu.Unlock()
	q.reportIdle(false)
}

func nonTrivial(b *[work.HeaderLen]byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

func nonTrivial32(b *[32]byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

// checkWork is the pre-refill timer callback, firing cfg.Delay before a
// unit's expiry; it only nudges the connector if the queue is genuinely
// short.
func (q *Queue) checkWork() {
	q.mu.Lock()
	needsRefill := q.checkQueueLocked(false)
	q.mu.Unlock()
	if needsRefill {
		q.requestWork()
	}
}

// checkQueueLocked reports whether the queue should fetch more work.
// Callers must hold q.mu.
func (q *Queue) checkQueueLocked(added bool) bool {
	size := 1
	now := time.Now()

	if q.current == nil {
		if len(q.buf) == 0 {
			return true
		}
		size = 0
		if added {
			head := q.buf[0]
			rolls := int64(head.Maxtime) - int64(head.Timestamp())
			if rolls <= 0 && (len(q.buf)-1) < q.cfg.Size {
				return true
			}
		}
	} else {
		remaining := int64(q.current.Maxtime) - int64(q.current.Timestamp())
		if remaining < int64(q.cfg.Delay/time.Second) {
			size = 0
		}
		if q.current.RemainingLifetime(now) < 2*q.cfg.Delay {
			size = 0
		}
	}

	queueLength := 0
	for _, u := range q.buf {
		if u.RemainingLifetime(now) > 2*q.cfg.Delay {
			queueLength++
		}
	}

	return size+queueLength < q.cfg.Size
}

// workExpire is the timer callback scheduled by StoreWork/rollTime.
func (q *Queue) workExpire(wu *work.WorkUnit) {
	q.mu.Lock()

	if q.isIdle && len(q.buf) <= 1 {
		q.mu.Unlock()
		time.AfterFunc(5*time.Second, func() { q.workExpire(wu) })
		return
	}

	if len(q.buf) == 0 {
		q.mu.Unlock()
		time.AfterFunc(5*time.Second, func() { q.workExpire(wu) })
		return
	}

	origSize := len(q.buf)
	if !(len(q.buf) == 1 && q.current == nil) {
		q.removeFromBuf(wu)
	}
	if q.current == wu {
		q.current = nil
	}

	refill := q.checkQueueLocked(false) && origSize != len(q.buf)
	q.mu.Unlock()

	if refill {
		q.requestWork()
	}
	wu.Stale()
}

func (q *Queue) removeFromBuf(wu *work.WorkUnit) {
	for i, u := range q.buf {
		if u == wu {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return
		}
	}
}

// checkRollTime reports whether wu is eligible for ntime-rolling.
// Callers must hold q.mu.
func (q *Queue) checkRollTime(wu *work.WorkUnit) bool {
	if wu.Maxtime <= wu.Timestamp() || wu.IsStale() {
		return false
	}
	remaining := wu.RemainingLifetime(time.Now())
	if remaining > q.cfg.Delay || len(q.buf) < 1 {
		if time.Since(wu.Downloaded) < 300*time.Second {
			return true
		}
	}
	return false
}

// rollTimeLocked produces wu's rolled successor, or nil if rolling is
// not permitted. Callers must hold q.mu.
func (q *Queue) rollTimeLocked(wu *work.WorkUnit) *work.WorkUnit {
	if !q.checkRollTime(wu) {
		return nil
	}

	next := wu.CloneForRoll()
	q.staleCallback = append(q.staleCallback, next.Stale)

	remaining := wu.RemainingLifetime(time.Now())
	if remaining < q.cfg.Delay {
		remaining = q.cfg.Delay
	}
	fireIn := remaining - time.Second
	if fireIn < 0 {
		fireIn = 0
	}
	time.AfterFunc(fireIn, func() { q.workExpire(next) })

	return next
}

// getRangeFromUnit carves up to size nonces from wu, reporting whether
// the carve exhausted it. Callers must hold q.mu.
func getRangeFromUnit(wu *work.WorkUnit, size uint64) (work.NonceRange, bool) {
	noncesLeft := wu.Nonces - wu.Base
	if noncesLeft >= size {
		nr := work.NonceRange{Unit: wu, Base: wu.Base, Size: size}
		depleted := size >= noncesLeft
		if !depleted {
			wu.Base += size
		}
		return nr, depleted
	}
	return work.NonceRange{Unit: wu, Base: wu.Base, Size: noncesLeft}, true
}

// fetchUnitInto delivers the next buffered unit into ch, or registers
// ch as a deferred waiter if the buffer is empty. Callers must hold
// q.mu.
func (q *Queue) fetchUnitInto(ch chan *work.WorkUnit, delayed bool) {
	if len(q.buf) >= 1 {
		if q.checkQueueLocked(true) && !delayed {
			q.requestWork()
		}
		wu := q.buf[0]
		q.buf = q.buf[1:]
		ch <- wu
		return
	}

	q.requestWork()
	q.waiters = append(q.waiters, ch)
	// reportIdle is invoked by the caller outside the lock; see
	// FetchUnit/FetchRange below.
}

// FetchUnit returns a channel that delivers the next available
// WorkUnit, possibly after the caller blocks waiting for StoreWork.
func (q *Queue) FetchUnit() <-chan *work.WorkUnit {
	ch := make(chan *work.WorkUnit, 1)
	q.mu.Lock()
	before := len(q.waiters)
	q.fetchUnitInto(ch, false)
	deferred := len(q.waiters) > before
	q.mu.Unlock()
	if deferred {
		q.reportIdle(true)
	}
	return ch
}

// FetchRange is the kernel-facing entry point: it carves up to size
// nonces (capped at 2^32) from the current unit, rolling or fetching a
// fresh unit as needed. At most one FetchRange is ever "in flight" —
// concurrent callers queue up on fetchMu, including across the span
// where this call is waiting on a future WorkUnit.
func (q *Queue) FetchRange(size uint64) <-chan work.NonceRange {
	if size == 0 {
		size = 1 << 16
	}
	if size > maxRangeSize {
		size = maxRangeSize
	}

	result := make(chan work.NonceRange, 1)
	go func() {
		q.fetchMu.Lock()
		defer q.fetchMu.Unlock()

		q.mu.Lock()
		if q.current != nil {
			nr, depleted := getRangeFromUnit(q.current, size)
			if depleted {
				q.current = q.rollTimeLocked(q.current)
			}
			q.mu.Unlock()
			result <- nr
			return
		}
		before := len(q.waiters)
		ch := make(chan *work.WorkUnit, 1)
		q.fetchUnitInto(ch, false)
		deferred := len(q.waiters) > before
		q.mu.Unlock()
		if deferred {
			q.reportIdle(true)
		}

		wu := <-ch

		q.mu.Lock()
		q.current = wu
		nr, depleted := getRangeFromUnit(wu, size)
		if depleted {
			q.current = q.rollTimeLocked(q.current)
		}
		q.mu.Unlock()
		result <- nr
	}()
	return result
}

// Status is a point-in-time snapshot of the queue for the status
// dashboard; it is not used by any scheduling logic.
type Status struct {
	BufferedUnits int
	HasCurrent    bool
	Idle          bool
}

// Snapshot reports the queue's current depth and idle state.
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		BufferedUnits: len(q.buf),
		HasCurrent:    q.current != nil,
		Idle:          q.isIdle,
	}
}
