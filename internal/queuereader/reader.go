// Package queuereader provides a lookahead wrapper around a kernel's
// NonceRange source: it keeps exactly one range fetched and
// (optionally) preprocessed ahead of time, so a dedicated mining thread
// never blocks on the WorkQueue in its hot loop, and adapts the range
// size it requests to the caller's own measured execution time.
package queuereader

import (
	"sync"
	"time"

	"github.com/phoenix2/phoenix/internal/work"
)

// samples is the size of the execution-time sliding window used to
// drive WorkSizeCallback.
const samples = 3

// defaultRangeSize is requested until enough execution-time samples
// exist to compute an adaptive size.
const defaultRangeSize = uint64(1) << 16

// RangeSource is the subset of a kernel Interface a Reader needs to
// pull work.
type RangeSource interface {
	FetchRange(size uint64) <-chan work.NonceRange
}

// RateReporter receives per-range hash-rate samples, keyed by a caller
// chosen bucket name (e.g. "core3" for the fourth CPU thread).
type RateReporter interface {
	UpdateRate(khps float64, bucket string)
}

// Item is what Next hands back: the raw NonceRange plus whatever a
// Preprocessor derived from it (or the range itself, boxed, if there is
// no Preprocessor).
type Item struct {
	Range work.NonceRange
	Value interface{}
}

// Preprocessor transforms a freshly fetched NonceRange into whatever
// representation the calling kernel actually grinds on (e.g. GPU
// command-buffer arguments), off the hot loop.
type Preprocessor func(work.NonceRange) (interface{}, error)

// WorkSizeCallback tunes the next requested range size from the average
// of the last few execution times and the size that produced them. A
// nil callback keeps requesting defaultRangeSize forever.
type WorkSizeCallback func(avgExecutionTime time.Duration, lastSize uint64) uint64

type queueEntry struct {
	item Item
	stop bool
}

// Reader is a single-lookahead iterator over a RangeSource: call Start
// once, then Next repeatedly from one dedicated goroutine until it
// reports ok=false, then Stop (idempotent) to release the reader.
type Reader struct {
	source       RangeSource
	index        string
	preprocessor Preprocessor
	workSize     WorkSizeCallback
	rate         RateReporter

	mu            sync.Mutex
	executionSize uint64
	haveSize      bool
	execTimes     []time.Duration

	ch       chan queueEntry
	stopped  chan struct{}
	stopOnce sync.Once

	startedAt   time.Time
	current     *queueEntry
	haveCurrent bool
}

// New creates a Reader bound to source. preprocessor and workSize may
// both be nil. rate may be nil if the caller doesn't want per-bucket
// rate samples (e.g. a kernel that reports rate some other way).
func New(source RangeSource, index string, preprocessor Preprocessor, workSize WorkSizeCallback, rate RateReporter) *Reader {
	return &Reader{
		source:       source,
		index:        index,
		preprocessor: preprocessor,
		workSize:     workSize,
		rate:         rate,
		ch:           make(chan queueEntry, 2),
		stopped:      make(chan struct{}),
	}
}

// Start primes the lookahead. Call it once before the first Next.
func (r *Reader) Start() {
	r.updateWorkSize(0, 0)
	r.startedAt = time.Now()
	r.requestMore()
}

// Stop tells the reader to shut down: any goroutine blocked in Next
// unblocks with ok=false. Safe to call more than once.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		select {
		case <-r.ch: // drop whatever was queued
		default:
		}
		select {
		case r.ch <- queueEntry{stop: true}:
		default:
		}
	})
}

// Next blocks until a range is available or the reader is stopped. On
// every call after the first it also reports the previous range's
// execution time (time elapsed since the prior Next returned) to the
// rate reporter and the work-size tuner.
func (r *Reader) Next() (Item, bool) {
	if r.haveCurrent {
		r.ranExecution(r.current.item.Range, time.Since(r.startedAt))
	}

	entry, ok := <-r.ch
	if !ok || entry.stop {
		r.haveCurrent = false
		return Item{}, false
	}

	r.current = &entry
	r.haveCurrent = true
	r.requestMore()
	r.startedAt = time.Now()
	return entry.item, true
}

func (r *Reader) ranExecution(nr work.NonceRange, dt time.Duration) {
	if dt > 0 && r.rate != nil {
		khps := float64(nr.Size) / dt.Seconds() / 1000
		r.rate.UpdateRate(khps, r.index)
	}

	r.mu.Lock()
	r.execTimes = append(r.execTimes, dt)
	if len(r.execTimes) > samples {
		r.execTimes = r.execTimes[len(r.execTimes)-samples:]
	}
	haveFullWindow := len(r.execTimes) == samples
	var avg time.Duration
	if haveFullWindow {
		var sum time.Duration
		for _, t := range r.execTimes {
			sum += t
		}
		avg = sum / time.Duration(samples)
	}
	r.mu.Unlock()

	if haveFullWindow {
		r.updateWorkSize(avg, nr.Size)
	}
}

func (r *Reader) updateWorkSize(avg time.Duration, lastSize uint64) {
	if r.workSize == nil {
		return
	}
	size := r.workSize(avg, lastSize)
	r.mu.Lock()
	r.executionSize = size
	r.haveSize = true
	r.mu.Unlock()
}

// requestMore kicks off fetching the next range in the background, but
// only if nothing is already queued: the reader keeps at most one range
// prefetched at a time.
func (r *Reader) requestMore() {
	select {
	case <-r.stopped:
		return
	default:
	}
	if len(r.ch) > 0 {
		return
	}

	r.mu.Lock()
	size := defaultRangeSize
	if r.haveSize {
		size = r.executionSize
	}
	r.mu.Unlock()

	go func() {
		nrCh := r.source.FetchRange(size)
		select {
		case <-r.stopped:
			return
		case nr := <-nrCh:
			nr.Unit.AddStaleCallback(r.staleCallback)

			item := Item{Range: nr, Value: nr}
			if r.preprocessor != nil {
				v, err := r.preprocessor(nr)
				if err == nil {
					item.Value = v
				}
			}

			select {
			case r.ch <- queueEntry{item: item}:
			case <-r.stopped:
			}
		}
	}()
}

// staleCallback discards any prefetched range whose unit has just been
// superseded, and immediately requests a replacement if that leaves the
// lookahead empty.
func (r *Reader) staleCallback(wu *work.WorkUnit) {
	select {
	case entry := <-r.ch:
		if entry.item.Range.Unit != wu {
			// Not stale: put it back exactly as it was.
			r.ch <- entry
			return
		}
		// Stale: drop it and go fetch a replacement.
		r.requestMore()
	default:
		// Nothing queued right now; nothing to purge.
	}
}
