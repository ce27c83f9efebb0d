package queuereader

import (
	"sync"
	"testing"
	"time"

	"github.com/phoenix2/phoenix/internal/work"
)

type scriptedSource struct {
	mu    sync.Mutex
	units []*work.WorkUnit
	idx   int
}

func newScriptedSource(units ...*work.WorkUnit) *scriptedSource {
	return &scriptedSource{units: units}
}

func (s *scriptedSource) FetchRange(size uint64) <-chan work.NonceRange {
	ch := make(chan work.NonceRange, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.units) {
		return ch // never delivers
	}
	wu := s.units[s.idx]
	s.idx++
	ch <- work.NonceRange{Unit: wu, Base: 0, Size: size}
	return ch
}

func testUnit(identifier byte) *work.WorkUnit {
	var aw work.AssignedWork
	aw.Mask = 16
	aw.Time = 3600
	aw.Maxtime = 3600
	aw.Identifier[0] = identifier
	return work.New(aw)
}

type recordingRate struct {
	mu      sync.Mutex
	samples []float64
}

func (r *recordingRate) UpdateRate(khps float64, bucket string) {
	r.mu.Lock()
	r.samples = append(r.samples, khps)
	r.mu.Unlock()
}

func (r *recordingRate) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func TestNextDeliversPrefetchedRange(t *testing.T) {
	wu := testUnit(1)
	src := newScriptedSource(wu)
	r := New(src, "core0", nil, nil, nil)
	r.Start()

	item, ok := r.Next()
	if !ok {
		t.Fatalf("Next returned ok=false on first range")
	}
	if item.Range.Unit != wu {
		t.Fatalf("delivered the wrong unit")
	}
}

func TestStopUnblocksNext(t *testing.T) {
	src := newScriptedSource() // never delivers anything
	r := New(src, "core0", nil, nil, nil)
	r.Start()

	done := make(chan bool, 1)
	go func() {
		_, ok := r.Next()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Next should report ok=false after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock a pending Next")
	}
}

func TestRateReporterSeesExecutionSamples(t *testing.T) {
	wu := testUnit(1)
	src := newScriptedSource(wu, wu, wu, wu)
	rate := &recordingRate{}
	r := New(src, "core0", nil, nil, rate)
	r.Start()

	for i := 0; i < 3; i++ {
		if _, ok := r.Next(); !ok {
			t.Fatalf("Next() #%d returned ok=false", i)
		}
		time.Sleep(time.Millisecond)
	}

	if rate.count() == 0 {
		t.Fatalf("expected at least one rate sample to be reported")
	}
}

func TestStaleCallbackDiscardsSupersededRange(t *testing.T) {
	wu := testUnit(1)
	replacement := testUnit(2)
	src := newScriptedSource(wu, replacement)

	r := New(src, "core0", nil, nil, nil)
	r.Start()

	// Give the background fetch a moment to land in the channel before
	// we mark the unit stale.
	time.Sleep(20 * time.Millisecond)
	wu.Stale()

	item, ok := r.Next()
	if !ok {
		t.Fatalf("Next returned ok=false")
	}
	if item.Range.Unit == wu {
		t.Fatalf("stale range should have been discarded and replaced")
	}
}

func TestWorkSizeCallbackTunesSubsequentRequests(t *testing.T) {
	wu := testUnit(1)
	src := newScriptedSource(wu, wu, wu, wu, wu)

	var sawSizes []uint64
	var mu sync.Mutex
	cb := func(avg time.Duration, lastSize uint64) uint64 {
		mu.Lock()
		sawSizes = append(sawSizes, lastSize)
		mu.Unlock()
		return 42
	}

	r := New(src, "core0", nil, cb, nil)
	r.Start() // first call: avg=0, lastSize=0

	for i := 0; i < 4; i++ {
		if _, ok := r.Next(); !ok {
			t.Fatalf("Next() #%d returned ok=false", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sawSizes) == 0 {
		t.Fatalf("work size callback was never invoked")
	}
}
