package cpu

import (
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/work"
)

// fakeRangeSource hands out exactly one small, trivially-solvable
// NonceRange and then blocks forever, so a test can assert the kernel
// stops cleanly instead of busy-looping once the unit is exhausted.
type fakeRangeSource struct {
	once sync.Once
	unit *work.WorkUnit
}

func newFakeRangeSource() *fakeRangeSource {
	var aw work.AssignedWork
	for i := range aw.Target {
		aw.Target[i] = 0xff // any hash meets this target
	}
	aw.Mask = 2 // 4 nonces
	aw.Time = 3600
	aw.Maxtime = 3600
	return &fakeRangeSource{unit: work.New(aw)}
}

func (f *fakeRangeSource) FetchRange(size uint64) <-chan work.NonceRange {
	ch := make(chan work.NonceRange, 1)
	f.once.Do(func() {
		ch <- work.NonceRange{Unit: f.unit, Base: 0, Size: f.unit.Nonces}
	})
	return ch
}

func (f *fakeRangeSource) FetchUnit() <-chan *work.WorkUnit {
	return make(chan *work.WorkUnit) // never yields in this test
}

type recordingSubmitter struct {
	mu    sync.Mutex
	count int
}

func (s *recordingSubmitter) SubmitResult(sub [work.SubmissionLen]byte) *protocol.Future {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	f := protocol.NewFuture()
	f.Resolve(true)
	return f
}

func (s *recordingSubmitter) SetMeta(key, value string) {}

func (s *recordingSubmitter) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestCPUKernelFindsAndSubmitsTrivialTarget(t *testing.T) {
	source := newFakeRangeSource()
	sub := &recordingSubmitter{}
	m := kernel.NewManager(kernel.DefaultManagerConfig(), source, sub)
	m.RegisterFactory("cpu", New(1))

	if err := m.StartKernel("cpu", "cpu:0", kernel.Options{}); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	defer m.StopKernel("cpu:0")

	deadline := time.After(2 * time.Second)
	for sub.submissions() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a submission")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAnalyzeDeviceDefaultsThreadsToNumCPU(t *testing.T) {
	f := New(0)
	result, err := f.AnalyzeDevice("cpu:0")
	if err != nil {
		t.Fatalf("AnalyzeDevice: %v", err)
	}
	if result.Rating <= 0 {
		t.Fatalf("cpu kernel should always claim a nonzero rating, got %d", result.Rating)
	}
	threads, ok := result.Autoconfig["threads"]
	if !ok {
		t.Fatalf("expected a threads autoconfig entry")
	}
	if want := strconv.Itoa(runtime.NumCPU()); threads != want {
		t.Fatalf("threads autoconfig = %q, want %q (runtime.NumCPU())", threads, want)
	}
}

func TestStopHaltsAllWorkers(t *testing.T) {
	source := newFakeRangeSource()
	sub := &recordingSubmitter{}
	m := kernel.NewManager(kernel.DefaultManagerConfig(), source, sub)
	m.RegisterFactory("cpu", New(2))

	if err := m.StartKernel("cpu", "cpu:0", kernel.Options{"threads": "2"}); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.StopKernel("cpu:0")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopKernel did not return; a worker likely leaked")
	}
}
