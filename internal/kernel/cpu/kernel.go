// Package cpu implements the reference software kernel: a
// goroutine-per-core nonce grinder. It exists primarily as a working,
// always-available fallback kernel and as a template for GPU/FPGA
// kernels bound to the same Interface contract.
package cpu

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/queuereader"
	"github.com/phoenix2/phoenix/internal/work"
)

// targetExecutionTime is the execution length the adaptive work-size
// callback aims for: short enough that a worker notices stale work and
// block changes promptly, long enough that per-range overhead (fetching,
// stale-callback registration) stays negligible.
const targetExecutionTime = 250 * time.Millisecond

// staleCheckInterval is how often, in nonces, a worker re-checks whether
// its current unit has gone stale mid-range.
const staleCheckInterval = 1 << 14

// minRangeSize floors the adaptive work size so a very fast first
// sample doesn't shrink it to nothing.
const minRangeSize = uint64(1) << 10

// Factory builds cpu kernel instances. The zero value is usable and
// defaults to one worker per logical CPU.
type Factory struct {
	// Threads, if non-zero, overrides the per-device "threads" option
	// default (runtime.NumCPU()).
	Threads int
}

// New returns a Factory with an explicit default thread count (0 means
// runtime.NumCPU()).
func New(threads int) *Factory {
	return &Factory{Threads: threads}
}

// AnalyzeDevice scores how well this kernel fits deviceID. The CPU
// kernel has no hardware affinity: it matches any device with a
// middling rating of 2.
func (f *Factory) AnalyzeDevice(deviceID string) (kernel.AnalysisResult, error) {
	threads := f.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return kernel.AnalysisResult{
		Rating: 2,
		Autoconfig: map[string]string{
			"threads": fmt.Sprintf("%d", threads),
		},
	}, nil
}

// Start launches one grinding goroutine per configured thread, each
// fronted by its own queuereader so fetching never stalls the hot loop.
func (f *Factory) Start(iface *kernel.Interface) (kernel.Instance, error) {
	threads, err := iface.IntOption("threads", runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	if threads <= 0 {
		threads = 1
	}

	k := &Kernel{iface: iface}
	k.readers = make([]*queuereader.Reader, threads)
	k.wg.Add(threads)
	for i := 0; i < threads; i++ {
		r := queuereader.New(iface, fmt.Sprintf("core%d", i), nil, adaptiveWorkSize, iface)
		k.readers[i] = r
		go k.worker(i, r)
	}

	iface.Log(fmt.Sprintf("cpu kernel started with %d threads", threads))
	return k, nil
}

// adaptiveWorkSize scales the next requested range so grinding it takes
// roughly targetExecutionTime, based on the last few ranges' actual
// execution time.
func adaptiveWorkSize(avg time.Duration, lastSize uint64) uint64 {
	if avg <= 0 || lastSize == 0 {
		return 1 << 16
	}
	scaled := float64(lastSize) * (float64(targetExecutionTime) / float64(avg))
	size := uint64(scaled)
	if size < minRangeSize {
		size = minRangeSize
	}
	return size
}

// Kernel is a running cpu kernel instance: one queuereader-fronted
// goroutine per thread, pulling NonceRanges from the queue through iface
// and reporting candidates back through iface.FoundNonce.
type Kernel struct {
	iface   *kernel.Interface
	readers []*queuereader.Reader
	wg      sync.WaitGroup
}

// Stop tells every worker's reader to shut down and waits for the
// workers to notice and exit.
func (k *Kernel) Stop() {
	for _, r := range k.readers {
		r.Stop()
	}
	k.wg.Wait()
}

func (k *Kernel) worker(id int, r *queuereader.Reader) {
	defer k.wg.Done()
	r.Start()
	for {
		item, ok := r.Next()
		if !ok {
			return
		}
		k.grind(item.Range)
	}
}

func (k *Kernel) grind(nr work.NonceRange) {
	end := nr.Base + nr.Size
	for n := nr.Base; n < end; n++ {
		if n%staleCheckInterval == 0 && nr.Unit.IsStale() {
			return
		}

		hash := k.iface.CalculateHash(nr.Unit, uint32(n), -1)

		if k.iface.CheckTarget(hash, nr.Unit.Target) {
			k.iface.FoundNonce(nr.Unit, uint32(n), -1)
		}
	}
}
