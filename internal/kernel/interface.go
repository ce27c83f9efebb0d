// Package kernel defines the contract kernels see (Interface) and the
// manager that discovers, starts, stops, and aggregates rates across
// them.
package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/hashcore"
	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/work"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// Required is the sentinel default for a mandatory kernel option: if the
// operator hasn't supplied it, start fails fatally instead of silently
// falling back to some default.
type Required struct{}

// RangeSource is the subset of the WorkQueue a kernel interface needs.
type RangeSource interface {
	FetchRange(size uint64) <-chan work.NonceRange
	FetchUnit() <-chan *work.WorkUnit
}

// Submitter is the subset of a protocol client a kernel interface needs
// to turn in results.
type Submitter interface {
	SubmitResult(sub [work.SubmissionLen]byte) *protocol.Future
}

// Options are the raw, operator-supplied per-kernel option strings
// (lowercase keys), analogous to an INI section.
type Options map[string]string

// Interface is handed to each running kernel instance as its sole API
// back into the coordination machinery.
type Interface struct {
	deviceID string
	manager  *Manager
	options  Options

	mu      sync.Mutex
	meta    map[string]string
	rates   map[string][]float64
	results uint64
	started time.Time
	isFatal bool
}

func newInterface(deviceID string, manager *Manager, options Options) *Interface {
	return &Interface{
		deviceID: deviceID,
		manager:  manager,
		options:  options,
		meta:     make(map[string]string),
		rates:    make(map[string][]float64),
		started:  time.Now(),
	}
}

// DeviceID returns the kernel's device identifier.
func (ki *Interface) DeviceID() string { return ki.deviceID }

// Name returns the configured "name" option, defaulting to the device
// ID if unset.
func (ki *Interface) Name() string {
	name, _ := ki.StringOption("name", ki.deviceID)
	return name
}

func (ki *Interface) rawOption(name string, def interface{}) (string, bool, error) {
	name = strings.ToLower(name)
	raw, ok := ki.options[name]
	if ok {
		return raw, true, nil
	}
	if _, required := def.(Required); required {
		err := fmt.Errorf("required option %s not provided", name)
		ki.Fatal(err.Error())
		return "", false, err
	}
	return "", false, nil
}

// BoolOption resolves a boolean option. def may be a bool or Required.
func (ki *Interface) BoolOption(name string, def interface{}) (bool, error) {
	raw, ok, err := ki.rawOption(name, def)
	if err != nil {
		return false, err
	}
	if !ok {
		return def.(bool), nil
	}
	lower := strings.ToLower(raw)
	switch lower {
	case "t", "true", "on", "1", "y", "yes":
		return true, nil
	}
	return false, nil
}

// IntOption resolves an integer option. def may be an int or Required.
func (ki *Interface) IntOption(name string, def interface{}) (int, error) {
	raw, ok, err := ki.rawOption(name, def)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def.(int), nil
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(raw))
	if convErr != nil {
		e := fmt.Errorf("option %s expects an integer value: %w", name, convErr)
		ki.Fatal(e.Error())
		return 0, e
	}
	return n, nil
}

// FloatOption resolves a floating-point option. def may be a float64 or
// Required.
func (ki *Interface) FloatOption(name string, def interface{}) (float64, error) {
	raw, ok, err := ki.rawOption(name, def)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def.(float64), nil
	}
	f, convErr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if convErr != nil {
		e := fmt.Errorf("option %s expects a numeric value: %w", name, convErr)
		ki.Fatal(e.Error())
		return 0, e
	}
	return f, nil
}

// StringOption resolves a string option. def may be a string or
// Required.
func (ki *Interface) StringOption(name string, def interface{}) (string, error) {
	raw, ok, err := ki.rawOption(name, def)
	if err != nil {
		return "", err
	}
	if !ok {
		return def.(string), nil
	}
	return raw, nil
}

// SetMeta records a metadata value and forwards it to the manager for
// (debounced) propagation to the active protocol client.
func (ki *Interface) SetMeta(variable, value string) {
	ki.mu.Lock()
	ki.meta[variable] = value
	ki.mu.Unlock()
	ki.manager.setMeta(variable, value)
}

// UpdateRate records one rate sample (kilohashes/sec) in the named
// bucket's sliding window (per-kernel sub-devices use distinct buckets,
// e.g. multiple GPUs behind one process).
func (ki *Interface) UpdateRate(khps float64, bucket string) {
	ki.mu.Lock()
	samples := ki.manager.rateSampleWindow()
	rc := append(ki.rates[bucket], khps)
	if len(rc) > samples {
		rc = rc[len(rc)-samples:]
	}
	ki.rates[bucket] = rc
	ki.mu.Unlock()
	ki.manager.recalculateRate()
}

// Rate returns this kernel's total rate: the sum of each bucket's
// sliding-window average.
func (ki *Interface) Rate() float64 {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	total := 0.0
	for _, rc := range ki.rates {
		if len(rc) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range rc {
			sum += v
		}
		total += sum / float64(len(rc))
	}
	return total
}

// FetchRange asks the WorkQueue for a NonceRange of the given size (0
// means let the queue pick its default).
func (ki *Interface) FetchRange(size uint64) <-chan work.NonceRange {
	return ki.manager.queue.FetchRange(size)
}

// FetchUnit asks the WorkQueue directly for a raw WorkUnit.
func (ki *Interface) FetchUnit() <-chan *work.WorkUnit {
	return ki.manager.queue.FetchUnit()
}

// CheckTarget reports whether hash meets target (both 256-bit little
// endian).
func (ki *Interface) CheckTarget(hash, target [32]byte) bool {
	return hashcore.MeetsTarget(hash, target)
}

// CalculateHash computes the double-SHA256 of wu's header at nonce,
// optionally with an overridden timestamp.
func (ki *Interface) CalculateHash(wu *work.WorkUnit, nonce uint32, timestamp int64) [32]byte {
	return hashcore.Hash(wu.Data, nonce, timestamp)
}

// FoundNonce re-verifies and, if the hash is valid, submits a candidate
// solution. It returns whether the solution was sent to the server, not
// whether the server accepted it: the acceptance is only logged and
// passed to the AcceptedRecorder once the submission future resolves.
func (ki *Interface) FoundNonce(wu *work.WorkUnit, nonce uint32, timestamp int64) bool {
	ki.mu.Lock()
	ki.results++
	ki.mu.Unlock()

	if timestamp < 0 {
		timestamp = int64(wu.Timestamp())
	}
	hash := ki.CalculateHash(wu, nonce, timestamp)

	if wu.IsStale() && !ki.manager.submitOld {
		return false
	}

	if !ki.CheckTarget(hash, wu.Target) {
		ki.Debug("result didn't meet full difficulty, not sending")
		return false
	}

	sub := work.BuildSubmission(wu, nonce, uint32(timestamp))
	future := ki.manager.submitter.SubmitResult(sub)
	go func() {
		accepted := future.Wait()
		if accepted {
			log.Infof("%s: share accepted", ki.Name())
		} else {
			log.Warnf("%s: share rejected", ki.Name())
		}
		ki.manager.recordAccepted(ki.deviceID, nonce, timestamp, accepted)
	}()
	return true
}

// Debug logs kernel-level diagnostic detail, visible only at verbose
// levels.
func (ki *Interface) Debug(msg string) { log.Debugf("%s: %s", ki.deviceID, msg) }

// Log logs general kernel information.
func (ki *Interface) Log(msg string) { log.Infof("%s: %s", ki.deviceID, msg) }

// Error reports a condition that needs operator attention but does not
// stop the kernel.
func (ki *Interface) Error(msg string) { log.Errorf("%s: %s", ki.deviceID, msg) }

// Fatal reports an unrecoverable kernel condition and stops it.
func (ki *Interface) Fatal(msg string) {
	log.Criticalf("%s: %s", ki.deviceID, msg)
	ki.mu.Lock()
	ki.isFatal = true
	ki.mu.Unlock()
	ki.manager.StopKernel(ki.deviceID)
}

// IsFatal reports whether Fatal has been called on this interface.
func (ki *Interface) IsFatal() bool {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	return ki.isFatal
}

// Results returns the number of candidate nonces this kernel has
// reported through FoundNonce, accepted or not.
func (ki *Interface) Results() uint64 {
	ki.mu.Lock()
	defer ki.mu.Unlock()
	return ki.results
}
