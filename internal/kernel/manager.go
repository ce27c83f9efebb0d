package kernel

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AnalysisResult is what a kernel implementation's static analyzer
// reports about one candidate device.
type AnalysisResult struct {
	// Rating is 0 (unsupported) through 5 (ideal match).
	Rating int
	// Autoconfig holds option values the kernel recommends for this
	// device (e.g. worksize, vectors), merged under the operator's
	// explicit overrides.
	Autoconfig map[string]string
	// AliasIDs lists other device identifiers this physical device is
	// also known by, so autodetect reruns don't start duplicate
	// kernels for the same hardware.
	AliasIDs []string
}

// Factory builds one running kernel instance bound to iface.
type Factory interface {
	// AnalyzeDevice statically scores how well this kernel type
	// supports deviceID, without starting anything.
	AnalyzeDevice(deviceID string) (AnalysisResult, error)
	// Start instantiates and starts the kernel. Returning an error
	// (instead of calling iface.Fatal) is also an acceptable init
	// failure signal.
	Start(iface *Interface) (Instance, error)
}

// Instance is a running kernel: something Stop can shut down.
type Instance interface {
	Stop()
}

// AutoconfigStore persists AnalyzeDevice results across restarts. The
// signature uses plain types rather than AnalysisResult so a concrete
// store (internal/store.Store) can satisfy it without importing this
// package.
type AutoconfigStore interface {
	LoadAutoconfig(key string) (rating int, autoconfig map[string]string, aliasIDs []string, ok bool, err error)
	SaveAutoconfig(key string, rating int, autoconfig map[string]string, aliasIDs []string) error
}

// AcceptedRecorder records the outcome of every solution a kernel
// submits, for a durable accept/reject ledger.
type AcceptedRecorder interface {
	RecordAccepted(deviceID string, nonce uint32, timestamp int64, accepted bool)
}

// Manager discovers kernel factories, starts/stops kernels per device,
// aggregates hash rates across all running kernels, and verifies/submits
// candidate solutions found by them.
type Manager struct {
	queue     RangeSource
	submitter Submitter
	submitOld bool

	mu             sync.Mutex
	factories      map[string]Factory // keyed by kernel type name
	running        map[string]*running
	deviceAnalysis map[string]AnalysisResult

	rateSamples int

	autoconfigStore AutoconfigStore
	accepted        AcceptedRecorder

	metaMu       sync.Mutex
	lastMetaSent time.Time
	metaDebounce time.Duration
	pendingMeta  map[string]string
}

type running struct {
	iface    *Interface
	instance Instance
	aliases  []string
}

// ManagerConfig configures rate aggregation and solution-submission
// policy.
type ManagerConfig struct {
	// RateSamples is the sliding-window sample count for per-bucket
	// rate averaging.
	RateSamples int
	// MetaDebounce is the minimum interval between meta-update pushes
	// to the protocol client (the original client debounces the
	// reported hash rate to avoid spamming the server).
	MetaDebounce time.Duration
	// SubmitOld allows submitting solutions found on stale work units.
	SubmitOld bool
}

// DefaultManagerConfig mirrors the original client's defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{RateSamples: 10, MetaDebounce: 30 * time.Second}
}

// NewManager creates a Manager. queue supplies NonceRanges/WorkUnits;
// submitter is the active protocol client's result sink (may be swapped
// later via SetSubmitter on reconnect).
func NewManager(cfg ManagerConfig, queue RangeSource, submitter Submitter) *Manager {
	if cfg.RateSamples <= 0 {
		cfg.RateSamples = 10
	}
	if cfg.MetaDebounce <= 0 {
		cfg.MetaDebounce = 30 * time.Second
	}
	return &Manager{
		queue:          queue,
		submitter:      submitter,
		submitOld:      cfg.SubmitOld,
		factories:      make(map[string]Factory),
		running:        make(map[string]*running),
		deviceAnalysis: make(map[string]AnalysisResult),
		rateSamples:    cfg.RateSamples,
		metaDebounce:   cfg.MetaDebounce,
		pendingMeta:    make(map[string]string),
	}
}

// SetSubmitter swaps the active result sink, e.g. after the protocol
// client reconnects.
func (m *Manager) SetSubmitter(s Submitter) {
	m.mu.Lock()
	m.submitter = s
	m.mu.Unlock()
}

// SetAutoconfigStore wires in a persistent autoconfig memo. Must be
// called before the first AnalyzeDevice/StartKernel to take effect for
// devices analyzed on this run.
func (m *Manager) SetAutoconfigStore(s AutoconfigStore) {
	m.mu.Lock()
	m.autoconfigStore = s
	m.mu.Unlock()
}

// SetAcceptedRecorder wires in a durable share ledger.
func (m *Manager) SetAcceptedRecorder(r AcceptedRecorder) {
	m.mu.Lock()
	m.accepted = r
	m.mu.Unlock()
}

func (m *Manager) recordAccepted(deviceID string, nonce uint32, timestamp int64, accepted bool) {
	m.mu.Lock()
	rec := m.accepted
	m.mu.Unlock()
	if rec != nil {
		rec.RecordAccepted(deviceID, nonce, timestamp, accepted)
	}
}

// RegisterFactory makes a kernel type available for AnalyzeDevice and
// StartKernel.
func (m *Manager) RegisterFactory(kernelType string, f Factory) {
	m.mu.Lock()
	m.factories[strings.ToLower(kernelType)] = f
	m.mu.Unlock()
}

func (m *Manager) rateSampleWindow() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateSamples
}

// AnalyzeDevice asks the factory registered for kernelType to score
// deviceID, memoizing the result per kernelType:deviceID pair (and in the
// AutoconfigStore, if one is set) so known hardware is not re-analyzed.
// Only the named kernel type is consulted: ratings of different kernel
// types are not compared, and no best kernel is chosen per device.
func (m *Manager) AnalyzeDevice(kernelType, deviceID string) (AnalysisResult, error) {
	key := strings.ToLower(kernelType) + ":" + strings.ToLower(deviceID)

	m.mu.Lock()
	if cached, ok := m.deviceAnalysis[key]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	factory, ok := m.factories[strings.ToLower(kernelType)]
	store := m.autoconfigStore
	m.mu.Unlock()
	if !ok {
		return AnalysisResult{}, fmt.Errorf("kernel: unknown kernel type %q", kernelType)
	}

	if store != nil {
		if rating, autoconfig, aliasIDs, found, err := store.LoadAutoconfig(key); err != nil {
			log.Errorf("kernel: loading persisted autoconfig for %s: %v", key, err)
		} else if found {
			result := AnalysisResult{Rating: rating, Autoconfig: autoconfig, AliasIDs: aliasIDs}
			m.mu.Lock()
			m.deviceAnalysis[key] = result
			m.mu.Unlock()
			return result, nil
		}
	}

	result, err := factory.AnalyzeDevice(deviceID)
	if err != nil {
		return AnalysisResult{}, err
	}

	m.mu.Lock()
	m.deviceAnalysis[key] = result
	m.mu.Unlock()

	if store != nil {
		if err := store.SaveAutoconfig(key, result.Rating, result.Autoconfig, result.AliasIDs); err != nil {
			log.Errorf("kernel: persisting autoconfig for %s: %v", key, err)
		}
	}
	return result, nil
}

// StartKernel starts kernelType on deviceID with the given options,
// unless a kernel is already running for deviceID under any of its
// known aliases.
func (m *Manager) StartKernel(kernelType, deviceID string, options Options) error {
	lowerID := strings.ToLower(deviceID)

	result, err := m.AnalyzeDevice(kernelType, lowerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.aliasRunningLocked(lowerID) {
		m.mu.Unlock()
		log.Debugf("kernel: %s already running under an alias, skipping", lowerID)
		return nil
	}
	factory := m.factories[strings.ToLower(kernelType)]
	m.mu.Unlock()

	merged := make(Options, len(result.Autoconfig)+len(options))
	for k, v := range result.Autoconfig {
		merged[strings.ToLower(k)] = v
	}
	for k, v := range options {
		merged[strings.ToLower(k)] = v
	}

	iface := newInterface(lowerID, m, merged)
	instance, err := factory.Start(iface)
	if err != nil {
		return err
	}
	if iface.IsFatal() {
		instance.Stop()
		return fmt.Errorf("kernel: %s failed fatally during start", lowerID)
	}

	m.mu.Lock()
	m.running[lowerID] = &running{iface: iface, instance: instance, aliases: result.AliasIDs}
	m.mu.Unlock()
	return nil
}

// aliasRunningLocked reports whether candidateID names a device that is
// already running, either directly or as one of a running kernel's
// known aliases (the set an earlier AnalyzeDevice call reported for it).
// Callers must hold m.mu.
func (m *Manager) aliasRunningLocked(candidateID string) bool {
	if _, ok := m.running[candidateID]; ok {
		return true
	}
	for id, r := range m.running {
		if id == candidateID {
			return true
		}
		for _, alias := range r.aliases {
			if strings.EqualFold(alias, candidateID) {
				return true
			}
		}
	}
	return false
}

// StopKernel stops the kernel running on deviceID, if any.
func (m *Manager) StopKernel(deviceID string) {
	lowerID := strings.ToLower(deviceID)
	m.mu.Lock()
	r, ok := m.running[lowerID]
	if ok {
		delete(m.running, lowerID)
	}
	m.mu.Unlock()
	if ok {
		r.instance.Stop()
	}
}

// StopAll stops every running kernel.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.running
	m.running = make(map[string]*running)
	m.mu.Unlock()
	for _, r := range all {
		r.instance.Stop()
	}
}

// TotalRate sums every running kernel's Rate().
func (m *Manager) TotalRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, r := range m.running {
		total += r.iface.Rate()
	}
	return total
}

// DeviceRate is one running kernel's current device id and hash rate,
// reported for the status dashboard.
type DeviceRate struct {
	DeviceID string
	KHps     float64
}

// DeviceRates returns the current per-device rates of every running
// kernel, in no particular order.
func (m *Manager) DeviceRates() []DeviceRate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceRate, 0, len(m.running))
	for id, r := range m.running {
		out = append(out, DeviceRate{DeviceID: id, KHps: r.iface.Rate()})
	}
	return out
}

func (m *Manager) recalculateRate() {
	// Recomputing is cheap (a handful of kernels, small windows); the
	// debounce lives in setMeta, not here.
	rate := m.TotalRate()
	m.setMeta("rate", fmt.Sprintf("%.2f", rate))
}

// setMeta debounces meta propagation: at most one push per
// metaDebounce interval, always carrying the latest value per variable.
func (m *Manager) setMeta(variable, value string) {
	m.metaMu.Lock()
	m.pendingMeta[variable] = value
	elapsed := time.Since(m.lastMetaSent)
	if elapsed < m.metaDebounce {
		m.metaMu.Unlock()
		return
	}
	pending := m.pendingMeta
	m.pendingMeta = make(map[string]string)
	m.lastMetaSent = time.Now()
	m.metaMu.Unlock()

	m.mu.Lock()
	sub := m.submitter
	m.mu.Unlock()
	setter, ok := sub.(metaSetter)
	if !ok {
		return
	}
	for k, v := range pending {
		setter.SetMeta(k, v)
	}
}

// metaSetter is satisfied by any protocol.Client; kept narrow here so
// Manager doesn't need to import protocol.Client's full surface.
type metaSetter interface {
	SetMeta(key, value string)
}
