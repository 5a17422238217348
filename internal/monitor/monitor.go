// Package monitor watches for blocked clients attempting access. Two
// detectors feed it: growth of an activity log and the appearance of new
// worker processes. Each detection pass that fires resolves the payer
// address once and hands the same event to every registered callback.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Paygate/server/internal/clock"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/metrics"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

const (
	DefaultPollInterval = 2 * time.Second

	SignalLogGrowth = "activity_log"
	SignalProcess   = "worker_process"
)

var ErrNotMonitoring = errors.New("trigger monitor is not running")

// Callback observes one trigger event.
type Callback func(ctx context.Context, ev types.TriggerEvent) error

// CallbackID identifies a registration for RemoveCallback.
type CallbackID uint64

// AddressResolver yields the IP a trigger event is attributed to.
type AddressResolver interface {
	ResolvePayerAddress(ctx context.Context) (string, error)
}

type Config struct {
	// LogPath is the activity log to watch. Empty disables the detector.
	LogPath string

	// ProcessSignature is matched against worker command lines. Empty
	// disables the detector.
	ProcessSignature string

	PollInterval time.Duration

	// Watch enables early passes on log writes via fsnotify.
	Watch bool

	// Processes enumerates running processes. Defaults to /proc.
	Processes ProcessLister

	Clock clock.Clock
}

type registration struct {
	id   CallbackID
	name string
	cb   Callback
}

type Monitor struct {
	cfg      Config
	resolver AddressResolver
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry

	mu        sync.Mutex
	active    bool
	cancel    context.CancelFunc
	done      chan struct{}
	callbacks []registration
	nextID    CallbackID

	// passMu serialises detection passes and guards detector state.
	passMu   sync.Mutex
	lastSize int64
	seenPIDs map[int]struct{}
}

func New(cfg Config, resolver AddressResolver, logger *logging.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Processes == nil {
		cfg.Processes = ProcfsProcesses("")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Monitor{
		cfg:      cfg,
		resolver: resolver,
		clock:    cfg.Clock,
		logger:   logger.WithComponent("monitor"),
		metrics:  metrics.Get(),
		seenPIDs: make(map[int]struct{}),
	}
}

// OnTrigger registers cb. Callbacks are started in registration order.
func (m *Monitor) OnTrigger(name string, cb Callback) CallbackID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.callbacks = append(m.callbacks, registration{id: m.nextID, name: name, cb: cb})
	return m.nextID
}

// RemoveCallback unregisters id and reports whether it was registered.
func (m *Monitor) RemoveCallback(id CallbackID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.callbacks {
		if r.id == id {
			m.callbacks = append(m.callbacks[:i:i], m.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start baselines both detectors and begins polling. Starting a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if m.Active() {
		m.logger.Warn("trigger monitor already running")
		return nil
	}

	m.baseline()

	var watcher *fsnotify.Watcher
	if m.cfg.Watch && m.cfg.LogPath != "" {
		w, err := m.watch()
		if err != nil {
			m.logger.Warn("log watch unavailable, polling only", "path", m.cfg.LogPath, "error", err)
		} else {
			watcher = w
		}
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		if watcher != nil {
			watcher.Close()
		}
		m.logger.Warn("trigger monitor already running")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.active = true
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	go m.loop(ctx, ticker, watcher, m.done)
	m.mu.Unlock()

	m.logger.Info("trigger monitor started",
		"log_path", m.cfg.LogPath, "signature", m.cfg.ProcessSignature,
		"interval", m.cfg.PollInterval, "watch", watcher != nil)
	return nil
}

// Stop halts polling and waits for the running pass, if any. Stopping an
// idle monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("trigger monitor stopped")
}

// ForceCheck runs one detection pass synchronously.
func (m *Monitor) ForceCheck(ctx context.Context) error {
	if !m.Active() {
		return ErrNotMonitoring
	}
	m.pass(ctx)
	return nil
}

func (m *Monitor) loop(ctx context.Context, ticker *clock.Ticker, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}
	target := filepath.Clean(m.cfg.LogPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pass(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.pass(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("log watch error", "error", err)
		}
	}
}

// watch observes the log's directory so rotation does not drop the watch.
func (m *Monitor) watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(m.cfg.LogPath)); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (m *Monitor) baseline() {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	m.lastSize = m.logSize()
	m.seenPIDs = make(map[int]struct{})
	if m.cfg.ProcessSignature == "" {
		return
	}
	procs, err := m.cfg.Processes()
	if err != nil {
		m.logger.Warn("process baseline failed", "error", err)
		return
	}
	for _, p := range procs {
		if m.matches(p) {
			m.seenPIDs[p.PID] = struct{}{}
		}
	}
}

// pass runs both detectors and dispatches at most one event.
func (m *Monitor) pass(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	var signals []string
	if m.checkLog() {
		signals = append(signals, SignalLogGrowth)
	}
	if m.checkProcesses() {
		signals = append(signals, SignalProcess)
	}
	if len(signals) == 0 {
		return
	}
	for _, s := range signals {
		m.metrics.TriggersTotal.WithLabelValues(s).Inc()
	}

	ip, err := m.resolver.ResolvePayerAddress(ctx)
	if err != nil {
		m.logger.Error("trigger dropped, payer address unresolved", "signals", signals, "error", err)
		return
	}

	ev := types.TriggerEvent{
		ID:         uuid.NewString(),
		Signals:    signals,
		DetectedAt: m.clock.Now().UTC(),
		IP:         ip,
	}
	m.logger.Info("access attempt detected", "event", ev.ID, "ip", ip, "signals", signals)
	m.dispatch(ctx, ev)
}

func (m *Monitor) logSize() int64 {
	if m.cfg.LogPath == "" {
		return 0
	}
	fi, err := os.Stat(m.cfg.LogPath)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// checkLog reports growth since the last pass. A shrink is a rotation:
// the new size becomes the baseline.
func (m *Monitor) checkLog() bool {
	if m.cfg.LogPath == "" {
		return false
	}
	size := m.logSize()
	prev := m.lastSize
	m.lastSize = size

	if size < prev {
		m.logger.Info("activity log rotated", "path", m.cfg.LogPath, "previous", prev, "current", size)
		return false
	}
	return size > prev
}

// checkProcesses reports whether a matching process appeared since the
// last pass. PIDs that have gone away are forgotten.
func (m *Monitor) checkProcesses() bool {
	if m.cfg.ProcessSignature == "" {
		return false
	}
	procs, err := m.cfg.Processes()
	if err != nil {
		m.logger.Warn("process enumeration failed", "error", err)
		return false
	}

	current := make(map[int]struct{})
	found := false
	for _, p := range procs {
		if !m.matches(p) {
			continue
		}
		current[p.PID] = struct{}{}
		if _, ok := m.seenPIDs[p.PID]; !ok {
			m.logger.Debug("new worker process", "pid", p.PID)
			found = true
		}
	}
	m.seenPIDs = current
	return found
}

func (m *Monitor) matches(p Process) bool {
	return strings.Contains(p.Cmdline, m.cfg.ProcessSignature)
}

// dispatch starts every callback in registration order and waits for all
// of them. A failing or panicking callback does not affect the others.
func (m *Monitor) dispatch(ctx context.Context, ev types.TriggerEvent) {
	m.mu.Lock()
	regs := append([]registration(nil), m.callbacks...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range regs {
		wg.Add(1)
		go func(r registration) {
			defer wg.Done()
			m.invoke(ctx, r, ev)
		}(r)
	}
	wg.Wait()
}

func (m *Monitor) invoke(ctx context.Context, r registration, ev types.TriggerEvent) {
	defer func() {
		if p := recover(); p != nil {
			m.metrics.CallbackErrors.WithLabelValues(r.name).Inc()
			m.logger.Error("trigger callback panicked",
				"callback", r.name, "event", ev.ID, "ip", ev.IP,
				"panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()

	if err := r.cb(ctx, ev); err != nil {
		m.metrics.CallbackErrors.WithLabelValues(r.name).Inc()
		m.logger.Error("trigger callback failed",
			"callback", r.name, "event", ev.ID, "ip", ev.IP, "success", false, "error", err)
	}
}
