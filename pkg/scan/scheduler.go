// Package scan owns when the radio scans. A state machine reacts to
// adapter power transitions and a periodic tick, feeds decoded frames
// into the presence cache, and triggers telemetry once per device per
// scan cycle.
package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tagtrace/pkg/ble"
	"tagtrace/pkg/events"
	"tagtrace/pkg/fmdn"
	"tagtrace/pkg/location"
	"tagtrace/pkg/metrics"
	"tagtrace/pkg/presence"
	"tagtrace/pkg/structlog"
)

// State is the scheduler's scan-cycle state. CoolingDown is the
// transient teardown of a session whose window has closed; once the
// subscription is released the machine settles at Idle until the next
// tick or adapter transition re-arms it.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateCoolingDown
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateCoolingDown:
		return "cooling_down"
	default:
		return "idle"
	}
}

const (
	DefaultTickInterval = time.Minute
	DefaultScanWindow   = 25 * time.Second
)

// TelemetryReporter is the once-per-cycle sighting hook. The returned
// record, when non-nil, is the position fix obtained for the sighting.
type TelemetryReporter interface {
	Report(ctx context.Context, eid string) (*location.Record, error)
}

// Config tunes the scan cadence.
type Config struct {
	TickInterval time.Duration
	ScanWindow   time.Duration
}

// Options wires a Scheduler. Scanner, Cache and Reporter are required;
// Adapter, Events, Log and Metrics may be nil.
type Options struct {
	Config   Config
	Scanner  ble.Scanner
	Adapter  ble.AdapterWatcher
	Cache    *presence.Cache
	Reporter TelemetryReporter
	Events   events.Publisher
	Log      *structlog.Logger
	Metrics  *metrics.Registry
}

// Scheduler drives scan cycles. At most one scan session is active at
// a time; a second start request while scanning is a no-op.
type Scheduler struct {
	cfg      Config
	scanner  ble.Scanner
	adapter  ble.AdapterWatcher
	cache    *presence.Cache
	reporter TelemetryReporter
	pub      events.Publisher
	log      *structlog.Logger

	mScans      *metrics.Counter
	mScanErrors *metrics.Counter
	mFrames     *metrics.Counter
	mSightings  *metrics.Counter
	gDevices    *metrics.Gauge

	scanning atomic.Bool
	state    atomic.Int32

	mu         sync.Mutex
	cancelScan context.CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Scheduler from Options.
func New(opts Options) *Scheduler {
	cfg := opts.Config
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = structlog.NewLogger("scan", structlog.LevelInfo, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		scanner:     opts.Scanner,
		adapter:     opts.Adapter,
		cache:       opts.Cache,
		reporter:    opts.Reporter,
		pub:         pub,
		log:         log,
		mScans:      metrics.NewCounter("scan_sessions_total", "Scan sessions started"),
		mScanErrors: metrics.NewCounter("scan_errors_total", "Scan session start failures"),
		mFrames:     metrics.NewCounter("scan_frames_total", "FMDN frames decoded"),
		mSightings:  metrics.NewCounter("scan_sightings_total", "First sightings per device per cycle"),
		gDevices:    metrics.NewGauge("presence_devices", "Devices currently in the presence cache"),
		runCtx:      ctx,
		runCancel:   cancel,
	}
	if opts.Metrics != nil {
		opts.Metrics.Register(s.mScans)
		opts.Metrics.Register(s.mScanErrors)
		opts.Metrics.Register(s.mFrames)
		opts.Metrics.Register(s.mSightings)
		opts.Metrics.RegisterGauge(s.gDevices)
	}
	return s
}

// Start launches the reactor loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop shuts the scheduler down, synchronously cancelling any in-flight
// scan session and pending telemetry fetches.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.runCancel()
		s.wg.Wait()
		s.state.Store(int32(StateIdle))
	})
}

// State reports the current scan-cycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	var states <-chan ble.AdapterState
	if s.adapter != nil {
		states = s.adapter.States()
	}
	s.StartScan()
	for {
		select {
		case <-s.runCtx.Done():
			s.stopScan()
			return
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if st == ble.StatePoweredOn {
				s.StartScan()
			} else {
				// The radio stack may leave a scan running invisibly
				// when the adapter drops; force the session down and
				// let the owner know the radio is gone.
				s.stopScan()
				_ = s.pub.Publish(context.Background(), events.Event{
					Type:    events.TypeAdapterOff,
					Source:  "scan",
					At:      time.Now(),
					Payload: map[string]any{"state": st.String()},
				})
			}
		case <-ticker.C:
			s.StartScan()
		}
	}
}

// StartScan begins a scan session unless one is already active
// (single-flight). A start failure is logged and retried on the next
// tick or adapter transition.
func (s *Scheduler) StartScan() {
	if !s.scanning.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ScanWindow)
	sub, err := s.scanner.Scan(ctx, ble.ScanParams{Window: s.cfg.ScanWindow})
	if err != nil {
		cancel()
		s.scanning.Store(false)
		s.state.Store(int32(StateIdle))
		s.mScanErrors.Inc()
		s.log.Warn("scan start failed", structlog.Fields{"error": err.Error()})
		_ = s.pub.Publish(context.Background(), events.Event{
			Type:    events.TypeScanError,
			Source:  "scan",
			At:      time.Now(),
			Payload: map[string]any{"error": err.Error()},
		})
		return
	}
	s.mu.Lock()
	s.cancelScan = cancel
	s.mu.Unlock()
	s.state.Store(int32(StateScanning))
	s.mScans.Inc()
	s.wg.Add(1)
	go s.consume(ctx, cancel, sub)
}

// stopScan forces any in-flight session down; the consumer's teardown
// settles the state at Idle.
func (s *Scheduler) stopScan() {
	s.mu.Lock()
	cancel := s.cancelScan
	s.mu.Unlock()
	if cancel == nil {
		s.state.Store(int32(StateIdle))
		return
	}
	s.state.Store(int32(StateCoolingDown))
	cancel()
}

func (s *Scheduler) consume(ctx context.Context, cancel context.CancelFunc, sub ble.Subscription) {
	defer s.wg.Done()
	defer func() {
		sub.Stop()
		cancel()
		s.mu.Lock()
		s.cancelScan = nil
		s.mu.Unlock()
		// Idle must be stored before the busy flag drops: a new
		// session only starts once scanning reads false, so its
		// Scanning store cannot be overwritten by this teardown.
		s.state.Store(int32(StateIdle))
		s.scanning.Store(false)
	}()
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateCoolingDown))
			return
		case ad, ok := <-sub.Ads():
			if !ok {
				return
			}
			s.handle(ad, seen)
		}
	}
}

func (s *Scheduler) handle(ad ble.Advertisement, seen map[string]struct{}) {
	frame, ok := fmdn.Decode(ad.ServiceData())
	if !ok {
		return
	}
	s.mFrames.Inc()
	id := ad.Addr()
	s.cache.Observe(id, frame, ad.RSSI(), ad.Timestamp(), nil)
	s.gDevices.Set(uint64(s.cache.Len()))
	if _, dup := seen[id]; dup {
		// Beacons advertise about once a second; only the first
		// sighting in a cycle pays for a location fetch.
		return
	}
	seen[id] = struct{}{}
	s.mSightings.Inc()
	eid := frame.EIDHex()
	_ = s.pub.Publish(context.Background(), events.Event{
		Type:    events.TypeSighting,
		Source:  "scan",
		At:      ad.Timestamp(),
		Payload: map[string]any{"id": id, "eid": eid, "rssi": ad.RSSI()},
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Runs on the scheduler's lifetime context: the report may
		// outlive the scan window, but not a Stop.
		rec, err := s.reporter.Report(s.runCtx, eid)
		if rec != nil {
			s.cache.SetLocation(id, *rec)
		}
		if err != nil {
			s.log.Warn("telemetry report failed", structlog.Fields{"eid": eid, "error": err.Error()})
		}
	}()
}
