// Package buzz delivers remote actuation requests: it watches the
// remote store for armed buzzer flags, correlates each rotating
// identity with a discoverable radio peer, and writes the command over
// a connection-oriented session. The flag itself is the retry token;
// it is cleared only after a successful write.
package buzz

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tagtrace/pkg/ble"
	"tagtrace/pkg/events"
	"tagtrace/pkg/metrics"
	"tagtrace/pkg/store"
	"tagtrace/pkg/structlog"
)

// Well-known data-exchange endpoint on the beacon (Nordic UART style).
const (
	CommandServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	CommandCharUUID    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultResolveTimeout = 10 * time.Second
	DefaultLinger         = 250 * time.Millisecond
)

// ErrPeerNotFound is returned when no discoverable peer matched the
// identity within the resolve timeout.
var ErrPeerNotFound = errors.New("buzz: peer not found")

// Config tunes the dispatcher.
type Config struct {
	PollInterval   time.Duration
	ResolveTimeout time.Duration
	// Linger delays closing a delivered session so the peer can drain
	// the write before teardown.
	Linger time.Duration
}

// Options wires a Dispatcher. Store, Scanner and Connector are
// required.
type Options struct {
	Config    Config
	Store     store.Store
	Scanner   ble.Scanner
	Connector ble.Connector
	Events    events.Publisher
	Log       *structlog.Logger
	Metrics   *metrics.Registry
}

// Dispatcher polls for armed buzzer requests and delivers them
// at-least-once. A pass is single-flight: a poll tick that finds one
// already underway is skipped entirely.
type Dispatcher struct {
	cfg     Config
	store   store.Store
	scanner ble.Scanner
	conn    ble.Connector
	pub     events.Publisher
	log     *structlog.Logger

	mDelivered *metrics.Counter
	mFailed    *metrics.Counter
	mSkipped   *metrics.Counter
	hDeliver   *metrics.Histogram

	busy atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Dispatcher from Options.
func New(opts Options) *Dispatcher {
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Linger < 0 {
		cfg.Linger = DefaultLinger
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = structlog.NewLogger("buzz", structlog.LevelInfo, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		store:      opts.Store,
		scanner:    opts.Scanner,
		conn:       opts.Connector,
		pub:        pub,
		log:        log,
		mDelivered: metrics.NewCounter("buzz_delivered_total", "Buzz commands delivered"),
		mFailed:    metrics.NewCounter("buzz_failed_total", "Buzz deliveries that will be retried"),
		mSkipped:   metrics.NewCounter("buzz_passes_skipped_total", "Poll ticks skipped while a pass was in flight"),
		hDeliver:   metrics.NewHistogram("buzz_delivery_seconds", "Resolve-to-write duration of successful deliveries", nil),
		runCtx:     ctx,
		runCancel:  cancel,
	}
	if opts.Metrics != nil {
		opts.Metrics.Register(d.mDelivered)
		opts.Metrics.Register(d.mFailed)
		opts.Metrics.Register(d.mSkipped)
		opts.Metrics.RegisterHistogram(d.hDeliver)
	}
	return d
}

// Start launches the poll loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Stop shuts the dispatcher down and waits for any in-flight pass, so
// no peer connection is left dangling.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.runCancel()
		d.wg.Wait()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case <-ticker.C:
			d.RunPass(d.runCtx)
		}
	}
}

// RunPass performs one poll-and-deliver pass. Re-entrant calls while a
// pass is underway are dropped, not queued.
func (d *Dispatcher) RunPass(ctx context.Context) {
	if !d.busy.CompareAndSwap(false, true) {
		d.mSkipped.Inc()
		return
	}
	defer d.busy.Store(false)

	docs, err := d.store.QueryBuzzing(ctx)
	if err != nil {
		d.log.Warn("buzzer query failed", structlog.Fields{"error": err.Error()})
		return
	}
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		if !doc.BuzzerFlag {
			// Already processed elsewhere; re-observing a cleared flag
			// is a no-op.
			continue
		}
		if err := d.deliver(ctx, doc); err != nil {
			// The flag stays set; the next pass retries.
			d.mFailed.Inc()
			d.log.Warn("buzz delivery failed", structlog.Fields{"eid": doc.EID, "error": err.Error()})
			if errors.Is(err, ErrPeerNotFound) {
				_ = d.pub.Publish(context.Background(), events.Event{
					Type:    events.TypeActuationTimeout,
					Source:  "buzz",
					At:      time.Now(),
					Payload: map[string]any{"eid": doc.EID},
				})
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, doc store.DeviceDoc) error {
	format, err := ParseFormat(doc.CommandFormat)
	if err != nil {
		// A stored format no retry can repair; disarm the request
		// instead of re-failing it on every poll.
		if cerr := d.store.ClearBuzzer(ctx, doc.EID, time.Now()); cerr != nil {
			return cerr
		}
		return err
	}
	session := uuid.NewString()
	start := time.Now()

	addr, err := d.resolve(ctx, doc.EID)
	if err != nil {
		return err
	}
	peer, err := d.conn.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("buzz: connect %s: %w", addr, err)
	}
	defer func() {
		if d.cfg.Linger > 0 {
			time.Sleep(d.cfg.Linger)
		}
		_ = peer.Close()
	}()

	char, err := peer.DiscoverCharacteristic(CommandServiceUUID, CommandCharUUID)
	if err != nil {
		return fmt.Errorf("buzz: discover endpoint on %s: %w", addr, err)
	}
	cmd, err := EncodeCommand(format, doc.EID, doc.BuzzerDuration)
	if err != nil {
		return err
	}
	if err := char.Write(cmd); err != nil {
		return fmt.Errorf("buzz: write command to %s: %w", addr, err)
	}

	processed := time.Now()
	if err := d.store.ClearBuzzer(ctx, doc.EID, processed); err != nil {
		// The command landed; a failed clear means one duplicate buzz
		// on the next pass, which the at-least-once contract allows.
		return fmt.Errorf("buzz: clear flag %s: %w", doc.EID, err)
	}
	d.mDelivered.Inc()
	d.hDeliver.Observe(time.Since(start).Seconds())
	d.log.Info("buzz delivered", structlog.Fields{"eid": doc.EID, "peer": addr, "session": session, "format": string(format)})
	_ = d.pub.Publish(context.Background(), events.Event{
		Type:    events.TypeActuationDone,
		Source:  "buzz",
		At:      processed,
		Payload: map[string]any{"eid": doc.EID, "peer": addr, "session": session},
	})
	return nil
}

// resolve scans for a peer whose advertised name, manufacturer data, or
// service data contains the identity, case-insensitively. Best-effort
// correlation, not a cryptographic binding.
func (d *Dispatcher) resolve(ctx context.Context, eid string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.ResolveTimeout)
	defer cancel()
	sub, err := d.scanner.Scan(sctx, ble.ScanParams{Window: d.cfg.ResolveTimeout, LowLatency: true})
	if err != nil {
		return "", fmt.Errorf("buzz: resolve scan: %w", err)
	}
	defer sub.Stop()

	needle := strings.ToLower(eid)
	for {
		select {
		case <-sctx.Done():
			return "", fmt.Errorf("%w: %s", ErrPeerNotFound, eid)
		case ad, ok := <-sub.Ads():
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrPeerNotFound, eid)
			}
			if adMatches(ad, needle) {
				return ad.Addr(), nil
			}
		}
	}
}

func adMatches(ad ble.Advertisement, needle string) bool {
	if strings.Contains(strings.ToLower(ad.LocalName()), needle) {
		return true
	}
	if payloadContains(ad.ManufacturerData(), needle) {
		return true
	}
	for _, data := range ad.ServiceData() {
		if payloadContains(data, needle) {
			return true
		}
	}
	return false
}

// payloadContains matches the needle against both the raw bytes and
// their hex form; firmwares embed the identity either way.
func payloadContains(data []byte, needle string) bool {
	if len(data) == 0 {
		return false
	}
	if bytes.Contains(bytes.ToLower(data), []byte(needle)) {
		return true
	}
	return strings.Contains(hex.EncodeToString(data), needle)
}
