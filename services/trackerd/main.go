package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tagtrace/pkg/ble"
	"tagtrace/pkg/buzz"
	"tagtrace/pkg/events"
	"tagtrace/pkg/keystore"
	"tagtrace/pkg/location"
	"tagtrace/pkg/metrics"
	"tagtrace/pkg/presence"
	"tagtrace/pkg/scan"
	"tagtrace/pkg/store"
	"tagtrace/pkg/structlog"
	"tagtrace/pkg/telemetry"
	"tagtrace/shared/config"
)

func main() {
	log := structlog.NewLogger("trackerd", structlog.ParseLevel(config.Get("TRACKERD_LOG_LEVEL", "info")), os.Stdout)
	structlog.SetDefaultLogger(log)

	port := config.GetInt("TRACKERD_PORT", 8680)
	reg := metrics.NewRegistry()

	ks, err := keystore.OpenFromEnv(config.Get("TRACKERD_KEYSTORE", "data/keys.enc"), "TRACKERD_MASTER_KEY")
	if err != nil {
		log.Fatal("open keystore", structlog.Fields{"error": err.Error()})
	}

	var st store.Store
	if addr := config.Get("REDIS_ADDR", ""); addr != "" {
		rs := store.NewRedis(addr)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal("redis unreachable", structlog.Fields{"addr": addr, "error": err.Error()})
		}
		st = rs
		log.Info("using redis store", structlog.Fields{"addr": addr})
	} else {
		st = store.NewMemory()
		log.Warn("REDIS_ADDR not set, using in-memory store", nil)
	}

	var pub events.Publisher
	if url := config.Get("NATS_URL", ""); url != "" {
		np, err := events.ConnectNATS(url, config.Get("NATS_SUBJECT_PREFIX", "tagtrace"))
		if err != nil {
			log.Fatal("nats connect", structlog.Fields{"url": url, "error": err.Error()})
		}
		defer np.Close()
		pub = np
		log.Info("publishing events to nats", structlog.Fields{"url": url})
	} else {
		bus := events.NewBus(64)
		defer bus.Close()
		bus.Register(eventLogger{log.WithFields(structlog.Fields{"component": "events"})})
		pub = bus
	}

	// The radio layer is an external collaborator; until a hardware
	// backend is linked in, the simulated central keeps the pipeline
	// exercisable end to end.
	sim := ble.NewSim()
	var (
		scanner ble.Scanner        = sim
		adapter ble.AdapterWatcher = sim
		conn    ble.Connector      = sim
	)

	var prov location.Provider = location.Fixed{
		Lat: config.GetFloat("TRACKERD_LAT", 0),
		Lng: config.GetFloat("TRACKERD_LNG", 0),
	}
	prov = stampingProvider{prov}

	cache := presence.New(config.GetInt("TRACKERD_CACHE_CAP", presence.DefaultCapacity))
	reporter := telemetry.New(st, prov,
		config.GetDuration("TRACKERD_LOCATION_TIMEOUT", telemetry.DefaultLocationTimeout),
		log.WithFields(structlog.Fields{"component": "telemetry"}), reg)

	sched := scan.New(scan.Options{
		Config: scan.Config{
			TickInterval: config.GetDuration("TRACKERD_SCAN_TICK", scan.DefaultTickInterval),
			ScanWindow:   config.GetDuration("TRACKERD_SCAN_WINDOW", scan.DefaultScanWindow),
		},
		Scanner:  scanner,
		Adapter:  adapter,
		Cache:    cache,
		Reporter: reporter,
		Events:   pub,
		Log:      log.WithFields(structlog.Fields{"component": "scan"}),
		Metrics:  reg,
	})
	disp := buzz.New(buzz.Options{
		Config: buzz.Config{
			PollInterval:   config.GetDuration("TRACKERD_BUZZ_POLL", buzz.DefaultPollInterval),
			ResolveTimeout: config.GetDuration("TRACKERD_BUZZ_RESOLVE_TIMEOUT", buzz.DefaultResolveTimeout),
			Linger:         config.GetDuration("TRACKERD_BUZZ_LINGER", buzz.DefaultLinger),
		},
		Store:     st,
		Scanner:   scanner,
		Connector: conn,
		Events:    pub,
		Log:       log.WithFields(structlog.Fields{"component": "buzz"}),
		Metrics:   reg,
	})

	api := newAPI(ks, st, cache, []byte(config.Get("TRACKERD_API_SECRET", "")), log, reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", reg)
	api.routes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start()
	disp.Start()
	log.Info("trackerd up", structlog.Fields{"port": port})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", structlog.Fields{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", nil)
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	sched.Stop()
	disp.Stop()
}

// eventLogger surfaces core events in the daemon log when no external
// broker is configured.
type eventLogger struct {
	log *structlog.Logger
}

func (e eventLogger) Topics() []string {
	return []string{
		events.TypeSighting,
		events.TypeActuationDone,
		events.TypeActuationTimeout,
		events.TypeAdapterOff,
		events.TypeScanError,
	}
}

func (e eventLogger) Handle(ctx context.Context, evt events.Event) {
	e.log.Info(evt.Type, structlog.Fields{"source": evt.Source, "payload": evt.Payload})
}

// stampingProvider fills in the observation time on fixes from
// providers that only know a position.
type stampingProvider struct {
	location.Provider
}

func (p stampingProvider) Current(ctx context.Context) (location.Record, error) {
	rec, err := p.Provider.Current(ctx)
	if err != nil {
		return rec, err
	}
	if rec.TS == 0 {
		rec.TS = time.Now().Unix()
	}
	return rec, nil
}
