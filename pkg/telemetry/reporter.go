// Package telemetry turns a beacon sighting into a sealed location
// report appended to the identity's remote document.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tagtrace/pkg/location"
	"tagtrace/pkg/metrics"
	"tagtrace/pkg/seal"
	"tagtrace/pkg/store"
	"tagtrace/pkg/structlog"
)

// DefaultLocationTimeout bounds the current-position fetch per report.
const DefaultLocationTimeout = 10 * time.Second

// Reporter encrypts sightings for their registered owners. The
// scheduler invokes it at most once per device per scan cycle.
type Reporter struct {
	store    store.Store
	provider location.Provider
	timeout  time.Duration
	log      *structlog.Logger

	mReported     *metrics.Counter
	mNoLocation   *metrics.Counter
	mUnregistered *metrics.Counter
	mStoreErrors  *metrics.Counter
}

// New builds a Reporter. reg may be nil to skip metric registration;
// timeout <= 0 uses DefaultLocationTimeout.
func New(st store.Store, provider location.Provider, timeout time.Duration, log *structlog.Logger, reg *metrics.Registry) *Reporter {
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	if log == nil {
		log = structlog.NewLogger("telemetry", structlog.LevelInfo, nil)
	}
	r := &Reporter{
		store:         st,
		provider:      provider,
		timeout:       timeout,
		log:           log,
		mReported:     metrics.NewCounter("telemetry_reports_total", "Sealed location reports appended"),
		mNoLocation:   metrics.NewCounter("telemetry_no_location_total", "Sightings skipped for lack of a position fix"),
		mUnregistered: metrics.NewCounter("telemetry_unregistered_total", "Sightings of identities without a published key"),
		mStoreErrors:  metrics.NewCounter("telemetry_store_errors_total", "Remote store failures while reporting"),
	}
	if reg != nil {
		reg.Register(r.mReported)
		reg.Register(r.mNoLocation)
		reg.Register(r.mUnregistered)
		reg.Register(r.mStoreErrors)
	}
	return r
}

// Report fetches the current position, seals it under the identity's
// published public key, and appends the envelope to its report
// sequence. The returned record is non-nil whenever a position fix was
// obtained, even if sealing or storing failed afterwards, so callers
// can still attach it to the local cache. A missing fix or an
// unregistered identity is a skip, not an error.
func (r *Reporter) Report(ctx context.Context, eid string) (*location.Record, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := r.provider.Current(lctx)
	if err != nil {
		// No fix, nothing to encrypt. The sighting is already cached.
		r.mNoLocation.Inc()
		r.log.Debug("location fetch failed", structlog.Fields{"eid": eid, "error": err.Error()})
		return nil, nil
	}

	doc, err := r.store.Get(ctx, eid)
	if errors.Is(err, store.ErrNotFound) {
		r.mUnregistered.Inc()
		return &rec, nil
	}
	if err != nil {
		r.mStoreErrors.Inc()
		return &rec, fmt.Errorf("telemetry: fetch document %s: %w", eid, err)
	}
	if !doc.Registered || doc.PublicKey == "" {
		r.mUnregistered.Inc()
		return &rec, nil
	}

	pub, err := seal.ParsePublicKey(doc.PublicKey)
	if err != nil {
		return &rec, fmt.Errorf("telemetry: %s: %w", eid, err)
	}
	env, err := seal.Encrypt(pub, rec)
	if err != nil {
		return &rec, fmt.Errorf("telemetry: seal %s: %w", eid, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return &rec, err
	}
	if err := r.store.AppendReport(ctx, eid, string(payload)); err != nil {
		r.mStoreErrors.Inc()
		return &rec, fmt.Errorf("telemetry: append %s: %w", eid, err)
	}
	r.mReported.Inc()
	return &rec, nil
}
