// Package location defines the position record exchanged with the
// location subsystem, an external collaborator reached through the
// Provider interface.
package location

import (
	"context"
	"time"
)

// Record is a single position fix. The JSON field order is the
// canonical byte form sealed into telemetry envelopes.
type Record struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	TS  int64   `json:"ts"`
}

// Provider fetches the current position. Implementations must honor
// the context deadline; a fix that arrives late is worthless.
type Provider interface {
	Current(ctx context.Context) (Record, error)
}

// Func adapts an ordinary function to a Provider.
type Func func(ctx context.Context) (Record, error)

func (f Func) Current(ctx context.Context) (Record, error) { return f(ctx) }

// Fixed is a Provider pinned to one position, for deployments without
// a live position feed and for tests.
type Fixed Record

func (f Fixed) Current(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	return Record(f), nil
}

// Stream polls a Provider at the given interval and delivers fixes
// until the context is cancelled. Failed fetches are skipped; the
// stream only carries positions.
func Stream(ctx context.Context, p Provider, interval time.Duration) <-chan Record {
	out := make(chan Record, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, err := p.Current(ctx)
				if err != nil {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
