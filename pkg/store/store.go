// Package store is the boundary to the shared remote document store:
// one document per rotating identity holding the published public key,
// the append-only sealed report sequence, and the buzzer request flag.
// Access is last-writer-wins; the buzzer flag is idempotent and report
// appends are atomic, so no cross-process locking is needed.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no document exists for an identity.
var ErrNotFound = errors.New("store: document not found")

// DeviceDoc is the per-identity remote document.
type DeviceDoc struct {
	EID               string `json:"eid"`
	PublicKey         string `json:"publicKey"`
	Registered        bool   `json:"registered"`
	BuzzerFlag        bool   `json:"buzzerFlag"`
	BuzzerDuration    int    `json:"buzzerDuration"` // milliseconds
	CommandFormat     string `json:"commandFormat"`
	BuzzerRequestedAt int64  `json:"buzzerRequestedAt,omitempty"`
	BuzzerProcessedAt int64  `json:"buzzerProcessedAt,omitempty"`
}

// Store is the document access the core needs. Implementations merge
// on write: fields not named by an operation are left untouched.
type Store interface {
	// Get fetches the document for eid, or ErrNotFound.
	Get(ctx context.Context, eid string) (DeviceDoc, error)
	// PutRegistration publishes a public key and marks the identity
	// registered, preserving any pending buzzer state.
	PutRegistration(ctx context.Context, eid, publicKey string) error
	// AppendReport atomically appends one serialized envelope to the
	// identity's ordered report sequence.
	AppendReport(ctx context.Context, eid, envelope string) error
	// Reports returns the identity's report sequence, oldest first.
	Reports(ctx context.Context, eid string) ([]string, error)
	// SetBuzzer arms the actuation request.
	SetBuzzer(ctx context.Context, eid string, durationMS int, format string) error
	// ClearBuzzer disarms the request and stamps completion.
	ClearBuzzer(ctx context.Context, eid string, processedAt time.Time) error
	// QueryBuzzing lists documents whose buzzer flag is set.
	QueryBuzzing(ctx context.Context) ([]DeviceDoc, error)
}
