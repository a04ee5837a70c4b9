// Package ble abstracts the radio layer the tracker consumes: passive
// scanning, adapter power state, and connection-oriented peer sessions.
// The shapes mirror common Go BLE central APIs so a real backend can be
// dropped in behind them.
package ble

import (
	"context"
	"time"
)

// AdapterState is the power state of the local radio adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StatePoweredOff
	StatePoweredOn
	StateUnauthorized
	StateUnsupported
)

func (s AdapterState) String() string {
	switch s {
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Advertisement is a single observation delivered by the radio layer.
// Consumed read-only; the backend owns the underlying buffers until
// the callback returns.
type Advertisement interface {
	// Addr is an opaque device identifier, stable per session.
	Addr() string
	// RSSI is the received signal strength in dBm.
	RSSI() int
	LocalName() string
	ManufacturerData() []byte
	// ServiceData maps advertised service UUIDs to raw payload bytes.
	ServiceData() map[string][]byte
	Timestamp() time.Time
}

// ScanParams configures one scan session.
type ScanParams struct {
	// Window bounds the session duration; the backend stops delivering
	// once it elapses.
	Window time.Duration
	// LowLatency trades power for a denser duty cycle, used when
	// resolving a specific peer rather than passively collecting.
	LowLatency bool
}

// Subscription is a live scan session. Ads is closed when the session
// ends for any reason; Stop ends it early and is idempotent.
type Subscription interface {
	Ads() <-chan Advertisement
	Stop()
}

// Scanner starts scan sessions. Starting may fail transiently (adapter
// busy, permission revoked); callers retry on their own schedule.
type Scanner interface {
	Scan(ctx context.Context, p ScanParams) (Subscription, error)
}

// AdapterWatcher streams adapter power-state transitions.
type AdapterWatcher interface {
	States() <-chan AdapterState
}

// Characteristic is a writable data-exchange endpoint on a connected
// peer.
type Characteristic interface {
	Write(p []byte) error
}

// Peer is an established connection-oriented session.
type Peer interface {
	Addr() string
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	Close() error
}

// Connector establishes peer sessions.
type Connector interface {
	Connect(ctx context.Context, addr string) (Peer, error)
}

// Adv is a plain value implementation of Advertisement.
type Adv struct {
	Address string
	Signal  int
	Name    string
	MfgData []byte
	SvcData map[string][]byte
	Seen    time.Time
}

func (a Adv) Addr() string                   { return a.Address }
func (a Adv) RSSI() int                      { return a.Signal }
func (a Adv) LocalName() string              { return a.Name }
func (a Adv) ManufacturerData() []byte       { return a.MfgData }
func (a Adv) ServiceData() map[string][]byte { return a.SvcData }
func (a Adv) Timestamp() time.Time           { return a.Seen }
