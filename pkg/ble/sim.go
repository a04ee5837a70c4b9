package ble

import (
	"context"
	"errors"
	"sync"
)

// ErrAdapterOff is returned by Sim when a scan or connect is attempted
// while the simulated adapter is not powered on.
var ErrAdapterOff = errors.New("ble: adapter not powered on")

// Sim is an in-memory radio backend. It implements Scanner,
// AdapterWatcher and Connector, and lets callers inject advertisements
// and peers. trackerd falls back to it when no hardware backend is
// configured, and the scheduler/dispatcher tests drive it directly.
type Sim struct {
	mu     sync.Mutex
	state  AdapterState
	states chan AdapterState
	subs   map[*simSub]struct{}
	peers  map[string]*SimPeer
}

// NewSim returns a simulated radio with the adapter powered on.
func NewSim() *Sim {
	return &Sim{
		state:  StatePoweredOn,
		states: make(chan AdapterState, 8),
		subs:   make(map[*simSub]struct{}),
		peers:  make(map[string]*SimPeer),
	}
}

// SetAdapterState transitions the simulated adapter and notifies the
// state stream.
func (s *Sim) SetAdapterState(st AdapterState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.states <- st
}

func (s *Sim) States() <-chan AdapterState { return s.states }

// Broadcast delivers an advertisement to every active scan session.
// Delivery is best-effort: a session whose consumer fell behind drops
// the observation, as real radio stacks do.
func (s *Sim) Broadcast(ad Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ads <- ad:
		default:
		}
	}
}

// ActiveScans reports how many scan sessions are currently live.
func (s *Sim) ActiveScans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Sim) Scan(ctx context.Context, p ScanParams) (Subscription, error) {
	s.mu.Lock()
	if s.state != StatePoweredOn {
		s.mu.Unlock()
		return nil, ErrAdapterOff
	}
	sub := &simSub{sim: s, ads: make(chan Advertisement, 64), done: make(chan struct{})}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {}
	if p.Window > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.Window)
	}
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// AddPeer registers a connectable peer at addr.
func (s *Sim) AddPeer(p *SimPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.Address] = p
}

func (s *Sim) Connect(ctx context.Context, addr string) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePoweredOn {
		return nil, ErrAdapterOff
	}
	p, ok := s.peers[addr]
	if !ok {
		return nil, errors.New("ble: no such peer " + addr)
	}
	return p, nil
}

type simSub struct {
	sim  *Sim
	ads  chan Advertisement
	once sync.Once
	done chan struct{}
}

func (s *simSub) Ads() <-chan Advertisement { return s.ads }

func (s *simSub) Stop() {
	s.once.Do(func() {
		s.sim.mu.Lock()
		delete(s.sim.subs, s)
		s.sim.mu.Unlock()
		close(s.done)
		close(s.ads)
	})
}

// SimPeer records characteristic writes for inspection.
type SimPeer struct {
	Address string
	// WriteErr, when set, makes every characteristic write fail.
	WriteErr error

	mu     sync.Mutex
	writes map[string][][]byte
	closed bool
}

// NewSimPeer returns a connectable peer at addr.
func NewSimPeer(addr string) *SimPeer {
	return &SimPeer{Address: addr, writes: make(map[string][][]byte)}
}

func (p *SimPeer) Addr() string { return p.Address }

func (p *SimPeer) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	return &simChar{peer: p, key: serviceUUID + "/" + charUUID}, nil
}

func (p *SimPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *SimPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Writes returns the payloads written to the given endpoint.
func (p *SimPeer) Writes(serviceUUID, charUUID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes[serviceUUID+"/"+charUUID]...)
}

type simChar struct {
	peer *SimPeer
	key  string
}

func (c *simChar) Write(b []byte) error {
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	if c.peer.WriteErr != nil {
		return c.peer.WriteErr
	}
	c.peer.writes[c.key] = append(c.peer.writes[c.key], append([]byte(nil), b...))
	return nil
}
