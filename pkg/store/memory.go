package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and when no remote
// backend is configured.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]DeviceDoc
	reports map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:    map[string]DeviceDoc{},
		reports: map[string][]string{},
	}
}

func (m *Memory) Get(ctx context.Context, eid string) (DeviceDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[eid]
	if !ok {
		return DeviceDoc{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) PutRegistration(ctx context.Context, eid, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[eid]
	doc.EID = eid
	doc.PublicKey = publicKey
	doc.Registered = true
	m.docs[eid] = doc
	return nil
}

func (m *Memory) AppendReport(ctx context.Context, eid, envelope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[eid] = append(m.reports[eid], envelope)
	return nil
}

func (m *Memory) Reports(ctx context.Context, eid string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.reports[eid]...), nil
}

func (m *Memory) SetBuzzer(ctx context.Context, eid string, durationMS int, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[eid]
	doc.EID = eid
	doc.BuzzerFlag = true
	doc.BuzzerDuration = durationMS
	doc.CommandFormat = format
	doc.BuzzerRequestedAt = time.Now().Unix()
	m.docs[eid] = doc
	return nil
}

func (m *Memory) ClearBuzzer(ctx context.Context, eid string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[eid]
	if !ok {
		return ErrNotFound
	}
	doc.BuzzerFlag = false
	doc.BuzzerProcessedAt = processedAt.Unix()
	m.docs[eid] = doc
	return nil
}

func (m *Memory) QueryBuzzing(ctx context.Context) ([]DeviceDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DeviceDoc
	for _, doc := range m.docs {
		if doc.BuzzerFlag {
			out = append(out, doc)
		}
	}
	return out, nil
}
