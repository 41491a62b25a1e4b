// Package testutil provides in-memory fakes and mock servers shared by tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/scrimtrack/scrimtrack/tracker"
)

// MemStore is an in-memory tracker.Store for tests.
type MemStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	alarm time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	s.alarm = time.Time{}
	return nil
}

func (s *MemStore) SetAlarm(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarm = at
	return nil
}

func (s *MemStore) GetAlarm(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarm, nil
}

func (s *MemStore) DeleteAlarm(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarm = time.Time{}
	return nil
}

// Keys returns the stored keys, for asserting storage was cleared.
func (s *MemStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

// MemProvider is an in-memory tracker.StoreProvider.
type MemProvider struct {
	mu     sync.Mutex
	stores map[string]*MemStore
}

func NewMemProvider() *MemProvider {
	return &MemProvider{stores: make(map[string]*MemStore)}
}

func (p *MemProvider) Series(seriesKey string) tracker.Store {
	return p.Mem(seriesKey)
}

// Mem returns the concrete store for direct inspection in tests.
func (p *MemProvider) Mem(seriesKey string) *MemStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stores[seriesKey]
	if !ok {
		st = NewMemStore()
		p.stores[seriesKey] = st
	}
	return st
}

func (p *MemProvider) ActiveSeries(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for k, st := range p.stores {
		st.mu.Lock()
		_, hasState := st.data["state"]
		st.mu.Unlock()
		if hasState {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
