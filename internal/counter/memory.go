package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store backend. All state lives behind one
// RWMutex; a background sweeper evicts expired entries so idle keys do not
// accumulate.
type MemoryStore struct {
	counters map[string]*counterEntry
	windows  map[string]*windowEntry
	values   map[string]*valueEntry
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	nowFunc  func() time.Time
}

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type windowEntry struct {
	members []windowMember
}

type windowMember struct {
	value     string
	expiresAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStoreConfig holds tuning for the in-process store.
type MemoryStoreConfig struct {
	SweepInterval time.Duration
}

// DefaultMemoryStoreConfig returns the default memory store configuration.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		SweepInterval: 1 * time.Minute,
	}
}

// NewMemoryStore creates a memory-backed Store and starts its sweeper.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.SweepInterval == 0 {
		config.SweepInterval = 1 * time.Minute
	}

	ms := &MemoryStore{
		counters: make(map[string]*counterEntry),
		windows:  make(map[string]*windowEntry),
		values:   make(map[string]*valueEntry),
		stopChan: make(chan struct{}),
		nowFunc:  time.Now,
	}

	go ms.sweepLoop(config.SweepInterval)

	return ms
}

func (ms *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	now := ms.nowFunc()
	entry, exists := ms.counters[key]
	if !exists || now.After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(ttl)}
		ms.counters[key] = entry
	}

	entry.value++
	return entry.value, nil
}

func (ms *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	entry, exists := ms.counters[key]
	if !exists || ms.nowFunc().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.value, nil
}

func (ms *MemoryStore) AddToWindow(ctx context.Context, key, member string, ttl time.Duration, max int) (int, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	now := ms.nowFunc()
	entry, exists := ms.windows[key]
	if !exists {
		entry = &windowEntry{}
		ms.windows[key] = entry
	}

	live := entry.members[:0]
	for _, m := range entry.members {
		if now.Before(m.expiresAt) {
			live = append(live, m)
		}
	}
	entry.members = live

	entry.members = append(entry.members, windowMember{value: member, expiresAt: now.Add(ttl)})
	if max > 0 && len(entry.members) > max {
		entry.members = entry.members[len(entry.members)-max:]
	}

	return len(entry.members), nil
}

func (ms *MemoryStore) Window(ctx context.Context, key string) ([]string, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	entry, exists := ms.windows[key]
	if !exists {
		return nil, nil
	}

	now := ms.nowFunc()
	members := make([]string, 0, len(entry.members))
	for _, m := range entry.members {
		if now.Before(m.expiresAt) {
			members = append(members, m.value)
		}
	}
	return members, nil
}

func (ms *MemoryStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.values[key] = &valueEntry{value: value, expiresAt: ms.nowFunc().Add(ttl)}
	return nil
}

func (ms *MemoryStore) GetValue(ctx context.Context, key string) (string, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	entry, exists := ms.values[key]
	if !exists || ms.nowFunc().After(entry.expiresAt) {
		return "", nil
	}
	return entry.value, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	delete(ms.counters, key)
	delete(ms.windows, key)
	delete(ms.values, key)
	return nil
}

func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() {
		close(ms.stopChan)
	})
	return nil
}

func (ms *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.stopChan:
			return
		case <-ticker.C:
			ms.sweep()
		}
	}
}

func (ms *MemoryStore) sweep() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	now := ms.nowFunc()

	for key, entry := range ms.counters {
		if now.After(entry.expiresAt) {
			delete(ms.counters, key)
		}
	}

	for key, entry := range ms.windows {
		live := entry.members[:0]
		for _, m := range entry.members {
			if now.Before(m.expiresAt) {
				live = append(live, m)
			}
		}
		entry.members = live
		if len(entry.members) == 0 {
			delete(ms.windows, key)
		}
	}

	for key, entry := range ms.values {
		if now.After(entry.expiresAt) {
			delete(ms.values, key)
		}
	}
}
