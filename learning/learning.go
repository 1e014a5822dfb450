// Package learning tracks per-device quirks observed at runtime: which
// brightness range a device speaks, whether it needs a power-on before a
// brightness change, and whether offline should be reported as off.
package learning

import (
	"context"
	"sync"
)

// Brightness range markers for LearnedInfo. RangeUnknown means nothing has
// been learned yet; RangeNone marks devices that cannot report state.
const (
	RangeUnknown = 0
	RangeNone    = -1
	Range100     = 100
	Range254     = 254
)

// LearnedInfo holds the learned and user-configured parameters for one
// device. The zero value means "nothing learned".
type LearnedInfo struct {
	// SetBrightnessMax is the native range accepted by the control endpoint.
	SetBrightnessMax int `json:"set_brightness_max,omitempty"`
	// GetBrightnessMax is the native range seen in state poll responses.
	GetBrightnessMax int `json:"get_brightness_max,omitempty"`
	// BeforeSetBrightnessTurnOn asks for a turn-on command before any
	// brightness > 0 is sent. Not learnable, user-configured.
	BeforeSetBrightnessTurnOn bool `json:"before_set_brightness_turn_on,omitempty"`
	// ConfigOfflineIsOff reports the device as powered off while offline.
	ConfigOfflineIsOff bool `json:"config_offline_is_off,omitempty"`
	// BrightnessRangeLocked pins the two ranges; auto-learning never
	// touches a locked entry. Set it when the user configured the ranges
	// explicitly.
	BrightnessRangeLocked bool `json:"brightness_range_locked,omitempty"`
}

// Storage persists learned parameters across restarts. Read is called once
// at client construction, Write whenever learned values change. The default
// MemoryStorage loses data on restart by design.
type Storage interface {
	Read(ctx context.Context) (map[string]LearnedInfo, error)
	Write(ctx context.Context, infos map[string]LearnedInfo) error
}

// MemoryStorage is the default non-durable Storage.
type MemoryStorage struct {
	mu    sync.Mutex
	infos map[string]LearnedInfo
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{infos: make(map[string]LearnedInfo)}
}

// Read returns a copy of the stored mapping.
func (s *MemoryStorage) Read(_ context.Context) (map[string]LearnedInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]LearnedInfo, len(s.infos))
	for k, v := range s.infos {
		out[k] = v
	}
	return out, nil
}

// Write replaces the stored mapping.
func (s *MemoryStorage) Write(_ context.Context, infos map[string]LearnedInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = make(map[string]LearnedInfo, len(infos))
	for k, v := range infos {
		s.infos[k] = v
	}
	return nil
}

// Book is the in-process cache in front of a Storage. It reads once lazily
// and writes through on every change.
type Book struct {
	mu      sync.Mutex
	storage Storage
	infos   map[string]LearnedInfo
	loaded  bool
}

// NewBook wraps storage; a nil storage falls back to MemoryStorage.
func NewBook(storage Storage) *Book {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Book{storage: storage}
}

// Load primes the cache from storage. Safe to call more than once; only the
// first call hits the storage.
func (b *Book) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

func (b *Book) loadLocked(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	infos, err := b.storage.Read(ctx)
	if err != nil {
		return err
	}
	if infos == nil {
		infos = make(map[string]LearnedInfo)
	}
	b.infos = infos
	b.loaded = true
	return nil
}

// Get returns the learned info for a device, loading the cache if needed.
// The boolean reports whether an entry exists; a missing entry yields the
// zero LearnedInfo.
func (b *Book) Get(ctx context.Context, deviceID string) (LearnedInfo, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(ctx); err != nil {
		return LearnedInfo{}, false, err
	}
	info, ok := b.infos[deviceID]
	return info, ok, nil
}

// Put stores the info for a device and writes the full mapping through to
// storage.
func (b *Book) Put(ctx context.Context, deviceID string, info LearnedInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(ctx); err != nil {
		return err
	}
	b.infos[deviceID] = info
	return b.storage.Write(ctx, b.snapshotLocked())
}

// Flush rewrites the current mapping to storage.
func (b *Book) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return nil
	}
	return b.storage.Write(ctx, b.snapshotLocked())
}

func (b *Book) snapshotLocked() map[string]LearnedInfo {
	out := make(map[string]LearnedInfo, len(b.infos))
	for k, v := range b.infos {
		out[k] = v
	}
	return out
}
