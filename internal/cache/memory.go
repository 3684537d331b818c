package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	memoryMaxBytes = 64 << 20
	memoryCounters = 10_000
	memoryTTL      = 10 * time.Minute
)

// memoryLayer keeps hot thumbnail bytes in-process so repeated reads skip
// the Redis round trip. Entries expire early; Redis stays the shared tier.
type memoryLayer struct {
	cache *ristretto.Cache
}

func newMemoryLayer() (*memoryLayer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: memoryCounters,
		MaxCost:     memoryMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &memoryLayer{cache: cache}, nil
}

func (m *memoryLayer) get(key string) ([]byte, bool) {
	value, found := m.cache.Get(key)
	if !found {
		return nil, false
	}
	data, ok := value.([]byte)
	return data, ok
}

func (m *memoryLayer) set(key string, data []byte) {
	m.cache.SetWithTTL(key, data, int64(len(data)), memoryTTL)
}

func (m *memoryLayer) del(key string) {
	m.cache.Del(key)
}

func (m *memoryLayer) close() {
	m.cache.Close()
}
