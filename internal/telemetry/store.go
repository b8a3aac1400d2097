// Package telemetry owns the per-node sample ring buffers and the grid-wide
// aggregator.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
)

// DefaultRingCapacity retains about one hour of samples at 1 Hz.
const DefaultRingCapacity = 3600

// Store keeps, per node, a fixed-capacity ring of samples plus a latest
// slot for short-path reads. Each node has a single writer (its supervisor);
// readers take the node lock only long enough to copy.
type Store struct {
	capacity int

	mu    sync.RWMutex
	nodes map[string]*nodeBuffer
}

type nodeBuffer struct {
	mu     sync.RWMutex
	ring   []model.TelemetrySample
	head   int // next write position
	count  int
	latest model.TelemetrySample
	hasAny bool
}

// NewStore creates a store with the given per-node ring capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Store{
		capacity: capacity,
		nodes:    make(map[string]*nodeBuffer),
	}
}

func (s *Store) buffer(nodeID string) *nodeBuffer {
	s.mu.RLock()
	nb, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if ok {
		return nb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if nb, ok = s.nodes[nodeID]; ok {
		return nb
	}
	nb = &nodeBuffer{ring: make([]model.TelemetrySample, s.capacity)}
	s.nodes[nodeID] = nb
	return nb
}

// Append stores one sample, evicting the oldest when the ring is full.
func (s *Store) Append(sample model.TelemetrySample) {
	nb := s.buffer(sample.NodeID)
	nb.mu.Lock()
	defer nb.mu.Unlock()

	nb.ring[nb.head] = sample
	nb.head = (nb.head + 1) % len(nb.ring)
	if nb.count < len(nb.ring) {
		nb.count++
	}
	nb.latest = sample
	nb.hasAny = true
}

// Latest returns the most recent sample for a node.
func (s *Store) Latest(nodeID string) (model.TelemetrySample, bool) {
	s.mu.RLock()
	nb, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return model.TelemetrySample{}, false
	}
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	if !nb.hasAny {
		return model.TelemetrySample{}, false
	}
	return nb.latest, true
}

// LatestAll returns the latest sample of every node under a consistent
// per-node view.
func (s *Store) LatestAll() map[string]model.TelemetrySample {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]model.TelemetrySample, len(ids))
	for _, id := range ids {
		if sample, ok := s.Latest(id); ok {
			out[id] = sample
		}
	}
	return out
}

// Query returns up to limit samples for a node within [from, to], oldest
// first. Zero time bounds are open.
func (s *Store) Query(nodeID string, from, to time.Time, limit int) []model.TelemetrySample {
	s.mu.RLock()
	nb, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	nb.mu.RLock()
	samples := make([]model.TelemetrySample, 0, nb.count)
	start := nb.head - nb.count
	if start < 0 {
		start += len(nb.ring)
	}
	for i := 0; i < nb.count; i++ {
		samples = append(samples, nb.ring[(start+i)%len(nb.ring)])
	}
	nb.mu.RUnlock()

	filtered := samples[:0]
	for _, sm := range samples {
		if !from.IsZero() && sm.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && sm.Timestamp.After(to) {
			continue
		}
		filtered = append(filtered, sm)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})
	if limit > 0 && len(filtered) > limit {
		// Keep the most recent window.
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// Count returns how many samples are currently retained for a node.
func (s *Store) Count(nodeID string) int {
	s.mu.RLock()
	nb, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	return nb.count
}
