package discovery

import (
	"fmt"
	rand "math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/solo/internal/hash"
	"github.com/arloliu/solo/types"
)

// Strategy selects how Select picks an instance.
type Strategy int

const (
	// RoundRobin rotates through instances per service.
	RoundRobin Strategy = iota

	// Random picks uniformly.
	Random

	// ConsistentHash maps the WithKey routing key onto an xxh3 ring of instances.
	ConsistentHash

	// PreferActive picks the sticky-active leader when one is registered.
	PreferActive
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case ConsistentHash:
		return "consistent_hash"
	case PreferActive:
		return "prefer_active"
	default:
		return "unknown"
	}
}

// ParseStrategy parses the String form of a strategy, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round_robin", "roundrobin", "":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "consistent_hash", "consistenthash":
		return ConsistentHash, nil
	case "prefer_active", "preferactive":
		return PreferActive, nil
	default:
		return 0, fmt.Errorf("unknown selection strategy %q", s)
	}
}

// Selector picks one instance from a non-empty, healthy candidate list.
// Implementations are safe for concurrent use.
type Selector interface {
	// Select returns one of instances, or nil if instances is empty.
	//
	// Parameters:
	//   - service: Service the candidates belong to (for per-service state)
	//   - instances: Candidates in stable order
	//   - key: Routing key, only used by key-affine selectors
	Select(service types.ServiceName, instances []types.ServiceInstance, key string) *types.ServiceInstance
}

type selectors struct {
	roundRobin     *roundRobinSelector
	random         randomSelector
	consistentHash *consistentHashSelector
	preferActive   *preferActiveSelector
}

func newSelectors(virtualNodes int) *selectors {
	rr := &roundRobinSelector{counters: xsync.NewMap[types.ServiceName, *atomic.Uint64]()}

	return &selectors{
		roundRobin: rr,
		consistentHash: &consistentHashSelector{
			virtualNodes: virtualNodes,
			rings:        xsync.NewMap[types.ServiceName, *ringEntry](),
		},
		preferActive: &preferActiveSelector{fallback: rr},
	}
}

func (s *selectors) get(strategy Strategy) Selector {
	switch strategy {
	case Random:
		return s.random
	case ConsistentHash:
		return s.consistentHash
	case PreferActive:
		return s.preferActive
	default:
		return s.roundRobin
	}
}

type roundRobinSelector struct {
	counters *xsync.Map[types.ServiceName, *atomic.Uint64]
}

func (s *roundRobinSelector) Select(service types.ServiceName, instances []types.ServiceInstance, _ string) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	counter, ok := s.counters.Load(service)
	if !ok {
		counter, _ = s.counters.LoadOrStore(service, &atomic.Uint64{})
	}
	n := counter.Add(1) - 1

	return &instances[n%uint64(len(instances))]
}

type randomSelector struct{}

func (randomSelector) Select(_ types.ServiceName, instances []types.ServiceInstance, _ string) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	return &instances[rand.IntN(len(instances))] //nolint:gosec // load spreading, not security
}

type ringEntry struct {
	signature string
	ring      *hash.Ring
}

// consistentHashSelector caches one ring per service and rebuilds it when
// membership changes.
type consistentHashSelector struct {
	virtualNodes int
	rings        *xsync.Map[types.ServiceName, *ringEntry]
}

func (s *consistentHashSelector) Select(service types.ServiceName, instances []types.ServiceInstance, key string) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	ids := make([]string, len(instances))
	byID := make(map[string]int, len(instances))
	for i := range instances {
		ids[i] = string(instances[i].InstanceID)
		byID[ids[i]] = i
	}
	sig := strings.Join(ids, ",")

	entry, ok := s.rings.Load(service)
	if !ok || entry.signature != sig {
		entry = &ringEntry{signature: sig, ring: hash.NewRing(ids, s.virtualNodes, 0)}
		s.rings.Store(service, entry)
	}

	idx, ok := byID[entry.ring.GetNode(key)]
	if !ok {
		return &instances[0]
	}

	return &instances[idx]
}

// preferActiveSelector returns the sticky-active leader. Without one it
// prefers ACTIVE status instances, then anything, rotating via fallback.
type preferActiveSelector struct {
	fallback *roundRobinSelector
}

func (s *preferActiveSelector) Select(service types.ServiceName, instances []types.ServiceInstance, key string) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	var active []types.ServiceInstance
	for i := range instances {
		if instances[i].IsStickyActive() {
			return &instances[i]
		}
		if instances[i].Status == types.StatusActive {
			active = append(active, instances[i])
		}
	}
	if len(active) > 0 {
		return s.fallback.Select(service, active, key)
	}

	return s.fallback.Select(service, instances, key)
}
