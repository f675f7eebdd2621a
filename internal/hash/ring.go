// Package hash provides the xxh3 consistent hash ring behind the
// consistent-hash instance selector.
package hash

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// DefaultVirtualNodes is the number of ring points per member used when the
// caller passes a non-positive count.
const DefaultVirtualNodes = 150

// Ring maps routing keys to members with consistent hashing.
//
// Adding or removing one member only moves the keys that member owned, which
// keeps request affinity stable while instances come and go.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by hash
	nodes []virtualNode

	// members holds the unique members in insertion order
	members []string

	seed uint64
}

type virtualNode struct {
	hash      uint64
	memberIdx int
}

// NewRing builds a ring over members.
//
// Parameters:
//   - members: Member IDs, duplicates are ignored
//   - virtualNodes: Ring points per member (higher = smoother distribution)
//   - seed: Hash seed, 0 for unseeded hashing
//
// Returns:
//   - *Ring: Immutable ring, safe for concurrent lookups
//
// Example:
//
//	ring := hash.NewRing([]string{"orders-1", "orders-2"}, 150, 0)
//	owner := ring.GetNode("customer-42")
func NewRing(members []string, virtualNodes int, seed uint64) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	seen := make(map[string]struct{}, len(members))
	uniq := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		uniq = append(uniq, m)
	}

	ring := &Ring{
		nodes:   make([]virtualNode, 0, len(uniq)*virtualNodes),
		members: uniq,
		seed:    seed,
	}
	for i, m := range ring.members {
		ring.addMember(m, i, virtualNodes)
	}

	slices.SortFunc(ring.nodes, func(a, b virtualNode) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return a.memberIdx - b.memberIdx
		}
	})

	return ring
}

// GetNode returns the member owning key, or "" for an empty ring.
func (r *Ring) GetNode(key string) string {
	idx := r.GetNodeIndex(key)
	if idx < 0 {
		return ""
	}

	return r.members[idx]
}

// GetNodeIndex returns the index into Members of the owner of key, or -1 for
// an empty ring.
func (r *Ring) GetNodeIndex(key string) int {
	if len(r.nodes) == 0 {
		return -1
	}

	target := r.hash(key)
	idx, _ := slices.BinarySearchFunc(r.nodes, target, func(node virtualNode, t uint64) int {
		if node.hash < t {
			return -1
		}
		if node.hash > t {
			return 1
		}

		return 0
	})
	if idx >= len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].memberIdx
}

// Members returns a copy of the unique members on the ring.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Size returns the total number of virtual nodes.
func (r *Ring) Size() int {
	return len(r.nodes)
}

func (r *Ring) addMember(member string, idx int, virtualNodes int) {
	base := r.hash(member)
	for i := range virtualNodes {
		// Fold the vnode index into the member hash instead of hashing a
		// concatenated string.
		var ib [8]byte
		binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
		r.nodes = append(r.nodes, virtualNode{
			hash:      xxh3.HashSeed(ib[:], base),
			memberIdx: idx,
		})
	}
}

func (r *Ring) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}

	return xxh3.HashString(key)
}
