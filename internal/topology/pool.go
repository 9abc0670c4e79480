// Package topology coordinates the source → descriptor pool pipeline: it
// gathers source bodies, decodes them, and merges the results into a
// deduplicated, deterministically ordered descriptor set.
package topology

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// DescriptorPool holds at most one descriptor per fingerprint. When two
// sources publish the same node, the one from the higher-precedence source
// (lower priority value) wins; equal priorities keep the first seen.
type DescriptorPool struct {
	nodes *xsync.Map[node.Fingerprint, node.Descriptor]
}

// NewDescriptorPool creates an empty pool.
func NewDescriptorPool() *DescriptorPool {
	return &DescriptorPool{
		nodes: xsync.NewMap[node.Fingerprint, node.Descriptor](),
	}
}

// Add offers a descriptor to the pool and reports whether it was stored.
// Descriptors without an address or port are dropped.
func (p *DescriptorPool) Add(d node.Descriptor) bool {
	if d.Address == "" || d.Port == 0 {
		return false
	}
	stored := false
	p.nodes.Compute(d.Fingerprint(), func(existing node.Descriptor, loaded bool) (node.Descriptor, xsync.ComputeOp) {
		if loaded && d.Priority >= existing.Priority {
			return existing, xsync.CancelOp
		}
		stored = true
		return d, xsync.UpdateOp
	})
	return stored
}

// AddAll offers a stream of descriptors in order and returns how many were stored.
func (p *DescriptorPool) AddAll(ds []node.Descriptor) int {
	n := 0
	for _, d := range ds {
		if p.Add(d) {
			n++
		}
	}
	return n
}

// Get retrieves a descriptor by fingerprint.
func (p *DescriptorPool) Get(f node.Fingerprint) (node.Descriptor, bool) {
	return p.nodes.Load(f)
}

// Size returns the number of distinct descriptors.
func (p *DescriptorPool) Size() int {
	return p.nodes.Size()
}

// Sorted returns every descriptor ordered by (priority, address), with
// port, protocol and fingerprint as final tie-breakers.
func (p *DescriptorPool) Sorted() []node.Descriptor {
	out := make([]node.Descriptor, 0, p.nodes.Size())
	p.nodes.Range(func(_ node.Fingerprint, d node.Descriptor) bool {
		out = append(out, d)
		return true
	})
	SortDescriptors(out)
	return out
}

// SortDescriptors orders descriptors by (priority, address, port, protocol, fingerprint).
func SortDescriptors(ds []node.Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		fa, fb := a.Fingerprint(), b.Fingerprint()
		return fa.Hex() < fb.Hex()
	})
}

// Merge folds descriptor streams into one deduplicated, sorted list.
// Streams are consumed in argument order, which decides equal-priority ties.
func Merge(streams ...[]node.Descriptor) []node.Descriptor {
	pool := NewDescriptorPool()
	for _, s := range streams {
		pool.AddAll(s)
	}
	return pool.Sorted()
}
