// Package domain implements the per-topology "domain" abstraction from
// spec.md §3/§4.3/§9: one domain per independent routing topology,
// identified by a small RFC 7181 extension byte, each with a pluggable
// metric handler and MPR handler.
//
// Grounded on original_source/src-plugins/constant_metric/constant_metric.c
// (the shape of a metric plugin: set the outgoing link cost, leave
// everything else alone) and spec.md §9 "Domain plugin polymorphism...
// Model each as a capability interface".
package domain

import "fmt"

// MaxDomains bounds the number of simultaneously active domains.
// spec.md §3 requires "implementation-defined constant (≥4)"; 8 leaves
// room for domain 0 plus a handful of metric-plugin-backed topologies
// without growing every per-link/neighbor array unreasonably — see
// DESIGN.md Open Question decisions.
const MaxDomains = 8

// ExtensionByte is the RFC 7181 extension byte identifying a domain on
// the wire (0..255; only MaxDomains of these are active at once).
type ExtensionByte = byte

// MetricHandler computes and reacts to link/domain metrics. It is the
// variation point external metric plugins (ETX/ETT/constant) occupy;
// the core only depends on this interface (spec.md §1 "per-link metric
// plugins ... beyond the contract the metric subsystem imposes on the
// core").
type MetricHandler interface {
	Name() string
	// ComputeIncomingMetric returns the locally-observed incoming metric
	// for a link, given its current incoming metric (e.g. from a prior
	// measurement) — spec.md §4.3 "set by an external plugin via
	// set_incoming_metric".
	ComputeIncomingMetric(current uint32) uint32
}

// MPRHandler selects flooding/routing MPRs for a domain. The default
// handler (DefaultMPRHandler, see mpr.go) implements spec.md §4.3's minimal
// covering-set algorithm; other handlers may plug in alternate
// strategies.
type MPRHandler interface {
	Name() string
	// SelectMPR recomputes the MPR set for idx and returns the one-hop
	// neighbors selected as MPRs. Neighborhood is an abstract view so
	// this package does not depend on lib/nhdp (spec.md §1 "the core
	// does not define... "; keeping the dependency direction
	// nhdp -> domain, not domain -> nhdp, avoids an import cycle since
	// nhdp is itself a domain client).
	SelectMPR(idx int, view Neighborhood) map[NeighborID]bool
}

// NeighborID is an opaque, comparable handle a Neighborhood
// implementation uses to identify one-hop neighbors; lib/nhdp's
// *nhdp.Neighbor satisfies this via its pointer identity.
type NeighborID interface{}

// TwoHop describes one two-hop neighbor reachable through a given
// one-hop neighbor, as seen by a particular domain.
type TwoHop struct {
	ID   NeighborID
	Cost uint32 // one-hop-neighbor -> two-hop-neighbor outgoing metric
}

// Neighborhood is the read-only view of one-hop/two-hop symmetric
// neighbors an MPRHandler needs, abstracted away from lib/nhdp's
// concrete types.
type Neighborhood interface {
	// OneHop returns every symmetric one-hop neighbor and its
	// willingness for the domain.
	OneHop() []OneHopNeighbor
	// TwoHop returns the two-hop neighbors reachable through nb.
	TwoHop(nb NeighborID) []TwoHop
}

// OneHopNeighbor is a symmetric one-hop neighbor as seen by an MPR
// handler.
type OneHopNeighbor struct {
	ID          NeighborID
	Willingness uint8
}

// Domain is one routing topology's registered handlers plus its
// advertised willingness.
type Domain struct {
	Index       int
	Ext         ExtensionByte
	Willingness uint8
	Metric      MetricHandler
	MPR         MPRHandler
}

// Registry owns every active Domain, indexed 0..MaxDomains-1 (spec.md §3
// "Domain 0 is always present").
type Registry struct {
	domains [MaxDomains]*Domain
	byExt   map[ExtensionByte]int
}

// NewRegistry creates a registry with domain 0 already present, using
// defaultMetric/defaultMPR as its handlers (spec.md §9 "domain 0 has a
// default implementation").
func NewRegistry(defaultMetric MetricHandler, defaultMPR MPRHandler) *Registry {
	r := &Registry{byExt: make(map[ExtensionByte]int)}
	r.domains[0] = &Domain{Index: 0, Ext: 0, Willingness: 7, Metric: defaultMetric, MPR: defaultMPR}
	r.byExt[0] = 0
	return r
}

// Register adds (or replaces) a domain bound to ext, returning its
// index, or an error if the registry is full.
func (r *Registry) Register(ext ExtensionByte, metric MetricHandler, mpr MPRHandler) (int, error) {
	if idx, ok := r.byExt[ext]; ok {
		r.domains[idx].Metric = metric
		r.domains[idx].MPR = mpr
		return idx, nil
	}
	for idx := 0; idx < MaxDomains; idx++ {
		if r.domains[idx] == nil {
			r.domains[idx] = &Domain{Index: idx, Ext: ext, Willingness: 7, Metric: metric, MPR: mpr}
			r.byExt[ext] = idx
			return idx, nil
		}
	}
	return -1, fmt.Errorf("domain: registry full at %d domains", MaxDomains)
}

// ByExt looks up a domain by its wire extension byte.
func (r *Registry) ByExt(ext ExtensionByte) (*Domain, bool) {
	idx, ok := r.byExt[ext]
	if !ok {
		return nil, false
	}
	return r.domains[idx], true
}

// ByIndex looks up a domain by its array slot.
func (r *Registry) ByIndex(idx int) (*Domain, bool) {
	if idx < 0 || idx >= MaxDomains || r.domains[idx] == nil {
		return nil, false
	}
	return r.domains[idx], true
}

// All returns every active domain, in index order.
func (r *Registry) All() []*Domain {
	out := make([]*Domain, 0, MaxDomains)
	for _, d := range r.domains {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// SetWillingness updates a domain's advertised willingness (0..15,
// spec.md §4.3).
func (r *Registry) SetWillingness(idx int, w uint8) {
	if idx >= 0 && idx < MaxDomains && r.domains[idx] != nil {
		if w > 15 {
			w = 15
		}
		r.domains[idx].Willingness = w
	}
}
