package domain

// DefaultMPRHandler implements spec.md §4.3's default MPR selection:
// "select minimal set of one-hop symmetric neighbors that collectively
// cover all two-hop symmetric neighbors at the minimum advertised link
// cost per domain." It is a greedy set-cover, the standard OLSR
// approach: first take every one-hop neighbor that is the *sole* path to
// some two-hop neighbor, then repeatedly add the one-hop neighbor
// covering the most still-uncovered two-hop neighbors until every
// two-hop neighbor is covered (or no one-hop neighbor can reach it).
type DefaultMPRHandler struct{}

func (DefaultMPRHandler) Name() string { return "default" }

func (DefaultMPRHandler) SelectMPR(idx int, view Neighborhood) map[NeighborID]bool {
	oneHop := view.OneHop()
	selected := make(map[NeighborID]bool, len(oneHop))

	// coverage[twoHopKey] = set of one-hop neighbors that can reach it
	// at minimum cost (per spec.md, selection is driven by minimum
	// advertised link cost, so only the cheapest one-hop candidates for
	// a given two-hop neighbor are considered "covering" it).
	type twoHopKey = NeighborID
	best := map[twoHopKey]uint32{}
	coverage := map[twoHopKey][]NeighborID{}

	for _, nb := range oneHop {
		if nb.Willingness == 0 {
			// willingness 0: "never select me as MPR" (spec.md §4.3)
			continue
		}
		for _, th := range view.TwoHop(nb.ID) {
			if cur, ok := best[th.ID]; !ok || th.Cost < cur {
				best[th.ID] = th.Cost
				coverage[th.ID] = []NeighborID{nb.ID}
			} else if th.Cost == cur {
				coverage[th.ID] = append(coverage[th.ID], nb.ID)
			}
		}
	}

	uncovered := make(map[twoHopKey]bool, len(coverage))
	for k := range coverage {
		uncovered[k] = true
	}

	// Step 1: any two-hop neighbor with exactly one covering candidate
	// forces that candidate into the MPR set.
	for th, candidates := range coverage {
		if !uncovered[th] {
			continue
		}
		if len(candidates) == 1 {
			selected[candidates[0]] = true
			delete(uncovered, th)
		}
	}
	removeCoveredBySelected(selected, coverage, uncovered)

	// Step 2: greedily add the neighbor covering the most remaining
	// uncovered two-hop neighbors, highest willingness breaking ties,
	// until nothing uncovered remains or no candidate covers anything.
	willingness := map[NeighborID]uint8{}
	for _, nb := range oneHop {
		willingness[nb.ID] = nb.Willingness
	}

	order := make([]NeighborID, 0, len(oneHop))
	for _, nb := range oneHop {
		order = append(order, nb.ID)
	}

	for len(uncovered) > 0 {
		bestID, bestCount := pickBestCandidate(order, coverage, uncovered, selected, willingness)
		if bestCount == 0 {
			break // no remaining candidate covers anything further
		}
		selected[bestID] = true
		removeCoveredBySelected(selected, coverage, uncovered)
	}

	return selected
}

func removeCoveredBySelected(selected map[NeighborID]bool, coverage map[NeighborID][]NeighborID, uncovered map[NeighborID]bool) {
	for th, candidates := range coverage {
		if !uncovered[th] {
			continue
		}
		for _, c := range candidates {
			if selected[c] {
				delete(uncovered, th)
				break
			}
		}
	}
}

// pickBestCandidate picks the not-yet-selected one-hop neighbor covering
// the most uncovered two-hop neighbors. candidateOrder fixes a
// deterministic iteration order (the caller-supplied OneHop() order) so
// that repeated calls over unchanged state — spec.md §4.3 "idempotent" —
// always break count/willingness ties the same way, instead of relying
// on Go's randomized map iteration order.
func pickBestCandidate(candidateOrder []NeighborID, coverage map[NeighborID][]NeighborID, uncovered map[NeighborID]bool,
	selected map[NeighborID]bool, willingness map[NeighborID]uint8) (NeighborID, int) {

	counts := map[NeighborID]int{}
	for th := range uncovered {
		for _, c := range coverage[th] {
			if !selected[c] {
				counts[c]++
			}
		}
	}

	var bestID NeighborID
	bestCount := 0
	for _, id := range candidateOrder {
		c := counts[id]
		if c == 0 {
			continue
		}
		if c > bestCount || (c == bestCount && willingness[id] > willingness[bestID]) {
			bestID = id
			bestCount = c
		}
	}
	return bestID, bestCount
}
