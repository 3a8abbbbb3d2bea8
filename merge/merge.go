// Package merge reconstructs a linear, chunked history from a room's
// branchy causal change DAG (spec §4.6): groups of changes bounded by
// convergence points where every peer's work so far has been seen by
// everyone.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/manifold-studio/manifold/crdtdoc"
)

// ErrDependencyNotFound is returned when a change declares a dependency on
// an (peer, counter) pair that isn't covered by any known change — a sign
// the change log is causally incomplete (missing a change, or the store is
// corrupt).
var ErrDependencyNotFound = errors.New("merge: dependency change not found")

// Point is one emitted merge point: a maximal run of changes ending at a
// causal convergence, plus the frontier that reproduces that convergence
// via crdtdoc.Doc.ForkAt or the snapshot-at-frontier HTTP endpoint.
type Point struct {
	Changes   []crdtdoc.Change
	Frontier  crdtdoc.Frontier
	Timestamp int64
	Total     uint64
	Peers     []crdtdoc.PeerID
	// Final marks the trailing, not-yet-converged group: its Frontier is
	// maxSeen rather than a true convergence, because the changes in it
	// haven't all been observed by every peer yet.
	Final bool
}

type changeKey struct {
	peer    crdtdoc.PeerID
	counter uint64
}

func keyOf(c crdtdoc.Change) changeKey {
	return changeKey{peer: c.Peer, counter: c.Counter}
}

// Compute runs the merge-point algorithm over changes, which need not be
// pre-sorted: Compute sorts by lamport clock itself (spec §4.6 step 0).
func Compute(changes []crdtdoc.Change) ([]Point, error) {
	sorted := append([]crdtdoc.Change(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lamport < sorted[j].Lamport })

	perPeer := make(map[crdtdoc.PeerID][]crdtdoc.Change)
	ivvByKey := make(map[changeKey]crdtdoc.VersionVector)
	maxSeen := make(crdtdoc.VersionVector)

	var points []Point
	var group []crdtdoc.Change

	for _, c := range sorted {
		ivv := make(crdtdoc.VersionVector)
		for _, dep := range c.Deps {
			depChange, ok := findChange(perPeer[dep.Peer], dep.Counter)
			if !ok {
				return nil, fmt.Errorf("%w: peer %d counter %d", ErrDependencyNotFound, dep.Peer, dep.Counter)
			}
			ivv.Merge(ivvByKey[keyOf(depChange)])
		}
		if next := c.LastCounter() + 1; next > ivv[c.Peer] {
			ivv[c.Peer] = next
		}
		ivvByKey[keyOf(c)] = ivv

		group = append(group, c)
		perPeer[c.Peer] = append(perPeer[c.Peer], c)
		if next := c.LastCounter() + 1; next > maxSeen[c.Peer] {
			maxSeen[c.Peer] = next
		}

		if ivv.Covers(maxSeen) {
			points = append(points, buildPoint(group, ivv, false))
			group = nil
		}
	}

	if len(group) > 0 {
		points = append(points, buildPoint(group, maxSeen, true))
	}

	return points, nil
}

func buildPoint(group []crdtdoc.Change, vv crdtdoc.VersionVector, final bool) Point {
	p := Point{
		Changes:   append([]crdtdoc.Change(nil), group...),
		Timestamp: group[len(group)-1].Timestamp,
		Final:     final,
	}

	peerSet := make(map[crdtdoc.PeerID]bool)
	for _, c := range group {
		p.Total += c.Length
		peerSet[c.Peer] = true
	}
	for peer := range peerSet {
		p.Peers = append(p.Peers, peer)
	}
	sort.Slice(p.Peers, func(i, j int) bool { return p.Peers[i] < p.Peers[j] })

	for peer, next := range vv {
		if next == 0 {
			continue
		}
		p.Frontier = append(p.Frontier, crdtdoc.OpID{Peer: peer, Counter: next - 1})
	}
	sort.Slice(p.Frontier, func(i, j int) bool { return p.Frontier[i].Peer < p.Frontier[j].Peer })

	return p
}

// findChange returns the change in peerChanges (sorted ascending by
// Counter) whose [Counter, LastCounter()] range contains counter.
func findChange(peerChanges []crdtdoc.Change, counter uint64) (crdtdoc.Change, bool) {
	i := sort.Search(len(peerChanges), func(i int) bool {
		return peerChanges[i].Counter > counter
	})
	if i == 0 {
		return crdtdoc.Change{}, false
	}
	c := peerChanges[i-1]
	if counter >= c.Counter && counter <= c.LastCounter() {
		return c, true
	}
	return crdtdoc.Change{}, false
}
