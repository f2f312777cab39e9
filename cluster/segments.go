package cluster

import "sort"

// SegmentID identifies one hash-space partition.
type SegmentID int

type segmentSet map[SegmentID]struct{}

func newSegmentSet(ids ...SegmentID) segmentSet {
	s := make(segmentSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s segmentSet) has(id SegmentID) bool {
	_, ok := s[id]
	return ok
}

func (s segmentSet) add(id SegmentID)    { s[id] = struct{}{} }
func (s segmentSet) remove(id SegmentID) { delete(s, id) }

// sorted returns the members in ascending order.
func (s segmentSet) sorted() []SegmentID {
	out := make([]SegmentID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
