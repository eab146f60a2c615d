package mailbox

import (
	"fmt"
	"sort"

	"github.com/brandon/mailsync/pkg/types"
)

// Range is a half-open interval [Start, End) of display indices
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Len returns the number of indices in the range
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether other lies entirely inside r
func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// MergeRanges returns the minimal set of disjoint ranges covering the input,
// sorted by start. Overlapping and adjacent ranges are coalesced and empty
// ranges dropped.
func MergeRanges(ranges []Range) []Range {
	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Len() > 0 {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Covered reports whether [start, end) lies inside one of the merged ranges
func Covered(ranges []Range, start, end int) bool {
	want := Range{Start: start, End: end}
	if want.Len() == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(want) {
			return true
		}
	}
	return false
}

// StaleUIDs compares the cached UIDs at display indices [0, n), in order,
// with a freshly fetched first page. Cached UIDs inside the window that the
// server no longer returns are known-deleted. UIDs past the window cannot be
// verified and are never reported.
func StaleUIDs(cached []uint32, fresh []types.MessageHeader) []uint32 {
	window := len(fresh)
	if window > len(cached) {
		window = len(cached)
	}

	present := make(map[uint32]struct{}, len(fresh))
	for _, h := range fresh {
		present[h.UID] = struct{}{}
	}

	var stale []uint32
	for _, uid := range cached[:window] {
		if _, ok := present[uid]; !ok {
			stale = append(stale, uid)
		}
	}
	return stale
}
