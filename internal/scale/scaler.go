// Package scale computes the replica diff between a crawl's desired scale
// and the replica ordinals observed in the cluster. It is purely reactive:
// scale only changes when the desired state or the lifecycle gate changes.
package scale

import (
	"sort"

	v1alpha1 "github.com/vnznznz/browsertrix-cloud/api/v1alpha1"
)

// Diff lists the replica ordinals to create and delete to reach the
// desired scale. ToCreate is ascending (monotonic fill, low ordinals are
// stable identities); ToDelete is descending (highest ordinals go first,
// preserving in-progress work concentrated on early replicas).
type Diff struct {
	ToCreate []int
	ToDelete []int
}

// Empty reports whether the diff requires no cluster mutations
func (d Diff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToDelete) == 0
}

// Clamp bounds a desired scale to [0, MaxCrawlScale]
func Clamp(scale int32) int {
	if scale < 0 {
		return 0
	}
	if scale > v1alpha1.MaxCrawlScale {
		return v1alpha1.MaxCrawlScale
	}
	return int(scale)
}

// Compute diffs the desired scale against the observed ordinals. Ordinals
// below scale that are missing are created in ascending order; ordinals at
// or above scale are deleted highest-first. Observed duplicates are
// tolerated.
func Compute(scale int, observed []int) Diff {
	present := make(map[int]bool, len(observed))
	for _, ord := range observed {
		present[ord] = true
	}

	var diff Diff
	for ord := 0; ord < scale; ord++ {
		if !present[ord] {
			diff.ToCreate = append(diff.ToCreate, ord)
		}
	}

	for ord := range present {
		if ord >= scale {
			diff.ToDelete = append(diff.ToDelete, ord)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(diff.ToDelete)))

	return diff
}
