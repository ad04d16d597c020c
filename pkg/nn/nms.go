package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// Options for merging objects
type MergeOptions struct {
	// If true, only boxes of the same class suppress each other.
	// The default (false) pools all classes.
	ClassAware bool
}

// NMS performs greedy Non-Maximum Suppression on a pool of detections that share a
// coordinate space. Detections are visited in order of descending confidence (ties keep
// their pool order), and every remaining detection whose IOU with a kept detection is
// strictly greater than iouThreshold is dropped.
// The returned slice holds unmodified copies of the survivors, highest confidence first.
// options may be nil.
func NMS(pool []ObjectDetection, iouThreshold float32, options *MergeOptions) []ObjectDetection {
	if len(pool) == 0 {
		return []ObjectDetection{}
	}
	opt := MergeOptions{}
	if options != nil {
		opt = *options
	}

	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return pool[order[a]].Confidence > pool[order[b]].Confidence
	})
	rank := make([]int, len(pool))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(pool))
	for _, d := range pool {
		b := d.Box.normalized()
		fb.Add(b.X1, b.Y1, b.X2, b.Y2)
	}
	fb.Finish()

	suppressed := make([]bool, len(pool))
	kept := make([]ObjectDetection, 0, len(pool))

	// A negative threshold means that even disjoint boxes suppress each other,
	// so the spatial index can't be used to find candidates.
	everything := iouThreshold < 0

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep := &pool[i]
		kept = append(kept, *keep)

		var candidates []int
		if everything {
			candidates = order
		} else {
			if keep.Box.Area() == 0 {
				// IOU with a degenerate box is always zero
				continue
			}
			b := keep.Box.normalized()
			candidates = fb.Search(b.X1, b.Y1, b.X2, b.Y2)
		}
		for _, j := range candidates {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if opt.ClassAware && pool[j].Class != keep.Class {
				continue
			}
			if IOU(keep.Box, pool[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}
