package cpra

import "sort"

type peakGroup struct {
	chrom string
	genes string
}

// LabelPeaks flags the local minima of p-value among variants. Variants are
// grouped by chromosome and nearest genes; within a group the most
// significant remaining variant becomes a peak and every variant within mask
// base pairs of it is removed from consideration, until none remain.
// variants is modified in place and its order is preserved.
func LabelPeaks(variants []UnbinnedVariant, mask int64) {
	groups := make(map[peakGroup][]int)
	var order []peakGroup
	for i := range variants {
		variants[i].Peak = false
		g := peakGroup{chrom: variants[i].Chromosome, genes: variants[i].NearestGenes}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], i)
	}

	for _, g := range order {
		idx := groups[g]
		// Most significant first; ties go to the lower position.
		sort.SliceStable(idx, func(a, b int) bool {
			va, vb := variants[idx[a]], variants[idx[b]]
			if va.PValue != vb.PValue {
				return va.PValue < vb.PValue
			}
			return va.Position < vb.Position
		})

		for len(idx) > 0 {
			peak := &variants[idx[0]]
			peak.Peak = true

			rest := idx[:0]
			for _, i := range idx[1:] {
				d := variants[i].Position - peak.Position
				if d < 0 {
					d = -d
				}
				if d > mask {
					rest = append(rest, i)
				}
			}
			idx = rest
		}
	}
}
