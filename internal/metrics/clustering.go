package metrics

import (
	"math"
	"sort"
)

// Partition agreement between the co-spend clustering and a labelled
// reference. Both scores read a contingency table n_ij where i ranges over
// predicted clusters and j over reference clusters.

// contingency holds n_ij plus its marginals
type contingency struct {
	n       int
	cells   [][]int
	rowSums []int // a_i
	colSums []int // b_j
}

func newContingency(predicted, reference []int) *contingency {
	predIdx := labelIndex(predicted)
	refIdx := labelIndex(reference)

	c := &contingency{
		n:       len(predicted),
		cells:   make([][]int, len(predIdx)),
		rowSums: make([]int, len(predIdx)),
		colSums: make([]int, len(refIdx)),
	}
	for i := range c.cells {
		c.cells[i] = make([]int, len(refIdx))
	}
	for k := range predicted {
		i, j := predIdx[predicted[k]], refIdx[reference[k]]
		c.cells[i][j]++
		c.rowSums[i]++
		c.colSums[j]++
	}
	return c
}

// AdjustedRandIndex scores pair-counting agreement corrected for chance.
//
//	ARI = (Σ C(n_ij,2) - E) / (½(Σ C(a_i,2) + Σ C(b_j,2)) - E)
//	E   = Σ C(a_i,2) · Σ C(b_j,2) / C(n,2)
//
// 1 is identical, around 0 is random, negative is worse than random.
func AdjustedRandIndex(predicted, reference []int) float64 {
	if len(predicted) != len(reference) || len(predicted) < 2 {
		return 0.0
	}
	c := newContingency(predicted, reference)

	sumCells := 0.0
	for _, row := range c.cells {
		for _, v := range row {
			sumCells += comb2(v)
		}
	}
	sumRows := 0.0
	for _, a := range c.rowSums {
		sumRows += comb2(a)
	}
	sumCols := 0.0
	for _, b := range c.colSums {
		sumCols += comb2(b)
	}

	pairs := comb2(c.n)
	expected := sumRows * sumCols / pairs
	denom := 0.5*(sumRows+sumCols) - expected
	if math.Abs(denom) < 1e-12 {
		return 1.0
	}
	return (sumCells - expected) / denom
}

// VariationOfInformation is H(P|R) + H(R|P) in bits. 0 means identical.
func VariationOfInformation(predicted, reference []int) float64 {
	if len(predicted) != len(reference) || len(predicted) < 2 {
		return 0.0
	}
	c := newContingency(predicted, reference)
	nf := float64(c.n)

	vi := 0.0
	for i, row := range c.cells {
		for j, v := range row {
			if v == 0 {
				continue
			}
			p := float64(v) / nf
			vi -= p * math.Log2(float64(v)/float64(c.colSums[j]))
			vi -= p * math.Log2(float64(v)/float64(c.rowSums[i]))
		}
	}
	return vi
}

// Agreement summarises how a predicted address partition matches a reference
type Agreement struct {
	Addresses              int     `json:"addresses"`
	PredictedClusters      int     `json:"predictedClusters"`
	ReferenceClusters      int     `json:"referenceClusters"`
	AdjustedRandIndex      float64 `json:"adjustedRandIndex"`
	VariationOfInformation float64 `json:"variationOfInformation"`
}

// ComparePartitions aligns two address->label maps over the addresses in
// universe that the reference labels. Addresses missing from predicted are
// treated as singleton clusters.
func ComparePartitions(universe []string, predicted, reference map[string]int) Agreement {
	addrs := make([]string, 0, len(universe))
	for _, a := range universe {
		if _, ok := reference[a]; ok {
			addrs = append(addrs, a)
		}
	}
	sort.Strings(addrs)

	// singleton labels live below every real cluster id
	next := -1
	pred := make([]int, len(addrs))
	ref := make([]int, len(addrs))
	for k, a := range addrs {
		if id, ok := predicted[a]; ok {
			pred[k] = id
		} else {
			pred[k] = next
			next--
		}
		ref[k] = reference[a]
	}

	return Agreement{
		Addresses:              len(addrs),
		PredictedClusters:      len(labelIndex(pred)),
		ReferenceClusters:      len(labelIndex(ref)),
		AdjustedRandIndex:      AdjustedRandIndex(pred, ref),
		VariationOfInformation: VariationOfInformation(pred, ref),
	}
}

// comb2 is C(n, 2)
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// labelIndex maps each distinct label to a dense index in first-seen order
func labelIndex(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}
