package metrics

import (
	"math"
	"testing"
)

func TestAdjustedRandIndex_PerfectAgreement(t *testing.T) {
	predicted := []int{0, 0, 1, 1, 2, 2}
	groundTruth := []int{0, 0, 1, 1, 2, 2}

	ari := AdjustedRandIndex(predicted, groundTruth)

	if math.Abs(ari-1.0) > 0.01 {
		t.Errorf("Expected ARI=1.0 for perfect agreement. Got: %f", ari)
	}
}

func TestAdjustedRandIndex_RandomPartition(t *testing.T) {
	// Two very different partitions should yield ARI near 0
	predicted := []int{0, 0, 0, 1, 1, 1}
	groundTruth := []int{0, 1, 0, 1, 0, 1}

	ari := AdjustedRandIndex(predicted, groundTruth)

	if ari > 0.5 {
		t.Errorf("Expected ARI near 0 for dissimilar partitions. Got: %f", ari)
	}
}

func TestVariationOfInformation_Identical(t *testing.T) {
	predicted := []int{0, 0, 1, 1, 2, 2}
	groundTruth := []int{0, 0, 1, 1, 2, 2}

	vi := VariationOfInformation(predicted, groundTruth)

	if vi > 0.01 {
		t.Errorf("Expected VI=0.0 for identical partitions. Got: %f", vi)
	}
}

func TestVariationOfInformation_Different(t *testing.T) {
	predicted := []int{0, 0, 0, 1, 1, 1}
	groundTruth := []int{0, 1, 0, 1, 0, 1}

	vi := VariationOfInformation(predicted, groundTruth)

	if vi < 0.1 {
		t.Errorf("Expected VI > 0 for different partitions. Got: %f", vi)
	}
}

func TestAdjustedRandIndex_LabelPermutation(t *testing.T) {
	// Same grouping under different label names is still perfect agreement
	predicted := []int{5, 5, 9, 9, 7, 7}
	groundTruth := []int{0, 0, 1, 1, 2, 2}

	ari := AdjustedRandIndex(predicted, groundTruth)

	if math.Abs(ari-1.0) > 1e-9 {
		t.Errorf("Expected ARI=1.0 for relabelled partition. Got: %f", ari)
	}
}

func TestAdjustedRandIndex_LengthMismatch(t *testing.T) {
	if ari := AdjustedRandIndex([]int{0, 1}, []int{0}); ari != 0 {
		t.Errorf("Expected ARI=0 for mismatched inputs. Got: %f", ari)
	}
}

func TestComparePartitions_UnclusteredAreSingletons(t *testing.T) {
	universe := []string{"a", "b", "c", "d", "x"}
	predicted := map[string]int{"a": 1, "b": 1}
	reference := map[string]int{"a": 10, "b": 10, "c": 20, "d": 30}

	agreement := ComparePartitions(universe, predicted, reference)

	if agreement.Addresses != 4 {
		t.Fatalf("Expected 4 shared addresses. Got: %d", agreement.Addresses)
	}
	if agreement.PredictedClusters != 3 {
		t.Errorf("Expected 3 predicted clusters (one merged, two singletons). Got: %d", agreement.PredictedClusters)
	}
	if math.Abs(agreement.AdjustedRandIndex-1.0) > 1e-9 {
		t.Errorf("Expected ARI=1.0. Got: %f", agreement.AdjustedRandIndex)
	}
	if agreement.VariationOfInformation > 1e-9 {
		t.Errorf("Expected VI=0. Got: %f", agreement.VariationOfInformation)
	}
}

func TestComparePartitions_OverMerged(t *testing.T) {
	universe := []string{"a", "b", "c", "d"}
	predicted := map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}
	reference := map[string]int{"a": 1, "b": 1, "c": 2, "d": 2}

	agreement := ComparePartitions(universe, predicted, reference)

	if agreement.AdjustedRandIndex >= 1.0 {
		t.Errorf("Expected ARI < 1 when clusters collapse. Got: %f", agreement.AdjustedRandIndex)
	}
	if math.Abs(agreement.VariationOfInformation-1.0) > 1e-9 {
		t.Errorf("Expected VI=1 bit. Got: %f", agreement.VariationOfInformation)
	}
}
