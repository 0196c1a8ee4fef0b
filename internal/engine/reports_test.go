package engine

import (
	"testing"
	"unicode/utf8"

	"github.com/rawblock/btn-forensics/internal/heuristics"
	"github.com/rawblock/btn-forensics/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdrawalDistribution_RoundsHalfToEven(t *testing.T) {
	s := quietSession()
	_, err := s.Build([]models.Record{
		rec("a", 1, []models.Transfer{xf("A", 0.5)}, []models.Transfer{xf("B", 0.5)}),
		rec("b", 2, []models.Transfer{xf("B", 1.5)}, []models.Transfer{xf("C", 1.5)}),
		rec("c", 3, []models.Transfer{xf("C", 2.5)}, []models.Transfer{xf("D", 2.5)}),
	})
	require.NoError(t, err)

	dist, err := s.WithdrawalDistribution()
	require.NoError(t, err)
	assert.Equal(t, []AmountBucket{{Amount: 0, Count: 1}, {Amount: 2, Count: 2}}, dist.Buckets)
}

func TestWithdrawalDistribution_AnnotatesPatternTransactions(t *testing.T) {
	s := quietSession()
	_, err := s.Build([]models.Record{
		rec("cj", 1000,
			[]models.Transfer{xf("A", 1), xf("B", 1), xf("C", 1)},
			[]models.Transfer{xf("D", 1.5), xf("E", 1.5)}),
	})
	require.NoError(t, err)
	_, err = s.DetectPatterns()
	require.NoError(t, err)

	dist, err := s.WithdrawalDistribution()
	require.NoError(t, err)
	require.NotEmpty(t, dist.Annotations)
	for _, a := range dist.Annotations {
		assert.Equal(t, "cj", a.TransactionID)
		assert.Equal(t, 3.0, a.X)
		assert.Equal(t, 1.0, a.Y)
	}
}

func TestDepositRanking(t *testing.T) {
	s := quietSession()
	_, err := s.Build([]models.Record{
		rec("a", 1, []models.Transfer{xf("src", 9)},
			[]models.Transfer{xf("bc1qlongaddress0001", 5), xf("short", 3), xf("tiny", 1)}),
	})
	require.NoError(t, err)

	ranking, err := s.DepositRanking(2)
	require.NoError(t, err)
	require.Len(t, ranking.Entries, 2)
	assert.Equal(t, "bc1qlongaddress0001", ranking.Entries[0].Address)
	assert.Equal(t, "bc1qlongad...", ranking.Entries[0].Label)
	assert.Equal(t, "short...", ranking.Entries[1].Label)
	assert.Empty(t, ranking.Annotations)
}

func TestDepositRanking_LabelKeepsWholeCharacters(t *testing.T) {
	s := quietSession()
	_, err := s.Build([]models.Record{
		rec("a", 1, []models.Transfer{xf("src", 2)}, []models.Transfer{xf("übertragung-konto", 2)}),
	})
	require.NoError(t, err)

	ranking, err := s.DepositRanking(1)
	require.NoError(t, err)
	require.Len(t, ranking.Entries, 1)
	assert.Equal(t, "übertragun...", ranking.Entries[0].Label)
	assert.True(t, utf8.ValidString(ranking.Entries[0].Label))
}

func TestPatternSummary_GroupsByPattern(t *testing.T) {
	s := quietSession()
	_, err := s.Build(clusterRecords())
	require.NoError(t, err)

	_, err = s.PatternSummary()
	require.ErrorIs(t, err, ErrPatternsNotDetected)

	_, err = s.DetectPatterns()
	require.NoError(t, err)
	summary, err := s.PatternSummary()
	require.NoError(t, err)

	require.NotEmpty(t, summary.PatternTypes)
	top := summary.PatternTypes[0]
	assert.Equal(t, heuristics.PatternNegativeBalance, top.Pattern)
	assert.Equal(t, 4, top.Count)
	assert.Equal(t, 80.0, top.AvgRiskScore)
	assert.Equal(t, []string{"A", "S1", "S2", "S3"}, top.Addresses)
	assert.Equal(t, len(summary.Patterns), summary.TotalPatterns)
}

func TestSuspectedTransactionDetails_IncludesRelated(t *testing.T) {
	s := quietSession()
	_, err := s.Build(clusterRecords())
	require.NoError(t, err)
	_, err = s.DetectPatterns()
	require.NoError(t, err)
	_, err = s.ExpandByCluster()
	require.NoError(t, err)

	details, err := s.SuspectedTransactionDetails()
	require.NoError(t, err)

	var b *SuspectedTransactions
	for i := range details {
		if details[i].Address == "B" {
			b = &details[i]
		}
	}
	require.NotNil(t, b)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, "f1", b.Transactions[0].TransactionID)
	assert.True(t, b.Transactions[0].IsOutput)
	assert.Equal(t, "k1", b.Transactions[1].TransactionID)
	assert.True(t, b.Transactions[1].IsInput)
	assert.Equal(t, 4, b.Transactions[1].InputCount)
}

func TestAddressDetail(t *testing.T) {
	s := quietSession()
	_, err := s.Build(clusterRecords())
	require.NoError(t, err)
	_, err = s.DetectPatterns()
	require.NoError(t, err)

	detail, err := s.AddressDetail("A")
	require.NoError(t, err)
	require.NotNil(t, detail.Finding)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, detail.ClusterMembers)

	_, err = s.AddressDetail("nobody")
	require.ErrorIs(t, err, ErrAddressNotFound)
}

func TestProcessingTimes(t *testing.T) {
	s := quietSession()
	_, err := s.Build(clusterRecords())
	require.NoError(t, err)

	pt, err := s.ProcessingTimes()
	require.NoError(t, err)
	require.Len(t, pt.Stages, 6)
	assert.Equal(t, "Total", pt.Stages[5].Stage)

	sum := 0.0
	for _, st := range pt.Stages {
		sum += st.Percent
	}
	if pt.Stages[5].Seconds > 0 {
		assert.InDelta(t, 100.0, sum, 1e-6)
	}
}
