package heuristics

import (
	"context"
	"fmt"
	"testing"

	"github.com/rawblock/btn-forensics/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * 60 * 60

func newTestDetector(txs []models.Transaction, stats *Stats) *detector {
	d := &detector{
		txs:   make(map[string]*models.Transaction, len(txs)),
		stats: ComputeStats(txs),
	}
	if stats != nil {
		d.stats = *stats
	}
	for i := range txs {
		d.txs[txs[i].Txid] = &txs[i]
	}
	return d
}

// timed builds empty transactions t0..tn at the given timestamps
func timed(prefix string, ts ...float64) ([]models.Transaction, []string) {
	txs := make([]models.Transaction, len(ts))
	ids := make([]string, len(ts))
	for i, at := range ts {
		ids[i] = fmt.Sprintf("%s%d", prefix, i)
		txs[i] = tx(ids[i], at, nil, nil)
	}
	return txs, ids
}

func withdrawal(id string, amount float64) models.Transaction {
	return tx(id, 1000, []models.Transfer{xfer("W", amount)}, []models.Transfer{xfer("sink", amount)})
}

func dustTx(id string, n int, amount float64) models.Transaction {
	outs := make([]models.Transfer, n)
	for i := range outs {
		outs[i] = xfer(fmt.Sprintf("%s-o%d", id, i), amount)
	}
	return tx(id, 1000, []models.Transfer{xfer("D", 1)}, outs)
}

type ruleCase struct {
	name    string
	txs     []models.Transaction
	stats   *Stats
	feat    models.AddressFeatures
	pattern string
	// want is nil when the rule must stay silent
	want *models.PatternDetail
}

func runRuleCases(t *testing.T, cases []ruleCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.feat.Address == "" {
				tc.feat.Address = "target"
			}
			f := newTestDetector(tc.txs, tc.stats).evaluate(tc.feat)

			var got []models.PatternDetail
			if f != nil {
				got = patternsNamed(*f, tc.pattern)
			}
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1, "one detail per rule")
			want := *tc.want
			want.Pattern = tc.pattern
			want.Address = tc.feat.Address
			assert.InDelta(t, want.RiskScore, got[0].RiskScore, 1e-9)
			want.RiskScore = got[0].RiskScore
			assert.Equal(t, want, got[0])
		})
	}
}

func TestRule_InactivePeriod(t *testing.T) {
	long, longIDs := timed("l", 1000, 1000+8*day, 1000+28*day)
	exact, exactIDs := timed("e", 1000, 1000+7*day)
	out, outIDs := timed("o", 1000, 1000+30*day)

	runRuleCases(t, []ruleCase{
		{
			name:    "first gap over a week",
			txs:     long,
			feat:    models.AddressFeatures{InTxs: longIDs[:1], OutTxs: longIDs[1:]},
			pattern: PatternInactivePeriod,
			want: &models.PatternDetail{
				RiskScore: 40,
				Details:   "Inactive period of 8.0 days detected",
				StartTime: 1000,
				EndTime:   1000 + 8*day,
			},
		},
		{
			name:    "exactly seven days",
			txs:     exact,
			feat:    models.AddressFeatures{InTxs: exactIDs[:1], OutTxs: exactIDs[1:]},
			pattern: PatternInactivePeriod,
		},
		{
			name:    "never received",
			txs:     out,
			feat:    models.AddressFeatures{OutTxs: outIDs},
			pattern: PatternInactivePeriod,
		},
	})
}

func TestRule_HighWithdrawal(t *testing.T) {
	spread := &Stats{WithdrawalMean: 1, WithdrawalStd: 0.5}
	flat := &Stats{WithdrawalMean: 2}

	runRuleCases(t, []ruleCase{
		{
			name:    "first withdrawal above mean plus two sigma",
			txs:     []models.Transaction{withdrawal("w1", 1.5), withdrawal("w2", 3), withdrawal("w3", 5)},
			stats:   spread,
			feat:    models.AddressFeatures{OutTxs: []string{"w1", "w2", "w3"}},
			pattern: PatternHighWithdrawal,
			want: &models.PatternDetail{
				RiskScore:     60,
				Details:       "Withdrawal of 3.00000000 BTC (mean: 1.00000000, std: 0.50000000)",
				TransactionID: "w2",
				Timestamp:     1000,
			},
		},
		{
			name:    "at the limit",
			txs:     []models.Transaction{withdrawal("w1", 2)},
			stats:   spread,
			feat:    models.AddressFeatures{OutTxs: []string{"w1"}},
			pattern: PatternHighWithdrawal,
		},
		{
			name:    "zero sigma compares against the mean",
			txs:     []models.Transaction{withdrawal("w1", 2), withdrawal("w2", 2.5)},
			stats:   flat,
			feat:    models.AddressFeatures{OutTxs: []string{"w1", "w2"}},
			pattern: PatternHighWithdrawal,
			want: &models.PatternDetail{
				RiskScore:     60,
				Details:       "Withdrawal of 2.50000000 BTC (mean: 2.00000000, std: 0.00000000)",
				TransactionID: "w2",
				Timestamp:     1000,
			},
		},
	})
}

func TestRule_ActivitySpike(t *testing.T) {
	burst, burstIDs := timed("b", 1000, 10000, 20000, 21000, 22000, 40000)
	edge, edgeIDs := timed("e", 1000, 2800, 4600, 100000, 200000, 300000)
	few, fewIDs := timed("f", 1000, 1001, 1002, 1003, 1004)

	runRuleCases(t, []ruleCase{
		{
			name:    "three txs inside an hour",
			txs:     burst,
			feat:    models.AddressFeatures{InTxs: burstIDs, TxCount: 6},
			pattern: PatternActivitySpike,
			want: &models.PatternDetail{
				RiskScore: 50,
				Details:   "3 transactions within 33.3 minutes",
				StartTime: 20000,
				EndTime:   22000,
			},
		},
		{
			name:    "window of exactly one hour",
			txs:     edge,
			feat:    models.AddressFeatures{InTxs: edgeIDs, TxCount: 6},
			pattern: PatternActivitySpike,
		},
		{
			name:    "five txs is not enough activity",
			txs:     few,
			feat:    models.AddressFeatures{InTxs: fewIDs, TxCount: 5},
			pattern: PatternActivitySpike,
		},
	})
}

func TestRule_RepeatedDust(t *testing.T) {
	edge := dustTx("d1", 5, 0.00005)
	edge.Outputs = append(edge.Outputs, xfer("change", dustThreshold))

	runRuleCases(t, []ruleCase{
		{
			name:    "six dust outputs across two txs",
			txs:     []models.Transaction{dustTx("d1", 3, 0.00005), dustTx("d2", 3, 0.00009)},
			feat:    models.AddressFeatures{OutTxs: []string{"d1", "d2"}},
			pattern: PatternRepeatedDust,
			want: &models.PatternDetail{
				RiskScore: 55,
				Details:   "6 transactions with values < 0.0001 BTC",
			},
		},
		{
			name:    "five dust outputs and one at the threshold",
			txs:     []models.Transaction{edge},
			feat:    models.AddressFeatures{OutTxs: []string{"d1"}},
			pattern: PatternRepeatedDust,
		},
	})
}

func TestRule_Hoarding(t *testing.T) {
	stats := &Stats{MedianInput: 2}

	runRuleCases(t, []ruleCase{
		{
			name:    "large receipts never spent",
			stats:   stats,
			feat:    models.AddressFeatures{Received: 10.5, Balance: 10.5},
			pattern: PatternHoarding,
			want: &models.PatternDetail{
				RiskScore: 50,
				Details:   "Received 10.50000000 BTC but never sent funds",
			},
		},
		{
			name:    "exactly five times the median",
			stats:   stats,
			feat:    models.AddressFeatures{Received: 10, Balance: 10},
			pattern: PatternHoarding,
		},
		{
			name:    "has spent",
			stats:   stats,
			feat:    models.AddressFeatures{Received: 50, Balance: 49, OutDegree: 1},
			pattern: PatternHoarding,
		},
	})
}

func TestRule_HighVolume(t *testing.T) {
	runRuleCases(t, []ruleCase{
		{
			name:    "in-degree over twenty",
			feat:    models.AddressFeatures{InDegree: 21},
			pattern: PatternHighVolume,
			want: &models.PatternDetail{
				RiskScore: 2.1,
				Details:   "In-degree: 21, Out-degree: 0",
			},
		},
		{
			name:    "score capped at sixty",
			feat:    models.AddressFeatures{InDegree: 500, OutDegree: 200},
			pattern: PatternHighVolume,
			want: &models.PatternDetail{
				RiskScore: 60,
				Details:   "In-degree: 500, Out-degree: 200",
			},
		},
		{
			name:    "twenty each way",
			feat:    models.AddressFeatures{InDegree: 20, OutDegree: 20},
			pattern: PatternHighVolume,
		},
	})
}

func TestRule_HighCentrality(t *testing.T) {
	runRuleCases(t, []ruleCase{
		{
			name:    "above threshold",
			feat:    models.AddressFeatures{BetweennessCentrality: 0.25},
			pattern: PatternHighCentrality,
			want: &models.PatternDetail{
				RiskScore: 65,
				Details:   "Betweenness centrality: 0.2500",
			},
		},
		{
			name:    "at threshold",
			feat:    models.AddressFeatures{BetweennessCentrality: centralityThreshold},
			pattern: PatternHighCentrality,
		},
	})
}

func TestRule_Periodic(t *testing.T) {
	hourly, hourlyIDs := timed("h", 3600, 7200, 10800, 14400, 18000, 21600)
	jitter, jitterIDs := timed("j", 3600, 7200, 14400, 18000, 25200, 28800)
	pair, pairIDs := timed("p", 3600, 7200)
	// the trailing zero-timestamp tx would add a 10800s gap if it were used
	gapped, gappedIDs := timed("g", 3600, 7200, 10800, 0)

	periodic := &models.PatternDetail{
		RiskScore: 30,
		Details:   "Mean time between transactions: 1.0 hours, CV: 0.0000",
	}

	runRuleCases(t, []ruleCase{
		{
			name:    "evenly spaced receipts",
			txs:     hourly,
			feat:    models.AddressFeatures{InTxs: hourlyIDs, TxCount: 6, AvgTimeBetweenTxs: 3600},
			pattern: PatternPeriodic,
			want:    periodic,
		},
		{
			name:    "irregular receipts",
			txs:     jitter,
			feat:    models.AddressFeatures{InTxs: jitterIDs, TxCount: 6, AvgTimeBetweenTxs: 5040},
			pattern: PatternPeriodic,
		},
		{
			name:    "a single gap",
			txs:     pair,
			feat:    models.AddressFeatures{InTxs: pairIDs, TxCount: 6, AvgTimeBetweenTxs: 3600},
			pattern: PatternPeriodic,
		},
		{
			name:    "zero timestamps skipped",
			txs:     gapped,
			feat:    models.AddressFeatures{InTxs: gappedIDs, TxCount: 6, AvgTimeBetweenTxs: 3600},
			pattern: PatternPeriodic,
			want:    periodic,
		},
	})
}

func TestRule_CoinJoinEqualOutputs(t *testing.T) {
	withChange := tx("cj", 1000,
		[]models.Transfer{xfer("A", 1), xfer("B", 1), xfer("C", 1)},
		[]models.Transfer{xfer("D", 1.5), xfer("E", 1.5), xfer("F", 0.3)})
	twoInputs := tx("two", 1000,
		[]models.Transfer{xfer("A", 1), xfer("B", 1)},
		[]models.Transfer{xfer("D", 1), xfer("E", 1)})

	want := &models.PatternDetail{
		RiskScore:     60,
		Details:       "Transaction with 3 inputs and equal outputs",
		TransactionID: "cj",
		Timestamp:     1000,
	}
	runRuleCases(t, []ruleCase{
		{
			name:    "two equal outputs plus change",
			txs:     []models.Transaction{withChange},
			feat:    models.AddressFeatures{OutTxs: []string{"cj"}},
			pattern: PatternCoinJoin,
			want:    want,
		},
		{
			name:    "counted once when both sides",
			txs:     []models.Transaction{withChange},
			feat:    models.AddressFeatures{InTxs: []string{"cj"}, OutTxs: []string{"cj"}},
			pattern: PatternCoinJoin,
			want:    want,
		},
		{
			name:    "two inputs",
			txs:     []models.Transaction{twoInputs},
			feat:    models.AddressFeatures{OutTxs: []string{"two"}},
			pattern: PatternCoinJoin,
		},
	})
}

func TestDetect_SubSatoshiOutputsAreEpsilonNotCoinJoin(t *testing.T) {
	txs := []models.Transaction{
		tx("e1", 1000,
			[]models.Transfer{xfer("A", 1), xfer("B", 1), xfer("C", 1)},
			[]models.Transfer{xfer("D", 1.000000001), xfer("E", 1.0)}),
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)

	for _, addr := range []string{"A", "B", "C"} {
		f := findingFor(t, res, addr)
		assert.Contains(t, f.Reasons, ReasonEpsilon, addr)
		assert.NotContains(t, f.Reasons, ReasonCoinJoin, addr)
	}
}
