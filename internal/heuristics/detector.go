package heuristics

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/rawblock/btn-forensics/pkg/models"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Rule-Based Pattern Detector
//
// Scores every address against thirteen independent suspicion rules. Rules are
// additive: each trigger contributes its own reason, score and detail record,
// and the final score is capped at 100. An address with no trigger yields no
// finding.
//
// Global statistics are computed once per run over per-transaction totals:
//   withdrawal = sum of input amounts    (mean, population stddev, median)
//   deposit    = sum of output amounts   (mean, population stddev)
//
// Degenerate statistics never raise. A zero stddev simply makes rule 3 compare
// against the mean, an empty series leaves the rule silent.

// Pattern names as reported in detail records
const (
	PatternNegativeBalance = "Negative balance"
	PatternInactivePeriod  = "Inactive period"
	PatternHighWithdrawal  = "Unusually high withdrawal"
	PatternActivitySpike   = "Sudden spike in activity"
	PatternRepeatedDust    = "Repeated small-value transactions"
	PatternHoarding        = "Hoarding behavior"
	PatternHighVolume      = "High transaction volume"
	PatternShortLived      = "Short-lived high activity"
	PatternHighCentrality  = "High centrality node"
	PatternPeriodic        = "Periodic transactions"
	PatternCoinJoin        = "CoinJoin transaction"
	PatternPeelChain       = "Peel chain"
	PatternEpsilon         = "Epsilon transaction"
)

// Reasons as reported on findings
const (
	ReasonNegativeBalance = "Negative balance"
	ReasonInactivePeriod  = "Inactive period detected"
	ReasonHighWithdrawal  = "Unusually high withdrawal"
	ReasonActivitySpike   = "Sudden spike in activity"
	ReasonRepeatedDust    = "Repeated small-value transactions"
	ReasonHoarding        = "Hoarding address with significant funds"
	ReasonHighVolume      = "Unusually high transaction volume"
	ReasonShortLived      = "High-volume short-lived address"
	ReasonHighCentrality  = "High centrality node (possible money mule)"
	ReasonPeriodic        = "Periodic transaction pattern"
	ReasonCoinJoin        = "Participated in CoinJoin transaction"
	ReasonPeelChain       = "Part of peel chain"
	ReasonEpsilon         = "Epsilon transaction pattern"
)

const (
	MaxRiskScore = 100.0

	inactivityThreshold = 7 * 24 * 60 * 60 // seconds
	spikeWindow         = 3600              // 3 txs within an hour
	dustThreshold       = 0.0001            // BTC
	dustCountThreshold  = 5
	hoardingMultiplier  = 5
	volumeDegreeLimit   = 20
	shortLivedTxCount   = 10
	shortLivedLifespan  = 86400
	centralityThreshold = 0.1
	periodicCVThreshold = 0.1
	activityTxCount     = 5
	coinJoinMinInputs   = 3
	peelRatioThreshold  = 5
	peelEpsilon         = 0.00001
	epsilonDiffLimit    = 0.001
)

// Input is everything the detector reads. Nothing in it is mutated.
type Input struct {
	Transactions []models.Transaction
	Features     map[string]models.AddressFeatures
	Order        []string // account evaluation and tie-break order
}

// Options tunes the detector's execution, not its semantics
type Options struct {
	Workers int // <= 0 means GOMAXPROCS
}

// Result holds findings and the flat pattern-detail list, both sorted by
// descending score with ties in discovery order
type Result struct {
	Findings []models.Finding
	Patterns []models.PatternDetail
	Stats    Stats
}

// Stats are the global per-transaction statistics used by the rules
type Stats struct {
	MedianInput    float64 `json:"medianInput"`
	WithdrawalMean float64 `json:"withdrawalMean"`
	WithdrawalStd  float64 `json:"withdrawalStd"`
	DepositMean    float64 `json:"depositMean"`
	DepositStd     float64 `json:"depositStd"`
}

type detector struct {
	txs   map[string]*models.Transaction
	stats Stats
}

// ComputeStats derives the global statistics from transaction totals
func ComputeStats(txs []models.Transaction) Stats {
	if len(txs) == 0 {
		return Stats{}
	}
	withdrawals := make([]float64, len(txs))
	deposits := make([]float64, len(txs))
	for i, tx := range txs {
		withdrawals[i] = tx.InputTotal()
		deposits[i] = tx.OutputTotal()
	}

	var s Stats
	s.WithdrawalMean, s.WithdrawalStd = stat.PopMeanStdDev(withdrawals, nil)
	s.DepositMean, s.DepositStd = stat.PopMeanStdDev(deposits, nil)
	s.MedianInput = median(withdrawals)
	return s
}

// median averages the two middle values for even-length input
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Detect evaluates every address in in.Order and assembles the findings
func Detect(ctx context.Context, in Input, opts Options) (Result, error) {
	d := &detector{
		txs:   make(map[string]*models.Transaction, len(in.Transactions)),
		stats: ComputeStats(in.Transactions),
	}
	for i := range in.Transactions {
		d.txs[in.Transactions[i].Txid] = &in.Transactions[i]
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	slots := make([]*models.Finding, len(in.Order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, addr := range in.Order {
		f, ok := in.Features[addr]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = d.evaluate(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("pattern evaluation: %w", err)
	}

	res := Result{Stats: d.stats}
	for _, f := range slots {
		if f == nil {
			continue
		}
		res.Findings = append(res.Findings, *f)
		res.Patterns = append(res.Patterns, f.Patterns...)
	}
	SortFindings(res.Findings)
	sort.SliceStable(res.Patterns, func(i, j int) bool {
		return res.Patterns[i].RiskScore > res.Patterns[j].RiskScore
	})
	return res, nil
}

// SortFindings orders by descending score, stable for ties
func SortFindings(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].RiskScore > findings[j].RiskScore
	})
}

// hit accumulates the triggers for one address
type hit struct {
	addr     string
	reasons  []string
	score    float64
	patterns []models.PatternDetail
}

func (h *hit) add(reason string, detail models.PatternDetail) {
	detail.Address = h.addr
	h.reasons = append(h.reasons, reason)
	h.score += detail.RiskScore
	h.patterns = append(h.patterns, detail)
}

func (d *detector) evaluate(f models.AddressFeatures) *models.Finding {
	h := &hit{addr: f.Address}
	timestamps := d.sortedTimestamps(f)

	d.ruleNegativeBalance(h, f)
	d.ruleInactivePeriod(h, f, timestamps)
	d.ruleHighWithdrawal(h, f)
	d.ruleActivitySpike(h, f, timestamps)
	d.ruleRepeatedDust(h, f)
	d.ruleHoarding(h, f)
	d.ruleHighVolume(h, f)
	d.ruleShortLived(h, f)
	d.ruleHighCentrality(h, f)
	d.rulePeriodic(h, f)
	d.ruleCoinJoin(h, f)
	d.rulePeelChain(h, f)
	d.ruleEpsilon(h, f)

	if len(h.reasons) == 0 {
		return nil
	}

	snapshot := f.Clone()
	return &models.Finding{
		Address:   f.Address,
		Reasons:   h.reasons,
		RiskScore: math.Min(h.score, MaxRiskScore),
		Patterns:  h.patterns,
		ClusterID: snapshot.ClusterID,
		Features:  &snapshot,
	}
}

// sortedTimestamps collects the timestamps of every tx the address takes part in
func (d *detector) sortedTimestamps(f models.AddressFeatures) []float64 {
	ts := make([]float64, 0, len(f.InTxs)+len(f.OutTxs))
	for _, id := range f.InTxs {
		if tx, ok := d.txs[id]; ok {
			ts = append(ts, tx.Timestamp)
		}
	}
	for _, id := range f.OutTxs {
		if tx, ok := d.txs[id]; ok {
			ts = append(ts, tx.Timestamp)
		}
	}
	sort.Float64s(ts)
	return ts
}

// 1. Negative balance
func (d *detector) ruleNegativeBalance(h *hit, f models.AddressFeatures) {
	if f.Balance >= 0 {
		return
	}
	h.add(ReasonNegativeBalance, models.PatternDetail{
		Pattern:   PatternNegativeBalance,
		RiskScore: 80,
		Details:   fmt.Sprintf("Address has negative balance of %.8f BTC", f.Balance),
	})
}

// 2. Inactive period; only addresses that have received funds
func (d *detector) ruleInactivePeriod(h *hit, f models.AddressFeatures, ts []float64) {
	if len(f.InTxs) == 0 {
		return
	}
	for i := 0; i+1 < len(ts); i++ {
		gap := ts[i+1] - ts[i]
		if gap > inactivityThreshold {
			h.add(ReasonInactivePeriod, models.PatternDetail{
				Pattern:   PatternInactivePeriod,
				RiskScore: 40,
				Details:   fmt.Sprintf("Inactive period of %.1f days detected", gap/(24*60*60)),
				StartTime: ts[i],
				EndTime:   ts[i+1],
			})
			return
		}
	}
}

// 3. Unusually high withdrawal
func (d *detector) ruleHighWithdrawal(h *hit, f models.AddressFeatures) {
	limit := d.stats.WithdrawalMean + 2*d.stats.WithdrawalStd
	for _, id := range f.OutTxs {
		tx, ok := d.txs[id]
		if !ok {
			continue
		}
		amount := tx.InputTotal()
		if amount > limit && amount > 0 {
			h.add(ReasonHighWithdrawal, models.PatternDetail{
				Pattern:   PatternHighWithdrawal,
				RiskScore: 60,
				Details: fmt.Sprintf("Withdrawal of %.8f BTC (mean: %.8f, std: %.8f)",
					amount, d.stats.WithdrawalMean, d.stats.WithdrawalStd),
				TransactionID: id,
				Timestamp:     tx.Timestamp,
			})
			return
		}
	}
}

// 4. Sudden spike: three timestamps inside one hour
func (d *detector) ruleActivitySpike(h *hit, f models.AddressFeatures, ts []float64) {
	if f.TxCount <= activityTxCount {
		return
	}
	for i := 0; i+2 < len(ts); i++ {
		window := ts[i+2] - ts[i]
		if window < spikeWindow {
			h.add(ReasonActivitySpike, models.PatternDetail{
				Pattern:   PatternActivitySpike,
				RiskScore: 50,
				Details:   fmt.Sprintf("3 transactions within %.1f minutes", window/60),
				StartTime: ts[i],
				EndTime:   ts[i+2],
			})
			return
		}
	}
}

// 5. Repeated dust outputs across the address's outgoing transactions
func (d *detector) ruleRepeatedDust(h *hit, f models.AddressFeatures) {
	count := 0
	for _, id := range f.OutTxs {
		tx, ok := d.txs[id]
		if !ok {
			continue
		}
		for _, out := range tx.Outputs {
			if out.Amount < dustThreshold {
				count++
			}
		}
	}
	if count <= dustCountThreshold {
		return
	}
	h.add(ReasonRepeatedDust, models.PatternDetail{
		Pattern:   PatternRepeatedDust,
		RiskScore: 55,
		Details:   fmt.Sprintf("%d transactions with values < 0.0001 BTC", count),
	})
}

// 6. Hoarding: large receipts, never spends
func (d *detector) ruleHoarding(h *hit, f models.AddressFeatures) {
	if f.Received <= d.stats.MedianInput*hoardingMultiplier || f.OutDegree != 0 {
		return
	}
	h.add(ReasonHoarding, models.PatternDetail{
		Pattern:   PatternHoarding,
		RiskScore: 50,
		Details:   fmt.Sprintf("Received %.8f BTC but never sent funds", f.Received),
	})
}

// 7. High transaction volume
func (d *detector) ruleHighVolume(h *hit, f models.AddressFeatures) {
	if f.InDegree <= volumeDegreeLimit && f.OutDegree <= volumeDegreeLimit {
		return
	}
	score := math.Min(float64(f.InDegree+f.OutDegree)/10, 60)
	h.add(ReasonHighVolume, models.PatternDetail{
		Pattern:   PatternHighVolume,
		RiskScore: score,
		Details:   fmt.Sprintf("In-degree: %d, Out-degree: %d", f.InDegree, f.OutDegree),
	})
}

// 8. Short-lived address with high activity
func (d *detector) ruleShortLived(h *hit, f models.AddressFeatures) {
	if f.TxCount <= shortLivedTxCount || f.Lifespan >= shortLivedLifespan {
		return
	}
	h.add(ReasonShortLived, models.PatternDetail{
		Pattern:   PatternShortLived,
		RiskScore: 70,
		Details:   fmt.Sprintf("%d transactions in %.1f hours", f.TxCount, f.Lifespan/3600),
	})
}

// 9. High betweenness centrality
func (d *detector) ruleHighCentrality(h *hit, f models.AddressFeatures) {
	c := f.BetweennessCentrality
	if c <= centralityThreshold {
		return
	}
	h.add(ReasonHighCentrality, models.PatternDetail{
		Pattern:   PatternHighCentrality,
		RiskScore: 40 + c*100,
		Details:   fmt.Sprintf("Betweenness centrality: %.4f", c),
	})
}

// 10. Periodic incoming transactions. Gaps are taken between consecutive
// incoming txs in arc order; zero timestamps are treated as missing.
func (d *detector) rulePeriodic(h *hit, f models.AddressFeatures) {
	if f.TxCount <= activityTxCount || f.AvgTimeBetweenTxs <= 0 {
		return
	}
	var gaps []float64
	for i := 0; i+1 < len(f.InTxs); i++ {
		t1, ok1 := d.txs[f.InTxs[i]]
		t2, ok2 := d.txs[f.InTxs[i+1]]
		if !ok1 || !ok2 || t1.Timestamp == 0 || t2.Timestamp == 0 {
			continue
		}
		gaps = append(gaps, math.Abs(t2.Timestamp-t1.Timestamp))
	}
	if len(gaps) < 2 {
		return
	}

	mean, std := stat.PopMeanStdDev(gaps, nil)
	if mean <= 0 {
		return
	}
	cv := std / mean
	if cv >= periodicCVThreshold {
		return
	}
	h.add(ReasonPeriodic, models.PatternDetail{
		Pattern:   PatternPeriodic,
		RiskScore: 30,
		Details:   fmt.Sprintf("Mean time between transactions: %.1f hours, CV: %.4f", mean/3600, cv),
	})
}

// 11. CoinJoin: any participating tx with >= 3 inputs and two equal outputs
func (d *detector) ruleCoinJoin(h *hit, f models.AddressFeatures) {
	seen := make(map[string]bool, len(f.InTxs)+len(f.OutTxs))
	for _, list := range [][]string{f.InTxs, f.OutTxs} {
		for _, id := range list {
			if seen[id] {
				continue
			}
			seen[id] = true

			tx, ok := d.txs[id]
			if !ok || len(tx.Inputs) < coinJoinMinInputs || !hasEqualOutputs(tx.Outputs) {
				continue
			}
			h.add(ReasonCoinJoin, models.PatternDetail{
				Pattern:       PatternCoinJoin,
				RiskScore:     60,
				Details:       fmt.Sprintf("Transaction with %d inputs and equal outputs", len(tx.Inputs)),
				TransactionID: id,
				Timestamp:     tx.Timestamp,
			})
			return
		}
	}
}

func hasEqualOutputs(outputs []models.Transfer) bool {
	if len(outputs) < 2 {
		return false
	}
	seen := make(map[float64]bool, len(outputs))
	for _, out := range outputs {
		if seen[out.Amount] {
			return true
		}
		seen[out.Amount] = true
	}
	return false
}

// 12. Peel chain: single-funded address splitting into a large and a small output
func (d *detector) rulePeelChain(h *hit, f models.AddressFeatures) {
	if f.InDegree != 1 || f.OutDegree != 2 {
		return
	}
	for _, id := range f.OutTxs {
		tx, ok := d.txs[id]
		if !ok || len(tx.Outputs) != 2 {
			continue
		}
		a, b := tx.Outputs[0].Amount, tx.Outputs[1].Amount
		ratio := math.Max(a, b) / (math.Min(a, b) + peelEpsilon)
		if ratio > peelRatioThreshold {
			h.add(ReasonPeelChain, models.PatternDetail{
				Pattern:       PatternPeelChain,
				RiskScore:     45,
				Details:       fmt.Sprintf("Output ratio: %.2f", ratio),
				TransactionID: id,
				Timestamp:     tx.Timestamp,
			})
			return
		}
	}
}

// 13. Epsilon outputs: for each output i, the first later output j that
// differs by a positive amount under the limit
func (d *detector) ruleEpsilon(h *hit, f models.AddressFeatures) {
	for _, id := range f.OutTxs {
		tx, ok := d.txs[id]
		if !ok || len(tx.Outputs) < 2 {
			continue
		}
		for i := 0; i < len(tx.Outputs); i++ {
			for j := i + 1; j < len(tx.Outputs); j++ {
				diff := math.Abs(tx.Outputs[i].Amount - tx.Outputs[j].Amount)
				if diff > 0 && diff < epsilonDiffLimit {
					h.add(ReasonEpsilon, models.PatternDetail{
						Pattern:       PatternEpsilon,
						RiskScore:     35,
						Details:       fmt.Sprintf("Outputs differ by %.8f BTC", diff),
						TransactionID: id,
						Timestamp:     tx.Timestamp,
					})
					break
				}
			}
		}
	}
}
