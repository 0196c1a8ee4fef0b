package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/rawblock/btn-forensics/pkg/models"
)

// Read-only report views over the current session state

const DefaultDepositRankingSize = 20

// Annotation marks a chart point with a triggered pattern
type Annotation struct {
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Pattern       string  `json:"pattern"`
	RiskScore     float64 `json:"riskScore"`
	Address       string  `json:"address,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
	Text          string  `json:"text"`
}

// AmountBucket counts transactions whose input total rounds to Amount
type AmountBucket struct {
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

type WithdrawalDistribution struct {
	Buckets     []AmountBucket `json:"buckets"`
	Annotations []Annotation   `json:"annotations"`
}

type DepositEntry struct {
	Address  string  `json:"address"`
	Label    string  `json:"label"`
	Received float64 `json:"received"`
}

type DepositRanking struct {
	Entries     []DepositEntry `json:"entries"`
	Annotations []Annotation   `json:"annotations"`
}

type StageTime struct {
	Stage   string  `json:"stage"`
	Seconds float64 `json:"seconds"`
	Percent float64 `json:"percent"`
}

type ProcessingBreakdown struct {
	Stages []StageTime `json:"stages"`
}

type PatternStats struct {
	Pattern      string   `json:"pattern"`
	Count        int      `json:"count"`
	AvgRiskScore float64  `json:"avgRiskScore"`
	MaxRiskScore float64  `json:"maxRiskScore"`
	Addresses    []string `json:"addresses"`
}

type PatternSummary struct {
	TotalPatterns int                    `json:"totalPatterns"`
	PatternTypes  []PatternStats         `json:"patternTypes"`
	Patterns      []models.PatternDetail `json:"patterns"`
}

// TxInvolvement is one transaction as seen from a single address
type TxInvolvement struct {
	TransactionID string  `json:"transactionId"`
	Timestamp     float64 `json:"timestamp"`
	IsInput       bool    `json:"isInput"`
	IsOutput      bool    `json:"isOutput"`
	Amount        float64 `json:"amount"`
	TotalInput    float64 `json:"totalInput"`
	TotalOutput   float64 `json:"totalOutput"`
	InputCount    int     `json:"inputCount"`
	OutputCount   int     `json:"outputCount"`
}

type SuspectedTransactions struct {
	Address      string          `json:"address"`
	RiskScore    float64         `json:"riskScore"`
	Reasons      []string        `json:"reasons"`
	ClusterID    *int            `json:"clusterId"`
	Transactions []TxInvolvement `json:"transactions"`
}

type AddressDetail struct {
	Address        string                 `json:"address"`
	Features       models.AddressFeatures `json:"features"`
	Finding        *models.Finding        `json:"finding,omitempty"`
	ClusterID      *int                   `json:"clusterId"`
	ClusterMembers []string               `json:"clusterMembers,omitempty"`
	Transactions   []TxInvolvement        `json:"transactions"`
}

func annotationText(p models.PatternDetail) string {
	return fmt.Sprintf("%s (risk %g)", p.Pattern, p.RiskScore)
}

// WithdrawalDistribution groups transactions by their rounded input total.
// Rounding is half-to-even. Patterns tied to a transaction annotate its bucket.
func (s *Session) WithdrawalDistribution() (WithdrawalDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return WithdrawalDistribution{}, ErrModelNotBuilt
	}

	byTx := make(map[string][]models.PatternDetail)
	if s.detected != nil {
		for _, p := range s.detected.Patterns {
			if p.TransactionID != "" {
				byTx[p.TransactionID] = append(byTx[p.TransactionID], p)
			}
		}
	}

	counts := make(map[float64]int)
	var out WithdrawalDistribution
	for _, tx := range s.txs {
		bucket := math.RoundToEven(tx.InputTotal())
		counts[bucket]++
		for _, p := range byTx[tx.Txid] {
			out.Annotations = append(out.Annotations, Annotation{
				X:             bucket,
				Y:             float64(counts[bucket]),
				Pattern:       p.Pattern,
				RiskScore:     p.RiskScore,
				Address:       p.Address,
				TransactionID: tx.Txid,
				Text:          annotationText(p),
			})
		}
	}

	for amount, n := range counts {
		out.Buckets = append(out.Buckets, AmountBucket{Amount: amount, Count: n})
	}
	sort.Slice(out.Buckets, func(i, j int) bool { return out.Buckets[i].Amount < out.Buckets[j].Amount })
	return out, nil
}

// DepositRanking lists the top addresses by received amount, annotated with
// their highest-scoring pattern
func (s *Session) DepositRanking(limit int) (DepositRanking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return DepositRanking{}, ErrModelNotBuilt
	}
	if limit <= 0 {
		limit = DefaultDepositRankingSize
	}

	ranked := append([]string(nil), s.order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return s.features[ranked[i]].Received > s.features[ranked[j]].Received
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	var out DepositRanking
	for i, addr := range ranked {
		received := s.features[addr].Received
		out.Entries = append(out.Entries, DepositEntry{Address: addr, Label: shortLabel(addr), Received: received})

		if s.detected == nil {
			continue
		}
		for _, p := range s.detected.Patterns {
			if p.Address == addr {
				out.Annotations = append(out.Annotations, Annotation{
					X:         float64(i),
					Y:         received,
					Pattern:   p.Pattern,
					RiskScore: p.RiskScore,
					Address:   addr,
					Text:      annotationText(p),
				})
				break
			}
		}
	}
	return out, nil
}

// ProcessingTimes reports per-stage durations and their share of the total.
// The total row is itself part of the percentage base.
func (s *Session) ProcessingTimes() (ProcessingBreakdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return ProcessingBreakdown{}, ErrModelNotBuilt
	}

	t := s.timings
	stages := []StageTime{
		{Stage: "Parsing", Seconds: t.Parsing.Seconds()},
		{Stage: "Ledger Build", Seconds: t.LedgerBuild.Seconds()},
		{Stage: "Feature Extraction", Seconds: (t.Features + t.Centrality).Seconds()},
		{Stage: "Pattern Matching", Seconds: t.PatternMatching.Seconds()},
		{Stage: "Extension Rules", Seconds: t.ExtensionRules.Seconds()},
	}
	total := (t.Parsing + t.Features + t.Centrality + t.PatternMatching + t.ExtensionRules).Seconds()
	stages = append(stages, StageTime{Stage: "Total", Seconds: total})

	base := 0.0
	for _, st := range stages {
		base += st.Seconds
	}
	if base > 0 {
		for i := range stages {
			stages[i].Percent = 100 * stages[i].Seconds / base
		}
	}
	return ProcessingBreakdown{Stages: stages}, nil
}

// PatternSummary aggregates detail records per pattern, most frequent first
func (s *Session) PatternSummary() (PatternSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detected == nil {
		return PatternSummary{}, ErrPatternsNotDetected
	}

	patterns := s.detected.Patterns
	index := make(map[string]int)
	var types []PatternStats
	seenAddr := make(map[string]map[string]bool)

	for _, p := range patterns {
		i, ok := index[p.Pattern]
		if !ok {
			i = len(types)
			index[p.Pattern] = i
			types = append(types, PatternStats{Pattern: p.Pattern})
			seenAddr[p.Pattern] = make(map[string]bool)
		}
		st := &types[i]
		st.Count++
		st.AvgRiskScore += p.RiskScore
		st.MaxRiskScore = math.Max(st.MaxRiskScore, p.RiskScore)
		if !seenAddr[p.Pattern][p.Address] {
			seenAddr[p.Pattern][p.Address] = true
			st.Addresses = append(st.Addresses, p.Address)
		}
	}
	for i := range types {
		types[i].AvgRiskScore /= float64(types[i].Count)
		sort.Strings(types[i].Addresses)
	}
	sort.SliceStable(types, func(i, j int) bool { return types[i].Count > types[j].Count })

	return PatternSummary{
		TotalPatterns: len(patterns),
		PatternTypes:  types,
		Patterns:      append([]models.PatternDetail(nil), patterns...),
	}, nil
}

// SuspectedTransactionDetails lists, for every current finding in score
// order, the transactions the address took part in sorted by timestamp
func (s *Session) SuspectedTransactionDetails() ([]SuspectedTransactions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detected == nil {
		return nil, ErrPatternsNotDetected
	}

	findings := s.currentFindings()
	out := make([]SuspectedTransactions, 0, len(findings))
	for _, f := range findings {
		var cid *int
		if f.ClusterID != nil {
			id := *f.ClusterID
			cid = &id
		}
		out = append(out, SuspectedTransactions{
			Address:      f.Address,
			RiskScore:    f.RiskScore,
			Reasons:      append([]string(nil), f.Reasons...),
			ClusterID:    cid,
			Transactions: s.involvements(f.Address),
		})
	}
	return out, nil
}

// AddressDetail returns everything known about one address
func (s *Session) AddressDetail(addr string) (AddressDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return AddressDetail{}, ErrModelNotBuilt
	}
	f, ok := s.features[addr]
	if !ok {
		return AddressDetail{}, fmt.Errorf("%w: %s", ErrAddressNotFound, addr)
	}

	detail := AddressDetail{
		Address:      addr,
		Features:     f.Clone(),
		Transactions: s.involvements(addr),
	}
	if f.ClusterID != nil {
		id := *f.ClusterID
		detail.ClusterID = &id
		detail.ClusterMembers, _ = s.clusters.Members(id)
	}
	for _, finding := range s.currentFindings() {
		if finding.Address == addr {
			c := cloneFindings([]models.Finding{finding})[0]
			detail.Finding = &c
			break
		}
	}
	return detail, nil
}

// involvements walks incoming then outgoing txs of addr, ordered by timestamp
func (s *Session) involvements(addr string) []TxInvolvement {
	f := s.features[addr]
	ids := append(append([]string(nil), f.InTxs...), f.OutTxs...)

	out := make([]TxInvolvement, 0, len(ids))
	for _, id := range ids {
		i, ok := s.txIndex[id]
		if !ok {
			continue
		}
		tx := s.txs[i]
		inAmt, isInput := tx.HasInput(addr)
		outAmt, isOutput := tx.HasOutput(addr)
		amount := outAmt
		if isInput {
			amount = inAmt
		}
		out = append(out, TxInvolvement{
			TransactionID: id,
			Timestamp:     tx.Timestamp,
			IsInput:       isInput,
			IsOutput:      isOutput,
			Amount:        amount,
			TotalInput:    tx.InputTotal(),
			TotalOutput:   tx.OutputTotal(),
			InputCount:    len(tx.Inputs),
			OutputCount:   len(tx.Outputs),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// shortLabel keeps the first ten characters of an address
func shortLabel(addr string) string {
	r := []rune(addr)
	if len(r) > 10 {
		r = r[:10]
	}
	return string(r) + "..."
}
