package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rawblock/btn-forensics/internal/ledger"
	"github.com/rawblock/btn-forensics/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Transaction Builder
//
// Single pass over normalised records:
//
//   1. register the transaction (duplicate ids are skipped)
//   2. inputs:  account created with initial balance = first inbound amount,
//               account → tx arc
//   3. outputs: account created with balance 0, tx → account arc
//   4. more than one input: co-spend clustering over all inputs
//
// Every arc is mirrored into the graph projection. Feature extraction reads
// arcs only and never fires a transaction.

// CentralityMinTxCount is the activity level above which an address takes
// part in the centrality subgraph
const CentralityMinTxCount = 5

func (s *Session) substitute(idx int, txID, field, reason string) {
	s.summary.Substitutions = append(s.summary.Substitutions, models.Substitution{
		RecordIndex: idx,
		TxID:        txID,
		Field:       field,
		Reason:      reason,
	})
	s.log.Debug("[Builder] substituted malformed field", "record", idx, "txid", txID, "field", field, "reason", reason)
}

// normalizeTransfers drops empty addresses, coerces non-finite amounts to
// 1.0 and folds repeated addresses (first position, last value)
func (s *Session) normalizeTransfers(idx int, txID, side string, in []models.Transfer) ([]models.Transfer, int) {
	subs := 0
	out := make([]models.Transfer, 0, len(in))
	pos := make(map[string]int, len(in))

	for _, t := range in {
		addr := strings.TrimSpace(t.Address)
		if addr == "" {
			s.substitute(idx, txID, side+".address", "empty address dropped")
			subs++
			continue
		}
		amount := t.Amount
		if math.IsNaN(amount) || math.IsInf(amount, 0) {
			s.substitute(idx, txID, side+".amount", "non-finite amount replaced with 1.0")
			subs++
			amount = 1.0
		}
		if p, ok := pos[addr]; ok {
			s.substitute(idx, txID, side+".address", "repeated address "+addr+" merged")
			subs++
			out[p].Amount = amount
			continue
		}
		pos[addr] = len(out)
		out = append(out, models.Transfer{Address: addr, Amount: amount})
	}
	return out, subs
}

// ingest applies one record to the model
func (s *Session) ingest(idx int, rec models.Record, now float64) {
	subs := 0

	txID := strings.TrimSpace(rec.TxID)
	if txID == "" {
		txID = fmt.Sprintf("tx_%d", idx)
		s.substitute(idx, txID, "txid", "missing transaction id")
		subs++
	}
	ts := rec.Timestamp
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		ts = now
		s.substitute(idx, txID, "timestamp", "missing timestamp replaced with build time")
		subs++
	}

	inputs, n := s.normalizeTransfers(idx, txID, "inputs", rec.Inputs)
	subs += n
	outputs, n := s.normalizeTransfers(idx, txID, "outputs", rec.Outputs)
	subs += n

	if subs > 0 {
		s.summary.MalformedRecords++
	}
	if len(inputs) == 0 && len(outputs) == 0 {
		s.summary.SkippedRecords++
		s.log.Warn("[Builder] record has no usable transfers", "record", idx, "txid", txID)
		return
	}

	start := time.Now()
	defer func() { s.timings.LedgerBuild += time.Since(start) }()

	if err := s.ledger.AddTransaction(txID, map[string]float64{"timestamp": ts}); err != nil {
		s.summary.SkippedRecords++
		s.log.Warn("[Builder] skipping record", "record", idx, "err", err)
		return
	}

	for _, in := range inputs {
		s.addAccount(in.Address, in.Amount)
		arc := ledger.Arc{Kind: ledger.ArcInput, Account: in.Address, Transaction: txID, Weight: in.Amount}
		s.ledger.AddArc(arc)
		s.proj.AddArc(arc)
	}
	for _, out := range outputs {
		s.addAccount(out.Address, 0)
		arc := ledger.Arc{Kind: ledger.ArcOutput, Account: out.Address, Transaction: txID, Weight: out.Amount}
		s.ledger.AddArc(arc)
		s.proj.AddArc(arc)
	}

	if len(inputs) > 1 {
		addrs := make([]string, len(inputs))
		for i, in := range inputs {
			addrs[i] = in.Address
		}
		s.clusters.CoSpend(addrs)
	}

	s.txIndex[txID] = len(s.txs)
	s.txs = append(s.txs, models.Transaction{
		Txid:      txID,
		Timestamp: ts,
		Inputs:    inputs,
		Outputs:   outputs,
	})
}

func (s *Session) addAccount(addr string, initial float64) {
	if s.ledger.AddAccount(addr, initial) {
		s.order = append(s.order, addr)
	}
}

// computeFeatures derives every account's features in parallel. Cluster ids
// come from a partition snapshot so workers never touch the tracker.
func (s *Session) computeFeatures(ctx context.Context) error {
	partition := s.clusters.Partition()
	results := make([]models.AddressFeatures, len(s.order))

	workers := s.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, addr := range s.order {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.deriveFeatures(addr, partition)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, f := range results {
		s.features[f.Address] = f
	}
	return nil
}

func (s *Session) deriveFeatures(addr string, partition map[string]int) models.AddressFeatures {
	f := models.AddressFeatures{Address: addr}

	for _, arc := range s.ledger.ArcsOf(addr) {
		switch arc.Kind {
		case ledger.ArcOutput:
			f.Received += arc.Weight
			f.Balance += arc.Weight
			f.InTxs = append(f.InTxs, arc.Transaction)
		case ledger.ArcInput:
			f.Balance -= arc.Weight
			f.OutTxs = append(f.OutTxs, arc.Transaction)
		}
	}
	f.TxCount = len(f.InTxs) + len(f.OutTxs)

	if n, ok := s.proj.Account(addr); ok {
		f.InDegree = s.proj.InDegree(n)
		f.OutDegree = s.proj.OutDegree(n)
	}

	timestamps := make([]float64, 0, f.TxCount)
	for _, id := range append(append([]string(nil), f.InTxs...), f.OutTxs...) {
		if ts, ok := s.ledger.Timestamp(id); ok {
			timestamps = append(timestamps, ts)
		}
	}
	sort.Float64s(timestamps)
	if len(timestamps) > 1 {
		f.Lifespan = timestamps[len(timestamps)-1] - timestamps[0]
		total := 0.0
		for i := 1; i < len(timestamps); i++ {
			total += timestamps[i] - timestamps[i-1]
		}
		f.AvgTimeBetweenTxs = total / float64(len(timestamps)-1)
	}

	if id, ok := partition[addr]; ok {
		cid := id
		f.ClusterID = &cid
	}
	return f
}

// computeCentrality scores the active addresses as one batch
func (s *Session) computeCentrality() {
	var active []string
	for _, addr := range s.order {
		if s.features[addr].TxCount > CentralityMinTxCount {
			active = append(active, addr)
		}
	}
	if len(active) == 0 {
		return
	}

	scores := s.proj.AccountCentrality(active, s.opts.Centrality)
	for addr, c := range scores {
		f := s.features[addr]
		f.BetweennessCentrality = c
		s.features[addr] = f
	}
	s.log.Debug("[Builder] centrality computed", "addresses", len(active))
}
