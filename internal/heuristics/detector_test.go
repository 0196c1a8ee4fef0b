package heuristics

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/rawblock/btn-forensics/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id string, ts float64, inputs, outputs []models.Transfer) models.Transaction {
	return models.Transaction{Txid: id, Timestamp: ts, Inputs: inputs, Outputs: outputs}
}

func xfer(addr string, amount float64) models.Transfer {
	return models.Transfer{Address: addr, Amount: amount}
}

// deriveInput builds features straight from the transactions, the same
// way the session builder does, without clustering or centrality.
func deriveInput(txs []models.Transaction) Input {
	feats := make(map[string]models.AddressFeatures)
	var order []string
	touch := func(addr string) models.AddressFeatures {
		f, ok := feats[addr]
		if !ok {
			f = models.AddressFeatures{Address: addr}
			order = append(order, addr)
		}
		return f
	}
	times := make(map[string][]float64)

	for _, t := range txs {
		for _, in := range t.Inputs {
			f := touch(in.Address)
			f.Balance -= in.Amount
			f.OutDegree++
			f.OutTxs = append(f.OutTxs, t.Txid)
			feats[in.Address] = f
			times[in.Address] = append(times[in.Address], t.Timestamp)
		}
		for _, out := range t.Outputs {
			f := touch(out.Address)
			f.Received += out.Amount
			f.Balance += out.Amount
			f.InDegree++
			f.InTxs = append(f.InTxs, t.Txid)
			feats[out.Address] = f
			times[out.Address] = append(times[out.Address], t.Timestamp)
		}
	}

	for addr, f := range feats {
		ts := times[addr]
		sort.Float64s(ts)
		f.TxCount = len(f.InTxs) + len(f.OutTxs)
		if len(ts) > 1 {
			f.Lifespan = ts[len(ts)-1] - ts[0]
			f.AvgTimeBetweenTxs = f.Lifespan / float64(len(ts)-1)
		}
		feats[addr] = f
	}
	return Input{Transactions: txs, Features: feats, Order: order}
}

func findingFor(t *testing.T, res Result, addr string) models.Finding {
	t.Helper()
	for _, f := range res.Findings {
		if f.Address == addr {
			return f
		}
	}
	t.Fatalf("expected a finding for %s. Got: none", addr)
	return models.Finding{}
}

func patternsNamed(f models.Finding, name string) []models.PatternDetail {
	var out []models.PatternDetail
	for _, p := range f.Patterns {
		if p.Pattern == name {
			out = append(out, p)
		}
	}
	return out
}

func TestDetect_ShortLivedHighActivity(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 11; i++ {
		txs = append(txs, tx(fmt.Sprintf("t%d", i), 1_700_000_000+float64(i*300),
			[]models.Transfer{xfer(fmt.Sprintf("S%d", i), 1)},
			[]models.Transfer{xfer("Z", 1)}))
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)

	z := findingFor(t, res, "Z")
	assert.Contains(t, z.Reasons, ReasonShortLived)
	assert.GreaterOrEqual(t, z.RiskScore, 70.0)
	assert.LessOrEqual(t, z.RiskScore, MaxRiskScore)
	assert.Len(t, patternsNamed(z, PatternShortLived), 1)
}

func TestDetect_CoinJoinFlagsEveryInput(t *testing.T) {
	txs := []models.Transaction{
		tx("cj", 1000,
			[]models.Transfer{xfer("A", 1), xfer("B", 1), xfer("C", 1)},
			[]models.Transfer{xfer("D", 1.5), xfer("E", 1.5)}),
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{Workers: 2})
	require.NoError(t, err)

	for _, addr := range []string{"A", "B", "C"} {
		f := findingFor(t, res, addr)
		cj := patternsNamed(f, PatternCoinJoin)
		require.Len(t, cj, 1, addr)
		assert.Equal(t, 60.0, cj[0].RiskScore)
		assert.Equal(t, "cj", cj[0].TransactionID)
		assert.Equal(t, "Transaction with 3 inputs and equal outputs", cj[0].Details)
	}
}

func TestDetect_NegativeBalance(t *testing.T) {
	txs := []models.Transaction{
		tx("in", 1000, []models.Transfer{xfer("S", 10)}, []models.Transfer{xfer("M", 10)}),
		tx("out", 2000, []models.Transfer{xfer("M", 12)}, []models.Transfer{xfer("N", 12)}),
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)

	m := findingFor(t, res, "M")
	assert.Equal(t, -2.0, m.Features.Balance)
	assert.Contains(t, m.Reasons, ReasonNegativeBalance)
	assert.GreaterOrEqual(t, m.RiskScore, 80.0)
	assert.Equal(t, "Address has negative balance of -2.00000000 BTC", patternsNamed(m, PatternNegativeBalance)[0].Details)
}

func TestDetect_EpsilonBreaksInnerLoopOnly(t *testing.T) {
	txs := []models.Transaction{
		tx("fund", 1000, []models.Transfer{xfer("S", 5)}, []models.Transfer{xfer("P", 5)}),
		tx("split", 2000,
			[]models.Transfer{xfer("P", 3.0012)},
			[]models.Transfer{xfer("Q", 1.0), xfer("R", 1.0005), xfer("U", 1.0007)}),
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)

	p := findingFor(t, res, "P")
	eps := patternsNamed(p, PatternEpsilon)
	require.Len(t, eps, 2)
	assert.Equal(t, 70.0, p.RiskScore)
}

func TestDetect_PeelChain(t *testing.T) {
	txs := []models.Transaction{
		tx("fund", 1000, []models.Transfer{xfer("S", 10)}, []models.Transfer{xfer("P", 10)}),
		tx("peel1", 2000, []models.Transfer{xfer("P", 5)}, []models.Transfer{xfer("Q", 4.5), xfer("R", 0.5)}),
		tx("peel2", 3000, []models.Transfer{xfer("P", 5)}, []models.Transfer{xfer("Q2", 2.5), xfer("R2", 2.5)}),
	}

	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)

	p := findingFor(t, res, "P")
	peel := patternsNamed(p, PatternPeelChain)
	require.Len(t, peel, 1)
	assert.Equal(t, "peel1", peel[0].TransactionID)
	assert.Equal(t, "Output ratio: 9.00", peel[0].Details)
}

func TestDetect_NoTriggerNoFinding(t *testing.T) {
	txs := []models.Transaction{
		tx("a", 1000, []models.Transfer{xfer("S", 1)}, []models.Transfer{xfer("T", 1)}),
		tx("b", 2000, []models.Transfer{xfer("T", 1)}, []models.Transfer{xfer("S", 1)}),
	}
	res, err := Detect(context.Background(), deriveInput(txs), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Patterns)
}

func TestDetect_SortedDescendingWithStableTies(t *testing.T) {
	// X and Y only trip the negative-balance rule; W trips it and CoinJoin
	txs := []models.Transaction{
		tx("x", 1000, []models.Transfer{xfer("X", 1)}, []models.Transfer{xfer("O1", 1)}),
		tx("y", 1000, []models.Transfer{xfer("Y", 1)}, []models.Transfer{xfer("O2", 1)}),
		tx("w", 1000,
			[]models.Transfer{xfer("W", 1), xfer("W2", 1), xfer("W3", 1)},
			[]models.Transfer{xfer("O3", 1), xfer("O4", 1)}),
	}
	res, err := Detect(context.Background(), deriveInput(txs), Options{Workers: 4})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(res.Findings), 3)
	assert.Equal(t, "W", res.Findings[0].Address)
	for i := 1; i < len(res.Findings); i++ {
		assert.GreaterOrEqual(t, res.Findings[i-1].RiskScore, res.Findings[i].RiskScore)
	}

	var idxX, idxY int
	for i, f := range res.Findings {
		switch f.Address {
		case "X":
			idxX = i
		case "Y":
			idxY = i
		}
	}
	assert.Less(t, idxX, idxY, "ties keep discovery order")

	for i := 1; i < len(res.Patterns); i++ {
		assert.GreaterOrEqual(t, res.Patterns[i-1].RiskScore, res.Patterns[i].RiskScore)
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	txs := []models.Transaction{
		tx("x", 1000, []models.Transfer{xfer("X", 1)}, []models.Transfer{xfer("O", 1)}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Detect(ctx, deriveInput(txs), Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestComputeStats(t *testing.T) {
	txs := []models.Transaction{
		tx("a", 0, []models.Transfer{xfer("A", 1)}, []models.Transfer{xfer("B", 2)}),
		tx("b", 0, []models.Transfer{xfer("A", 3)}, []models.Transfer{xfer("B", 2)}),
		tx("c", 0, []models.Transfer{xfer("A", 4)}, []models.Transfer{xfer("B", 2)}),
		tx("d", 0, []models.Transfer{xfer("A", 10)}, []models.Transfer{xfer("B", 2)}),
	}
	s := ComputeStats(txs)

	assert.InDelta(t, 3.5, s.MedianInput, 1e-12)
	assert.InDelta(t, 4.5, s.WithdrawalMean, 1e-12)
	// population variance of {1,3,4,10} = 11.25
	assert.InDelta(t, 3.3541019662, s.WithdrawalStd, 1e-9)
	assert.InDelta(t, 0.0, s.DepositStd, 1e-12)

	assert.Equal(t, Stats{}, ComputeStats(nil))
}
