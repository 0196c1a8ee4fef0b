package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/charmbracelet/log"
	"github.com/rawblock/btn-forensics/pkg/models"
)

var ErrInvalidRange = errors.New("bitcoin: invalid block range")

// MaxRangeBlocks bounds a single request
const MaxRangeBlocks = 144

// chainReader is the subset of rpcclient.Client the source needs
type chainReader interface {
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
}

// Source turns confirmed blocks into transaction records. Inputs are resolved
// through their previous outputs; coinbase transactions are skipped. A Source
// holds no per-call state and is safe for concurrent Records calls.
type Source struct {
	chain  chainReader
	params *chaincfg.Params
	logger *log.Logger
}

// txCache memoises verbose transactions for one Records call
type txCache map[string]*btcjson.TxRawResult

func NewSource(chain chainReader, params *chaincfg.Params, logger *log.Logger) *Source {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Source{
		chain:  chain,
		params: params,
		logger: logger,
	}
}

// Records reads blocks start..end inclusive. A block that cannot be fetched
// is logged and skipped, as is a transaction that cannot be decoded.
func (s *Source) Records(ctx context.Context, start, end int64) ([]models.Record, error) {
	if start < 0 || end < start || end-start+1 > MaxRangeBlocks {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidRange, start, end)
	}

	s.logger.Info("[BlockSource] reading blocks", "from", start, "to", end)
	var records []models.Record
	cache := make(txCache)
	for height := start; height <= end; height++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := s.block(height)
		if err != nil {
			s.logger.Warn("[BlockSource] skipping block", "height", height, "err", err)
			continue
		}
		for _, txid := range block.Tx {
			rec, ok := s.record(cache, txid, float64(block.Time))
			if ok {
				records = append(records, rec)
			}
		}
	}
	s.logger.Info("[BlockSource] done", "records", len(records))
	return records, nil
}

func (s *Source) block(height int64) (*btcjson.GetBlockVerboseResult, error) {
	hash, err := s.chain.GetBlockHash(height)
	if err != nil {
		return nil, fmt.Errorf("block hash: %w", err)
	}
	block, err := s.chain.GetBlockVerbose(hash)
	if err != nil {
		return nil, fmt.Errorf("block: %w", err)
	}
	return block, nil
}

func (s *Source) record(cache txCache, txid string, blockTime float64) (models.Record, bool) {
	raw, err := s.tx(cache, txid)
	if err != nil {
		s.logger.Debug("[BlockSource] skipping tx", "txid", txid, "err", err)
		return models.Record{}, false
	}
	if len(raw.Vin) > 0 && raw.Vin[0].IsCoinBase() {
		return models.Record{}, false
	}

	rec := models.Record{TxID: raw.Txid, Timestamp: blockTime}
	for _, vin := range raw.Vin {
		prev, err := s.tx(cache, vin.Txid)
		if err != nil || int(vin.Vout) >= len(prev.Vout) {
			s.logger.Debug("[BlockSource] unresolved prevout", "txid", raw.Txid, "prev", vin.Txid)
			continue
		}
		out := prev.Vout[vin.Vout]
		if addr := s.address(out.ScriptPubKey); addr != "" {
			rec.Inputs = append(rec.Inputs, models.Transfer{Address: addr, Amount: out.Value})
		}
	}
	for _, vout := range raw.Vout {
		if addr := s.address(vout.ScriptPubKey); addr != "" {
			rec.Outputs = append(rec.Outputs, models.Transfer{Address: addr, Amount: vout.Value})
		}
	}
	return rec, true
}

// tx fetches a verbose transaction, memoising previous outputs
func (s *Source) tx(cache txCache, txid string) (*btcjson.TxRawResult, error) {
	if cached, ok := cache[txid]; ok {
		return cached, nil
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	raw, err := s.chain.GetRawTransactionVerbose(hash)
	if err != nil {
		return nil, err
	}
	cache[txid] = raw
	return raw, nil
}

// address prefers the node's decoded address and falls back to extracting it
// from the script. Non-standard and data-carrier scripts yield "".
func (s *Source) address(spk btcjson.ScriptPubKeyResult) string {
	if len(spk.Addresses) > 0 {
		return spk.Addresses[0]
	}
	script, err := hex.DecodeString(spk.Hex)
	if err != nil {
		return ""
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, s.params)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0].EncodeAddress()
}
