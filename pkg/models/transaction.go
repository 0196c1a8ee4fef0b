package models

// Transfer is one entry of a transaction's ordered input or output mapping
type Transfer struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"` // BTC
}

// Record is a decoded raw transaction row handed to the builder.
// Inputs and Outputs are already normalised to address/amount pairs.
type Record struct {
	TxID      string     `json:"txid"`
	Timestamp float64    `json:"timestamp"` // unix seconds
	Inputs    []Transfer `json:"inputs"`
	Outputs   []Transfer `json:"outputs"`
}

// Transaction is a registered transfer event. Immutable once built.
type Transaction struct {
	Txid      string     `json:"txid"`
	Timestamp float64    `json:"timestamp"`
	Inputs    []Transfer `json:"inputs"`
	Outputs   []Transfer `json:"outputs"`
}

// InputTotal is the withdrawal side of the transaction
func (t Transaction) InputTotal() float64 {
	total := 0.0
	for _, in := range t.Inputs {
		total += in.Amount
	}
	return total
}

// OutputTotal is the deposit side of the transaction
func (t Transaction) OutputTotal() float64 {
	total := 0.0
	for _, out := range t.Outputs {
		total += out.Amount
	}
	return total
}

// HasInput reports whether addr spends into the transaction
func (t Transaction) HasInput(addr string) (float64, bool) {
	for _, in := range t.Inputs {
		if in.Address == addr {
			return in.Amount, true
		}
	}
	return 0, false
}

// HasOutput reports whether addr is paid by the transaction
func (t Transaction) HasOutput(addr string) (float64, bool) {
	for _, out := range t.Outputs {
		if out.Address == addr {
			return out.Amount, true
		}
	}
	return 0, false
}

// AddressFeatures is the derived per-address snapshot used by the detector
type AddressFeatures struct {
	Address               string   `json:"address"`
	Received              float64  `json:"received"`
	Balance               float64  `json:"balance"` // received - sent, may be negative
	InDegree              int      `json:"inDegree"`
	OutDegree             int      `json:"outDegree"`
	InTxs                 []string `json:"inTxs"`  // txs paying this address, arc order
	OutTxs                []string `json:"outTxs"` // txs spending from this address, arc order
	TxCount               int      `json:"txCount"`
	Lifespan              float64  `json:"lifespan"`          // seconds
	AvgTimeBetweenTxs     float64  `json:"avgTimeBetweenTxs"` // seconds
	ClusterID             *int     `json:"clusterId"`         // nil when never a co-input
	BetweennessCentrality float64  `json:"betweennessCentrality"`
}

// Clone returns a deep copy safe to hand out of a session
func (f AddressFeatures) Clone() AddressFeatures {
	c := f
	c.InTxs = append([]string(nil), f.InTxs...)
	c.OutTxs = append([]string(nil), f.OutTxs...)
	if f.ClusterID != nil {
		id := *f.ClusterID
		c.ClusterID = &id
	}
	return c
}

// PatternDetail is one triggered rule instance
type PatternDetail struct {
	Address       string  `json:"address"`
	Pattern       string  `json:"pattern"`
	RiskScore     float64 `json:"riskScore"`
	Details       string  `json:"details"`
	TransactionID string  `json:"transactionId,omitempty"`
	Timestamp     float64 `json:"timestamp,omitempty"`
	StartTime     float64 `json:"startTime,omitempty"`
	EndTime       float64 `json:"endTime,omitempty"`
}

// Finding is the scored suspicion result for one address
type Finding struct {
	Address   string           `json:"address"`
	Reasons   []string         `json:"reasons"`
	RiskScore float64          `json:"riskScore"` // 0-100
	Patterns  []PatternDetail  `json:"patternDetails,omitempty"`
	ClusterID *int             `json:"clusterId"`
	Features  *AddressFeatures `json:"features,omitempty"`
}

// Substitution records a default applied to a malformed record field
type Substitution struct {
	RecordIndex int    `json:"recordIndex"`
	TxID        string `json:"txid"`
	Field       string `json:"field"`
	Reason      string `json:"reason"`
}

// BuildSummary is returned to the caller after the parse pass
type BuildSummary struct {
	AccountCount     int            `json:"accountCount"`
	TransactionCount int            `json:"transactionCount"`
	Transactions     []Transaction  `json:"transactions"`
	MalformedRecords int            `json:"malformedRecords"` // records with at least one substitution
	SkippedRecords   int            `json:"skippedRecords"`   // duplicates or records with no usable transfers
	Substitutions    []Substitution `json:"substitutions,omitempty"`
}

// ExpansionReport summarises cluster propagation
type ExpansionReport struct {
	ProcessingTime    float64 `json:"processingTime"` // seconds
	FindingsCount     int     `json:"rulesApplied"`
	ComponentCount    int     `json:"connectedComponents"`
	SuspectedClusters int     `json:"suspectedClusters"`
}
