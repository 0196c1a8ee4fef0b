package ledger

import (
	"errors"
	"fmt"
)

// Token-Conserving Ledger (Petri-net style)
//
// Accounts are places holding a token balance, transactions are transitions
// and arcs carry the amount moved:
//
//   account ──(w)──▶ tx      input arc: tx consumes w tokens from account
//   tx ──(w)──▶ account      output arc: tx produces w tokens for account
//
// A transaction is enabled when every input account holds at least the arc
// weight. Firing is all-or-nothing: every input is debited before any output
// is credited, so an account that is both input and output of the same
// transaction is validated and debited against its pre-fire balance.
//
// The analysis pipeline never fires transactions. Features are derived from
// arc weights directly; Fire exists to replay the ledger as a simulator.

var (
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction")
	ErrUnknownTransaction   = errors.New("ledger: unknown transaction")
	ErrNotEnabled           = errors.New("ledger: transaction not enabled")
)

// ArcKind distinguishes the two arc directions
type ArcKind int

const (
	ArcInput  ArcKind = iota // account → transaction
	ArcOutput                // transaction → account
)

// Arc is a weighted link between an account and a transaction
type Arc struct {
	Kind        ArcKind
	Account     string
	Transaction string
	Weight      float64
}

// Source returns the arc's tail node id
func (a Arc) Source() string {
	if a.Kind == ArcInput {
		return a.Account
	}
	return a.Transaction
}

// Target returns the arc's head node id
func (a Arc) Target() string {
	if a.Kind == ArcInput {
		return a.Transaction
	}
	return a.Account
}

// Transition is a registered transaction and its metadata
type Transition struct {
	ID       string
	Metadata map[string]float64
}

// Trace lists the accounts a transaction touches
type Trace struct {
	TransactionID   string   `json:"transactionId"`
	InputAddresses  []string `json:"inputAddresses"`
	OutputAddresses []string `json:"outputAddresses"`
}

// Ledger holds places, transitions and the append-only arc list
type Ledger struct {
	balances    map[string]float64
	accounts    []string // first-seen order
	transitions map[string]*Transition
	txOrder     []string
	arcs        []Arc

	inputsOf  map[string][]int // tx id -> indices of input arcs
	outputsOf map[string][]int // tx id -> indices of output arcs
	arcsOf    map[string][]int // account id -> indices of all arcs touching it
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		balances:    make(map[string]float64),
		transitions: make(map[string]*Transition),
		inputsOf:    make(map[string][]int),
		outputsOf:   make(map[string][]int),
		arcsOf:      make(map[string][]int),
	}
}

// AddAccount registers an account with an initial balance.
// Re-adding an existing account is a no-op; the balance is not reset.
func (l *Ledger) AddAccount(id string, initial float64) bool {
	if _, exists := l.balances[id]; exists {
		return false
	}
	l.balances[id] = initial
	l.accounts = append(l.accounts, id)
	return true
}

// HasAccount reports whether id is a known account
func (l *Ledger) HasAccount(id string) bool {
	_, ok := l.balances[id]
	return ok
}

// AddTransaction registers a transition. Duplicate ids are rejected.
func (l *Ledger) AddTransaction(id string, metadata map[string]float64) error {
	if _, exists := l.transitions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	meta := make(map[string]float64, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	l.transitions[id] = &Transition{ID: id, Metadata: meta}
	l.txOrder = append(l.txOrder, id)
	return nil
}

// HasTransaction reports whether id is a registered transition
func (l *Ledger) HasTransaction(id string) bool {
	_, ok := l.transitions[id]
	return ok
}

// Transition returns the registered transition for id
func (l *Ledger) Transition(id string) (Transition, bool) {
	t, ok := l.transitions[id]
	if !ok {
		return Transition{}, false
	}
	return *t, true
}

// Timestamp returns the transaction's timestamp metadata, if any
func (l *Ledger) Timestamp(txID string) (float64, bool) {
	t, ok := l.transitions[txID]
	if !ok {
		return 0, false
	}
	ts, ok := t.Metadata["timestamp"]
	return ts, ok
}

// AddArc appends an arc. Endpoints are not validated.
func (l *Ledger) AddArc(arc Arc) {
	idx := len(l.arcs)
	l.arcs = append(l.arcs, arc)

	switch arc.Kind {
	case ArcInput:
		l.inputsOf[arc.Transaction] = append(l.inputsOf[arc.Transaction], idx)
	case ArcOutput:
		l.outputsOf[arc.Transaction] = append(l.outputsOf[arc.Transaction], idx)
	}
	l.arcsOf[arc.Account] = append(l.arcsOf[arc.Account], idx)
}

// IsEnabled checks every input account holds at least the arc weight.
// Unknown accounts never satisfy the check.
func (l *Ledger) IsEnabled(txID string) bool {
	for _, idx := range l.inputsOf[txID] {
		arc := l.arcs[idx]
		bal, ok := l.balances[arc.Account]
		if !ok || bal < arc.Weight {
			return false
		}
	}
	return true
}

// Fire moves tokens from the inputs to the outputs of txID.
// Nothing is mutated unless the transaction is enabled.
func (l *Ledger) Fire(txID string) error {
	if _, ok := l.transitions[txID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	if !l.IsEnabled(txID) {
		return fmt.Errorf("%w: %s", ErrNotEnabled, txID)
	}

	for _, idx := range l.inputsOf[txID] {
		arc := l.arcs[idx]
		l.balances[arc.Account] -= arc.Weight
	}
	for _, idx := range l.outputsOf[txID] {
		arc := l.arcs[idx]
		if _, ok := l.balances[arc.Account]; !ok {
			l.accounts = append(l.accounts, arc.Account)
		}
		l.balances[arc.Account] += arc.Weight
	}
	return nil
}

// Marking returns a snapshot of every account balance
func (l *Ledger) Marking() map[string]float64 {
	out := make(map[string]float64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Balance returns the current token balance of an account
func (l *Ledger) Balance(id string) (float64, bool) {
	b, ok := l.balances[id]
	return b, ok
}

// Total sums all balances. Fire keeps it constant when inputs equal outputs.
func (l *Ledger) Total() float64 {
	total := 0.0
	for _, id := range l.accounts {
		total += l.balances[id]
	}
	return total
}

// Trace returns the input and output accounts of a transaction in arc order
func (l *Ledger) Trace(txID string) Trace {
	tr := Trace{TransactionID: txID}
	for _, idx := range l.inputsOf[txID] {
		tr.InputAddresses = append(tr.InputAddresses, l.arcs[idx].Account)
	}
	for _, idx := range l.outputsOf[txID] {
		tr.OutputAddresses = append(tr.OutputAddresses, l.arcs[idx].Account)
	}
	return tr
}

// Accounts returns account ids in first-seen order
func (l *Ledger) Accounts() []string {
	return append([]string(nil), l.accounts...)
}

// Transactions returns transition ids in registration order
func (l *Ledger) Transactions() []string {
	return append([]string(nil), l.txOrder...)
}

// Arcs returns a copy of the arc list
func (l *Ledger) Arcs() []Arc {
	return append([]Arc(nil), l.arcs...)
}

// ArcsOf returns every arc touching an account, in append order
func (l *Ledger) ArcsOf(account string) []Arc {
	idxs := l.arcsOf[account]
	out := make([]Arc, len(idxs))
	for i, idx := range idxs {
		out[i] = l.arcs[idx]
	}
	return out
}

// AccountCount returns the number of places
func (l *Ledger) AccountCount() int {
	return len(l.accounts)
}

// TransactionCount returns the number of transitions
func (l *Ledger) TransactionCount() int {
	return len(l.txOrder)
}
