package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rawblock/btn-forensics/internal/cluster"
	"github.com/rawblock/btn-forensics/internal/graph"
	"github.com/rawblock/btn-forensics/internal/heuristics"
	"github.com/rawblock/btn-forensics/internal/ledger"
	"github.com/rawblock/btn-forensics/internal/metrics"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// Analysis Session
//
// A Session owns one model (ledger, graph projection, clusters, features and
// findings) and walks it through the pipeline stages in order:
//
//   Build → DetectPatterns → ExpandByCluster
//
// Calling a stage before its predecessor returns an ErrState error. Build
// always starts from an empty model, so a session can be rebuilt from a new
// record set. All methods are serialised, so one handle may be shared by
// concurrent HTTP requests; independent sessions share nothing.

// Options configures a session
type Options struct {
	Centrality graph.CentralityOptions
	Workers    int         // parallelism for features and rules; <= 0 means GOMAXPROCS
	Logger     *log.Logger // nil means log.Default()
	Now        func() time.Time
}

// DefaultOptions returns the standard sampling policy
func DefaultOptions() Options {
	return Options{
		Centrality: graph.CentralityOptions{
			SampleSize: graph.DefaultCentralitySample,
			Seed:       graph.DefaultCentralitySeed,
		},
	}
}

// Timings records how long each pipeline stage took
type Timings struct {
	Parsing         time.Duration
	LedgerBuild     time.Duration
	Features        time.Duration
	Centrality      time.Duration
	PatternMatching time.Duration
	ExtensionRules  time.Duration
}

// Session is the explicit handle for one analysis
type Session struct {
	mu   sync.Mutex
	opts Options
	log  *log.Logger

	ledger   *ledger.Ledger
	proj     *graph.Projection
	clusters *cluster.Tracker

	txs      []models.Transaction
	txIndex  map[string]int
	features map[string]models.AddressFeatures
	order    []string // accounts, first-seen
	summary  models.BuildSummary

	built    bool
	detected *heuristics.Result
	expanded *heuristics.Expansion
	stats    heuristics.Stats
	timings  Timings
}

// NewSession creates an empty session
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{opts: opts, log: opts.Logger}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.ledger = ledger.New()
	s.proj = graph.NewProjection()
	s.clusters = cluster.NewTracker()
	s.txs = nil
	s.txIndex = make(map[string]int)
	s.features = make(map[string]models.AddressFeatures)
	s.order = nil
	s.summary = models.BuildSummary{}
	s.built = false
	s.detected = nil
	s.expanded = nil
	s.stats = heuristics.Stats{}
	s.timings = Timings{}
}

// Build consumes records in order and derives every address feature.
// Per-record problems are absorbed and reported in the summary.
func (s *Session) Build(records []models.Record) (models.BuildSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	if len(records) == 0 {
		return models.BuildSummary{}, ErrEmptyInput
	}

	start := time.Now()
	now := float64(s.opts.Now().UnixNano()) / 1e9
	for idx, rec := range records {
		s.ingest(idx, rec, now)
	}
	s.timings.Parsing = time.Since(start)

	if len(s.txs) == 0 {
		summary := s.summary
		s.reset()
		return summary, fmt.Errorf("%w: %d records, %d skipped", ErrNoUsableRecords, len(records), summary.SkippedRecords)
	}

	featStart := time.Now()
	if err := s.computeFeatures(context.Background()); err != nil {
		s.reset()
		return models.BuildSummary{}, fmt.Errorf("feature extraction: %w", err)
	}
	s.timings.Features = time.Since(featStart)

	centralStart := time.Now()
	s.computeCentrality()
	s.timings.Centrality = time.Since(centralStart)

	s.built = true
	s.summary.AccountCount = s.ledger.AccountCount()
	s.summary.TransactionCount = s.ledger.TransactionCount()
	s.summary.Transactions = append([]models.Transaction(nil), s.txs...)

	s.log.Info("[Builder] model built",
		"accounts", s.summary.AccountCount,
		"transactions", s.summary.TransactionCount,
		"clusters", s.clusters.TotalClusters(),
		"malformed", s.summary.MalformedRecords,
		"skipped", s.summary.SkippedRecords,
		"elapsed", time.Since(start))
	return s.summary, nil
}

// DetectPatterns runs every rule over the built model. Re-running replaces
// earlier findings and discards any cluster expansion.
func (s *Session) DetectPatterns() ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return nil, ErrModelNotBuilt
	}

	start := time.Now()
	res, err := heuristics.Detect(context.Background(), heuristics.Input{
		Transactions: s.txs,
		Features:     s.features,
		Order:        s.order,
	}, heuristics.Options{Workers: s.opts.Workers})
	if err != nil {
		return nil, err
	}
	s.timings.PatternMatching = time.Since(start)
	s.timings.ExtensionRules = 0

	s.detected = &res
	s.expanded = nil
	s.stats = res.Stats

	s.log.Info("[Detector] pattern matching complete",
		"findings", len(res.Findings),
		"patterns", len(res.Patterns),
		"elapsed", s.timings.PatternMatching)
	return cloneFindings(res.Findings), nil
}

// ExpandByCluster pulls unflagged cluster members of flagged addresses in as
// related findings. It always expands from the detection-stage findings, so
// repeated calls produce the same result.
func (s *Session) ExpandByCluster() (models.ExpansionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return models.ExpansionReport{}, ErrModelNotBuilt
	}
	if s.detected == nil {
		return models.ExpansionReport{}, ErrPatternsNotDetected
	}

	start := time.Now()
	exp := heuristics.Propagate(s.detected.Findings, s.clusters, s.features, s.proj)
	s.timings.ExtensionRules = time.Since(start)
	s.expanded = &exp

	report := models.ExpansionReport{
		ProcessingTime:    s.timings.ExtensionRules.Seconds(),
		FindingsCount:     len(exp.Findings),
		ComponentCount:    exp.ComponentCount,
		SuspectedClusters: len(exp.SuspectedClusters),
	}
	s.log.Info("[Propagator] cluster expansion complete",
		"findings", report.FindingsCount,
		"related", exp.Related,
		"components", report.ComponentCount,
		"clusters", report.SuspectedClusters)
	return report, nil
}

// Findings returns the current findings: expanded if expansion ran,
// otherwise the detection-stage list
func (s *Session) Findings() ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detected == nil {
		return nil, ErrPatternsNotDetected
	}
	return cloneFindings(s.currentFindings()), nil
}

// Patterns returns the flat detail list from the detection stage
func (s *Session) Patterns() ([]models.PatternDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detected == nil {
		return nil, ErrPatternsNotDetected
	}
	return append([]models.PatternDetail(nil), s.detected.Patterns...), nil
}

// FeaturesOf returns the feature snapshot of one address
func (s *Session) FeaturesOf(addr string) (models.AddressFeatures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return models.AddressFeatures{}, ErrModelNotBuilt
	}
	f, ok := s.features[addr]
	if !ok {
		return models.AddressFeatures{}, fmt.Errorf("%w: %s", ErrAddressNotFound, addr)
	}
	return f.Clone(), nil
}

// ClusterMembers returns the addresses of a cluster
func (s *Session) ClusterMembers(id int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return nil, ErrModelNotBuilt
	}
	members, ok := s.clusters.Members(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	return members, nil
}

// Clusters returns every live cluster id
func (s *Session) Clusters() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return nil, ErrModelNotBuilt
	}
	return s.clusters.Clusters(), nil
}

// ClusterAgreement compares the co-spend partition with reference labels
func (s *Session) ClusterAgreement(reference map[string]int) (metrics.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return metrics.Agreement{}, ErrModelNotBuilt
	}
	return metrics.ComparePartitions(s.order, s.clusters.Partition(), reference), nil
}

// Summary returns the last build summary
func (s *Session) Summary() (models.BuildSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.built {
		return models.BuildSummary{}, ErrModelNotBuilt
	}
	return s.summary, nil
}

// Ledger exposes the token simulator. Firing transactions on it changes the
// marking only; features were derived from arcs at build time.
func (s *Session) Ledger() *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger
}

// Built reports whether Build has completed successfully
func (s *Session) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

func (s *Session) currentFindings() []models.Finding {
	if s.expanded != nil {
		return s.expanded.Findings
	}
	if s.detected != nil {
		return s.detected.Findings
	}
	return nil
}

func cloneFindings(in []models.Finding) []models.Finding {
	out := make([]models.Finding, len(in))
	for i, f := range in {
		c := f
		c.Reasons = append([]string(nil), f.Reasons...)
		c.Patterns = append([]models.PatternDetail(nil), f.Patterns...)
		if f.ClusterID != nil {
			id := *f.ClusterID
			c.ClusterID = &id
		}
		if f.Features != nil {
			feat := f.Features.Clone()
			c.Features = &feat
		}
		out[i] = c
	}
	return out
}
