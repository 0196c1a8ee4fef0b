// Command analyze runs the full pipeline over a CSV file and prints the
// report as JSON.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rawblock/btn-forensics/internal/config"
	"github.com/rawblock/btn-forensics/internal/engine"
	"github.com/rawblock/btn-forensics/internal/graph"
	"github.com/rawblock/btn-forensics/internal/ingest"
	"github.com/rawblock/btn-forensics/pkg/models"
)

type output struct {
	Ingest    ingest.Report                  `json:"ingest"`
	Summary   models.BuildSummary            `json:"summary"`
	Findings  []models.Finding               `json:"findings"`
	Patterns  engine.PatternSummary          `json:"patternSummary"`
	Expansion *models.ExpansionReport        `json:"expansion,omitempty"`
	Deposits  engine.DepositRanking          `json:"deposits"`
	Timings   engine.ProcessingBreakdown     `json:"timings"`
	Suspected []engine.SuspectedTransactions `json:"suspectedTransactions,omitempty"`
}

func main() {
	var (
		input      = flag.String("csv", "-", "CSV file to analyze, - for stdin")
		configPath = flag.String("config", "", "optional TOML or YAML config file")
		expand     = flag.Bool("expand", true, "propagate suspicion through clusters")
		details    = flag.Bool("details", false, "include per-address transaction involvement")
		depositTop = flag.Int("deposits", engine.DefaultDepositRankingSize, "deposit ranking size")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("[Analyze] invalid configuration", "err", err)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Fatal("[Analyze] open input", "err", err)
		}
		defer f.Close()
		r = f
	}

	records, report, err := ingest.DecodeCSV(r, time.Now())
	if err != nil {
		logger.Fatal("[Analyze] decode csv", "err", err)
	}
	logger.Info("[Analyze] decoded", "rows", report.Rows, "substitutions", len(report.Substitutions))

	session := engine.NewSession(engine.Options{
		Centrality: graph.CentralityOptions{
			SampleSize: cfg.Analysis.CentralitySampleSize,
			Seed:       cfg.Analysis.CentralitySeed,
		},
		Workers: cfg.Analysis.Workers,
		Logger:  logger,
	})

	out := output{Ingest: report}
	if out.Summary, err = session.Build(records); err != nil {
		logger.Fatal("[Analyze] build", "err", err)
	}
	if _, err = session.DetectPatterns(); err != nil {
		logger.Fatal("[Analyze] detect", "err", err)
	}
	if *expand {
		exp, err := session.ExpandByCluster()
		if err != nil {
			logger.Fatal("[Analyze] expand", "err", err)
		}
		out.Expansion = &exp
	}

	if out.Findings, err = session.Findings(); err != nil {
		logger.Fatal("[Analyze] findings", "err", err)
	}
	if out.Patterns, err = session.PatternSummary(); err != nil {
		logger.Fatal("[Analyze] pattern summary", "err", err)
	}
	if out.Deposits, err = session.DepositRanking(*depositTop); err != nil {
		logger.Fatal("[Analyze] deposits", "err", err)
	}
	if out.Timings, err = session.ProcessingTimes(); err != nil {
		logger.Fatal("[Analyze] timings", "err", err)
	}
	if *details {
		if out.Suspected, err = session.SuspectedTransactionDetails(); err != nil {
			logger.Fatal("[Analyze] details", "err", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Fatal("[Analyze] write output", "err", err)
	}
}
