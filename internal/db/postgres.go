package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works without the
// source tree.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Report is one session's output as written to the store
type Report struct {
	SessionID string
	Source    string
	Summary   models.BuildSummary
	Findings  []models.Finding
	Expansion *models.ExpansionReport
}

// StoredFinding is a finding read back from the store
type StoredFinding struct {
	Address   string                 `json:"address"`
	RiskScore float64                `json:"riskScore"`
	Reasons   []string               `json:"reasons"`
	ClusterID *int                   `json:"clusterId"`
	Patterns  []models.PatternDetail `json:"patternDetails"`
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string, logger *log.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	logger.Info("[DB] connected to PostgreSQL")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info("[DB] forensics schema initialized")
	return nil
}

// SaveReport replaces everything stored for the session with r
func (s *PostgresStore) SaveReport(ctx context.Context, r Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var components, clusters *int
	if r.Expansion != nil {
		components = &r.Expansion.ComponentCount
		clusters = &r.Expansion.SuspectedClusters
	}

	upsertSessionSQL := `
		INSERT INTO analysis_sessions
			(session_id, source, account_count, transaction_count, malformed_records,
			 skipped_records, findings_count, component_count, suspected_clusters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			source = EXCLUDED.source,
			account_count = EXCLUDED.account_count,
			transaction_count = EXCLUDED.transaction_count,
			malformed_records = EXCLUDED.malformed_records,
			skipped_records = EXCLUDED.skipped_records,
			findings_count = EXCLUDED.findings_count,
			component_count = EXCLUDED.component_count,
			suspected_clusters = EXCLUDED.suspected_clusters,
			updated_at = NOW();
	`
	_, err = tx.Exec(ctx, upsertSessionSQL,
		r.SessionID,
		r.Source,
		r.Summary.AccountCount,
		r.Summary.TransactionCount,
		r.Summary.MalformedRecords,
		r.Summary.SkippedRecords,
		len(r.Findings),
		components,
		clusters,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis_sessions: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE session_id = $1`, r.SessionID); err != nil {
		return fmt.Errorf("failed to clear findings: %w", err)
	}

	if len(r.Findings) > 0 {
		insertFindingSQL := `
			INSERT INTO findings
				(session_id, address, risk_score, reasons, cluster_id, pattern_details, rank)
			VALUES ($1, $2, $3, $4, $5, $6, $7);
		`
		batch := &pgx.Batch{}
		for rank, f := range r.Findings {
			details, err := json.Marshal(nonNilPatterns(f.Patterns))
			if err != nil {
				return fmt.Errorf("encode pattern details for %s: %w", f.Address, err)
			}
			batch.Queue(insertFindingSQL, r.SessionID, f.Address, f.RiskScore, f.Reasons, f.ClusterID, details, rank)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert findings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Info("[DB] report saved", "session", r.SessionID, "findings", len(r.Findings))
	return nil
}

// ListFindings pages through a session's findings in score order
func (s *PostgresStore) ListFindings(ctx context.Context, sessionID string, page, limit int) ([]StoredFinding, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM findings WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT address, risk_score, reasons, cluster_id, pattern_details
		FROM findings
		WHERE session_id = $1
		ORDER BY rank
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, dataSQL, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	findings := make([]StoredFinding, 0)
	for rows.Next() {
		var f StoredFinding
		var details []byte
		if err := rows.Scan(&f.Address, &f.RiskScore, &f.Reasons, &f.ClusterID, &details); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(details, &f.Patterns); err != nil {
			return nil, 0, fmt.Errorf("decode pattern details for %s: %w", f.Address, err)
		}
		findings = append(findings, f)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return findings, total, nil
}

func nonNilPatterns(p []models.PatternDetail) []models.PatternDetail {
	if p == nil {
		return []models.PatternDetail{}
	}
	return p
}
