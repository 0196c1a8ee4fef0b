package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/btn-forensics/internal/db"
	"github.com/rawblock/btn-forensics/internal/engine"
	"github.com/rawblock/btn-forensics/internal/ingest"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// writeError maps engine error kinds onto HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInput), errors.Is(err, ingest.ErrMissingHeader):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrAddressNotFound), errors.Is(err, engine.ErrClusterNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *APIHandler) entry(c *gin.Context) (*sessionEntry, bool) {
	e, ok := h.deps.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	return e, true
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "operational",
		"sessions": h.deps.Sessions.Len(),
		"capabilities": gin.H{
			"csv_upload":   true,
			"block_source": h.deps.Blocks != nil,
			"persistence":  h.deps.Store != nil,
			"publisher":    h.deps.Publisher != nil,
		},
	})
}

func (h *APIHandler) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.deps.Sessions.List()})
}

type createSessionRequest struct {
	Records     []models.Record `json:"records"`
	StartHeight *int64          `json:"startHeight"`
	EndHeight   *int64          `json:"endHeight"`
}

// handleCreateSession builds a new session from a JSON record list, a CSV
// upload (multipart field "file" or a text/csv body) or a block range.
func (h *APIHandler) handleCreateSession(c *gin.Context) {
	var (
		records []models.Record
		report  *ingest.Report
		source  string
	)

	switch c.ContentType() {
	case "multipart/form-data":
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Expected CSV upload in field 'file'"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable upload", "details": err.Error()})
			return
		}
		defer f.Close()
		if records, report, err = h.decodeCSV(f); err != nil {
			writeError(c, err)
			return
		}
		source = "csv:" + fh.Filename
	case "text/csv":
		var err error
		if records, report, err = h.decodeCSV(c.Request.Body); err != nil {
			writeError(c, err)
			return
		}
		source = "csv"
	default:
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
		switch {
		case len(req.Records) > 0:
			records = req.Records
			source = "records"
		case req.StartHeight != nil && req.EndHeight != nil:
			if h.deps.Blocks == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Bitcoin RPC not configured"})
				return
			}
			var err error
			records, err = h.deps.Blocks.Records(c.Request.Context(), *req.StartHeight, *req.EndHeight)
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read blocks", "details": err.Error()})
				return
			}
			source = "blocks:" + strconv.FormatInt(*req.StartHeight, 10) + "-" + strconv.FormatInt(*req.EndHeight, 10)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Expected records or {startHeight, endHeight}"})
			return
		}
	}

	session := engine.NewSession(h.deps.SessionOptions)
	summary, err := session.Build(records)
	if err != nil {
		writeError(c, err)
		return
	}

	id, evicted := h.deps.Sessions.Add(session, source)
	if evicted != nil {
		h.log.Info("[API] session evicted", "session", evicted.String())
	}
	h.deps.Hub.Publish(Event{SessionID: id.String(), Stage: StageBuild, Data: gin.H{
		"accounts":     summary.AccountCount,
		"transactions": summary.TransactionCount,
	}})

	resp := gin.H{"sessionId": id.String(), "summary": summary}
	if report != nil {
		resp["ingest"] = report
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *APIHandler) decodeCSV(r io.Reader) ([]models.Record, *ingest.Report, error) {
	records, report, err := ingest.DecodeCSV(r, time.Now())
	if err != nil {
		return nil, nil, err
	}
	return records, &report, nil
}

func (h *APIHandler) handleDeleteSession(c *gin.Context) {
	if !h.deps.Sessions.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) handleDetect(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	findings, err := e.session.DetectPatterns()
	if err != nil {
		writeError(c, err)
		return
	}

	id := e.id.String()
	h.deps.Hub.Publish(Event{SessionID: id, Stage: StageDetect, Data: gin.H{"findings": len(findings)}})
	h.persist(c, e, findings, nil)
	if h.deps.Publisher != nil {
		if err := h.deps.Publisher.PublishFindings(c.Request.Context(), id, findings); err != nil {
			h.log.Warn("[API] publishing findings failed", "session", id, "err", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"findings": findings, "count": len(findings)})
}

func (h *APIHandler) handleExpand(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	report, err := e.session.ExpandByCluster()
	if err != nil {
		writeError(c, err)
		return
	}
	findings, err := e.session.Findings()
	if err != nil {
		writeError(c, err)
		return
	}

	id := e.id.String()
	h.deps.Hub.Publish(Event{SessionID: id, Stage: StageExpand, Data: report})
	h.persist(c, e, findings, &report)
	if h.deps.Publisher != nil {
		if err := h.deps.Publisher.PublishExpansion(c.Request.Context(), id, report); err != nil {
			h.log.Warn("[API] publishing expansion failed", "session", id, "err", err)
		}
	}

	c.JSON(http.StatusOK, report)
}

// persist writes the session's current findings; failures are logged only
func (h *APIHandler) persist(c *gin.Context, e *sessionEntry, findings []models.Finding, exp *models.ExpansionReport) {
	if h.deps.Store == nil {
		return
	}
	summary, err := e.session.Summary()
	if err != nil {
		h.log.Warn("[API] no summary to persist", "session", e.id.String(), "err", err)
		return
	}
	err = h.deps.Store.SaveReport(c.Request.Context(), db.Report{
		SessionID: e.id.String(),
		Source:    e.source,
		Summary:   summary,
		Findings:  findings,
		Expansion: exp,
	})
	if err != nil {
		h.log.Warn("[API] saving report failed", "session", e.id.String(), "err", err)
	}
}

func (h *APIHandler) handleAgreement(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	var req struct {
		Labels map[string]int `json:"labels" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected {labels: {address: clusterLabel}}"})
		return
	}
	agreement, err := e.session.ClusterAgreement(req.Labels)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agreement)
}

// view adapts a session read into a handler
func view[T any](h *APIHandler, read func(*engine.Session, *gin.Context) (T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := h.entry(c)
		if !ok {
			return
		}
		out, err := read(e.session, c)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h *APIHandler) handleSummary(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) (models.BuildSummary, error) {
		return s.Summary()
	})(c)
}

func (h *APIHandler) handleFindings(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) ([]models.Finding, error) {
		return s.Findings()
	})(c)
}

func (h *APIHandler) handlePatterns(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) ([]models.PatternDetail, error) {
		return s.Patterns()
	})(c)
}

func (h *APIHandler) handlePatternSummary(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) (engine.PatternSummary, error) {
		return s.PatternSummary()
	})(c)
}

func (h *APIHandler) handleFeatures(c *gin.Context) {
	view(h, func(s *engine.Session, c *gin.Context) (models.AddressFeatures, error) {
		return s.FeaturesOf(c.Param("address"))
	})(c)
}

func (h *APIHandler) handleAddressDetail(c *gin.Context) {
	view(h, func(s *engine.Session, c *gin.Context) (engine.AddressDetail, error) {
		return s.AddressDetail(c.Param("address"))
	})(c)
}

func (h *APIHandler) handleClusters(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) ([]int, error) {
		return s.Clusters()
	})(c)
}

func (h *APIHandler) handleClusterMembers(c *gin.Context) {
	cid, err := strconv.Atoi(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster id"})
		return
	}
	view(h, func(s *engine.Session, _ *gin.Context) ([]string, error) {
		return s.ClusterMembers(cid)
	})(c)
}

func (h *APIHandler) handleWithdrawals(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) (engine.WithdrawalDistribution, error) {
		return s.WithdrawalDistribution()
	})(c)
}

// queryInt reads a non-negative integer query parameter, answering 400 when
// it is malformed
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key})
		return 0, false
	}
	return v, true
}

func (h *APIHandler) handleDeposits(c *gin.Context) {
	limit, ok := queryInt(c, "limit", engine.DefaultDepositRankingSize)
	if !ok {
		return
	}
	view(h, func(s *engine.Session, _ *gin.Context) (engine.DepositRanking, error) {
		return s.DepositRanking(limit)
	})(c)
}

func (h *APIHandler) handleTimings(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) (engine.ProcessingBreakdown, error) {
		return s.ProcessingTimes()
	})(c)
}

func (h *APIHandler) handleSuspectedTransactions(c *gin.Context) {
	view(h, func(s *engine.Session, _ *gin.Context) ([]engine.SuspectedTransactions, error) {
		return s.SuspectedTransactionDetails()
	})(c)
}

// handleStoredFindings pages through findings persisted for a session. The
// session need not be live in the registry.
func (h *APIHandler) handleStoredFindings(c *gin.Context) {
	if h.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}

	findings, total, err := h.deps.Store.ListFindings(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stored findings", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       findings,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}
