package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/reconcile"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type eventRequest struct {
	Event       string `json:"event" binding:"required"`
	ContractID  string `json:"contract_id"`
	MilestoneID string `json:"milestone_id"`

	Amount         float64                   `json:"amount"`
	Milestones     []lifecycle.MilestoneSpec `json:"milestones"`
	MilestoneCount int                       `json:"milestone_count"`
	Agency         string                    `json:"agency"`
	Vendor         string                    `json:"vendor"`
	Reason         string                    `json:"reason"`

	Citations []string `json:"citations"`
	// Attributes decode with exact integers.
	Attributes ir.IRObject `json:"attributes"`
}

type outcomeResponse struct {
	Receipt           ir.Record         `json:"receipt"`
	From              lifecycle.State   `json:"from"`
	To                lifecycle.State   `json:"to"`
	Decision          stoprule.Decision `json:"decision"`
	Alerts            []ir.Record       `json:"alerts,omitempty"`
	EvidenceRequested bool              `json:"evidence_requested"`
}

type receiptResponse struct {
	ir.Record
	Verification *ledger.Report `json:"verification,omitempty"`
}

type receiptListResponse struct {
	Receipts []receiptResponse `json:"receipts"`

	// NextAfterID pages forward when the page was full.
	NextAfterID int64 `json:"next_after_id,omitempty"`
}

type anchorRequest struct {
	BatchSize int `json:"batch_size"`
}

type contractResponse struct {
	ContractID string                      `json:"contract_id"`
	State      lifecycle.State             `json:"state"`
	Milestones []lifecycle.MilestoneStatus `json:"milestones"`
}

type scoreRequest struct {
	Domain       string     `json:"domain" binding:"required"`
	EntityID     string     `json:"entity_id"`
	EntityPrefix string     `json:"entity_prefix"`
	Types        []string   `json:"types"`
	From         *time.Time `json:"from"`
	To           *time.Time `json:"to"`

	// Reference calibrates the domain from the segment instead of scoring it.
	Reference bool `json:"reference"`

	// Record appends the detection receipt. Defaults to true.
	Record *bool `json:"record"`
}

type scoreResponse struct {
	Result      scoring.ScoreResult `json:"result"`
	Explanation string              `json:"explanation"`
	DetectionID int64               `json:"detection_receipt_id,omitempty"`
	AnomalyID   int64               `json:"anomaly_receipt_id,omitempty"`
}

type calibrateResponse struct {
	Calibrated []thresholdResponse `json:"calibrated"`
	Skipped    []string            `json:"skipped,omitempty"`
}

type thresholdResponse struct {
	DomainID             string    `json:"domain_id"`
	CompressionThreshold float64   `json:"compression_threshold"`
	FitnessScore         float64   `json:"fitness_score"`
	LastCalibratedAt     time.Time `json:"last_calibrated_at,omitzero"`
	SampleCount          int64     `json:"sample_count"`
	CorrectCount         int64     `json:"correct_count"`
	IncorrectCount       int64     `json:"incorrect_count"`
	Pruned               bool      `json:"pruned"`

	// Default is set when the domain has no stored threshold.
	Default bool `json:"default,omitempty"`
}

type setThresholdRequest struct {
	CompressionThreshold *float64 `json:"compression_threshold" binding:"required"`
}

type outcomeRequest struct {
	Correct *bool `json:"correct" binding:"required"`
	// Count is the number of detections with this outcome; 0 means 1.
	Count int `json:"count"`
}

func (s *Server) handleHealth(c *gin.Context) {
	head := s.sys.Ledger.Head()
	mode := "memory"
	if s.sys.Store != nil {
		mode = "db"
		if err := s.sys.Store.Ping(c.Request.Context()); err != nil {
			writeErrorCode(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"mode":           mode,
		"head_id":        head.ID,
		"head_digest":    head.Digest.String(),
		"record_version": ir.RecordVersion,
		"ledger_version": ir.LedgerVersion,
	})
}

func (s *Server) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c, err)
		return
	}
	attrs := req.Attributes
	if attrs == nil {
		attrs = ir.IRObject{}
	}

	var err error
	ctx := c.Request.Context()
	svc := s.sys.Service
	var out lifecycle.Outcome

	switch req.Event {
	case lifecycle.EventAnnounce, lifecycle.EventRegister:
		spec := lifecycle.ContractSpec{
			ID:         req.ContractID,
			Amount:     req.Amount,
			Milestones: req.Milestones,
			Agency:     req.Agency,
			Vendor:     req.Vendor,
			Citations:  req.Citations,
			Attributes: attrs,
		}
		if len(spec.Milestones) == 0 && req.MilestoneCount > 0 {
			spec.Milestones = lifecycle.EvenSplit(req.Amount, req.MilestoneCount)
		}
		if req.Event == lifecycle.EventAnnounce {
			out, err = svc.AnnounceContract(ctx, spec)
		} else {
			out, err = svc.RegisterContract(ctx, spec)
		}
	case lifecycle.EventClose:
		if req.ContractID == "" {
			invalidArgument(c, "contract_id is required")
			return
		}
		out, err = svc.CloseContract(ctx, req.ContractID, req.Citations)
	case lifecycle.EventDeliver, lifecycle.EventVerify, lifecycle.EventDispute, lifecycle.EventPay:
		if req.ContractID == "" || req.MilestoneID == "" {
			invalidArgument(c, "contract_id and milestone_id are required")
			return
		}
		switch req.Event {
		case lifecycle.EventDeliver:
			out, err = svc.SubmitDeliverable(ctx, req.ContractID, req.MilestoneID, req.Citations, attrs)
		case lifecycle.EventVerify:
			out, err = svc.VerifyMilestone(ctx, req.ContractID, req.MilestoneID, req.Citations, attrs)
		case lifecycle.EventDispute:
			out, err = svc.DisputeMilestone(ctx, req.ContractID, req.MilestoneID, req.Reason, req.Citations)
		default:
			out, err = svc.ReleasePayment(ctx, req.ContractID, req.MilestoneID, req.Citations)
		}
	default:
		invalidArgument(c, "unknown event "+strconv.Quote(req.Event))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	resp := outcomeResponse{
		Receipt:           out.Receipt.ToRecord(),
		From:              out.From,
		To:                out.To,
		Decision:          out.Decision,
		EvidenceRequested: out.EvidenceRequested,
	}
	for _, a := range out.Alerts {
		resp.Alerts = append(resp.Alerts, a.ToRecord())
	}
	c.JSON(http.StatusCreated, resp)
}

// parseFilter reads receipt filters from the query string.
func parseFilter(c *gin.Context) (ledger.Filter, error) {
	f := ledger.Filter{
		EntityID:     c.Query("entity_id"),
		EntityPrefix: c.Query("entity_prefix"),
		Limit:        defaultPageSize,
	}
	for _, t := range c.QueryArray("type") {
		rt := ir.ReceiptType(t)
		if !rt.Valid() {
			return f, errors.New("unknown receipt type " + strconv.Quote(t))
		}
		f.Types = append(f.Types, rt)
	}
	bounds := []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}}
	for _, b := range bounds {
		v := c.Query(b.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, errors.New(b.name + " must be an RFC 3339 timestamp")
		}
		*b.dst = t
	}
	if v := c.Query("after_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return f, errors.New("after_id must be a non-negative integer")
		}
		f.AfterID = id
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			return f, errors.New("limit must be between 1 and " + strconv.Itoa(maxPageSize))
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleListReceipts(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		invalidArgument(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	resp := receiptListResponse{Receipts: []receiptResponse{}}

	if c.Query("verify") == "true" {
		for v, err := range s.sys.Ledger.QueryVerified(ctx, f) {
			if err != nil {
				writeError(c, err)
				return
			}
			rep := v.Report
			resp.Receipts = append(resp.Receipts, receiptResponse{Record: v.Receipt.ToRecord(), Verification: &rep})
		}
	} else {
		for r, err := range s.sys.Ledger.Query(ctx, f) {
			if err != nil {
				writeError(c, err)
				return
			}
			resp.Receipts = append(resp.Receipts, receiptResponse{Record: r.ToRecord()})
		}
	}
	if n := len(resp.Receipts); n == f.Limit {
		resp.NextAfterID = resp.Receipts[n-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

func receiptID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		invalidArgument(c, "receipt id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	id, ok := receiptID(c)
	if !ok {
		return
	}
	r, err := s.sys.Ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptResponse{Record: r.ToRecord()})
}

// handleVerifyReceipt reports a receipt's integrity. A failed check is a
// successful request: the fault is in the body.
func (s *Server) handleVerifyReceipt(c *gin.Context) {
	id, ok := receiptID(c)
	if !ok {
		return
	}
	rep, err := s.sys.Ledger.Verify(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleVerifyChain(c *gin.Context) {
	sum, err := s.sys.Ledger.VerifyAll(c.Request.Context(), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      sum.OK(),
		"summary": sum,
	})
}

func (s *Server) handleAnchor(c *gin.Context) {
	var req anchorRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidJSON(c, err)
			return
		}
	}
	info, err := s.sys.Ledger.Anchor(c.Request.Context(), req.BatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleContract(c *gin.Context) {
	id := c.Param("contract_id")
	ctx := c.Request.Context()
	state, err := s.sys.Service.State(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if state == lifecycle.StateNone {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "contract "+id+" has no receipts")
		return
	}
	ms, err := s.sys.Service.Milestones(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if ms == nil {
		ms = []lifecycle.MilestoneStatus{}
	}
	c.JSON(http.StatusOK, contractResponse{ContractID: id, State: state, Milestones: ms})
}

func (s *Server) handleReconcileReport(c *gin.Context) {
	r, err := s.sys.Reconciler()
	if err != nil {
		writeError(c, err)
		return
	}
	rep, err := r.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if rep.Contracts == nil {
		rep.Contracts = []reconcile.ContractReport{}
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleReconcile(c *gin.Context) {
	r, err := s.sys.Reconciler()
	if err != nil {
		writeError(c, err)
		return
	}
	rep, err := r.CheckVariance(c.Request.Context(), c.Param("contract_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleScore(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c, err)
		return
	}
	p, err := s.sys.Pipeline()
	if err != nil {
		writeError(c, err)
		return
	}

	seg := scoring.Segment{
		Domain: req.Domain,
		Filter: ledger.Filter{
			EntityID:     req.EntityID,
			EntityPrefix: req.EntityPrefix,
		},
		Reference: req.Reference,
	}
	for _, t := range req.Types {
		rt := ir.ReceiptType(t)
		if !rt.Valid() {
			invalidArgument(c, "unknown receipt type "+strconv.Quote(t))
			return
		}
		seg.Filter.Types = append(seg.Filter.Types, rt)
	}
	if req.From != nil {
		seg.Filter.From = *req.From
	}
	if req.To != nil {
		seg.Filter.To = *req.To
	}

	ctx := c.Request.Context()
	if req.Reference {
		pass, err := p.Pass(ctx, []scoring.Segment{seg})
		if err != nil {
			writeError(c, err)
			return
		}
		resp := calibrateResponse{Calibrated: []thresholdResponse{}, Skipped: pass.Skipped}
		for _, t := range pass.Calibrated {
			resp.Calibrated = append(resp.Calibrated, toThresholdResponse(t.DomainID, t, true))
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	res, err := p.ScoreSegment(ctx, seg)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := scoreResponse{Result: res}
	status := http.StatusOK
	if req.Record == nil || *req.Record {
		rec, err := p.Record(ctx, res)
		if err != nil {
			writeError(c, err)
			return
		}
		resp.Result = rec.Result
		resp.DetectionID = rec.Detection.ID
		if rec.Anomaly != nil {
			resp.AnomalyID = rec.Anomaly.ID
		}
		status = http.StatusCreated
	}
	resp.Explanation = s.explainer.Explain(resp.Result)
	c.JSON(status, resp)
}
