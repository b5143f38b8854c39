package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/northstaraokeystone/gov-os/internal/calibration"
)

func toThresholdResponse(domain string, t calibration.Threshold, stored bool) thresholdResponse {
	return thresholdResponse{
		DomainID:             domain,
		CompressionThreshold: t.CompressionThreshold,
		FitnessScore:         t.FitnessScore,
		LastCalibratedAt:     t.LastCalibratedAt,
		SampleCount:          t.SampleCount,
		CorrectCount:         t.CorrectCount,
		IncorrectCount:       t.IncorrectCount,
		Pruned:               t.Pruned,
		Default:              !stored,
	}
}

func (s *Server) handleListThresholds(c *gin.Context) {
	all := s.sys.Thresholds.All()
	out := make([]thresholdResponse, 0, len(all))
	for _, t := range all {
		out = append(out, toThresholdResponse(t.DomainID, t, true))
	}
	c.JSON(http.StatusOK, gin.H{
		"default_threshold": s.sys.Thresholds.DefaultThreshold(),
		"thresholds":        out,
	})
}

// handleGetThreshold answers with the threshold scoring would use, the
// store default when the domain has none of its own.
func (s *Server) handleGetThreshold(c *gin.Context) {
	domain := c.Param("domain")
	t, ok := s.sys.Thresholds.Get(domain)
	if !ok {
		t = calibration.Threshold{CompressionThreshold: s.sys.Thresholds.Threshold(domain)}
	}
	c.JSON(http.StatusOK, toThresholdResponse(domain, t, ok))
}

func (s *Server) handleSetThreshold(c *gin.Context) {
	var req setThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c, err)
		return
	}
	domain := c.Param("domain")
	t, err := s.sys.Thresholds.SetThreshold(c.Request.Context(), domain, *req.CompressionThreshold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toThresholdResponse(domain, t, true))
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c, err)
		return
	}
	if req.Count < 0 {
		invalidArgument(c, "count must not be negative")
		return
	}
	domain := c.Param("domain")
	t, err := s.sys.Thresholds.ReportOutcomes(c.Request.Context(), domain, *req.Correct, req.Count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toThresholdResponse(domain, t, true))
}

func (s *Server) handleReinstate(c *gin.Context) {
	domain := c.Param("domain")
	t, err := s.sys.Thresholds.Reinstate(c.Request.Context(), domain)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toThresholdResponse(domain, t, true))
}
