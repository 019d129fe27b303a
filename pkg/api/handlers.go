package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vjranagit/loopstore/pkg/storage"
	"github.com/vjranagit/loopstore/pkg/timeline"
	"github.com/vjranagit/loopstore/pkg/types"
)

const (
	patientHeader  = "X-Patient-ID"
	defaultPatient = "default"
)

// SpanReport is the span check of a single series
type SpanReport struct {
	Source  types.Source `json:"source"`
	Samples int          `json:"samples"`
	Span    string       `json:"span,omitempty"`
	Spans   bool         `json:"spans"`
}

// SpanResponse is returned by the span endpoint
type SpanResponse struct {
	Target    string       `json:"target"`
	Tolerance string       `json:"tolerance"`
	Series    []SpanReport `json:"series"`
}

// logAndJSONError logs server-side failures and writes {"error": msg}
func (s *Server) logAndJSONError(c *gin.Context, code int, msg string, err error) {
	if err != nil && code >= http.StatusInternalServerError {
		s.log.Errorw(msg, "err", err, "path", c.FullPath())
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	c.JSON(code, gin.H{"error": msg})
}

// storageError maps storage failures to a status code
func (s *Server) storageError(c *gin.Context, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	s.logAndJSONError(c, code, msg, err)
}

func patientID(c *gin.Context) string {
	if id := c.GetHeader(patientHeader); id != "" {
		return id
	}
	return defaultPatient
}

// handleWrite handles sample writes
func (s *Server) handleWrite(c *gin.Context) {
	var req types.WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	req.PatientID = patientID(c)

	if err := s.storage.Write(c.Request.Context(), &req); err != nil {
		s.storageError(c, "write failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// handleQuery returns the samples overlapping an optional [start, end] range
func (s *Server) handleQuery(c *gin.Context) {
	req, ok := s.bindQuery(c)
	if !ok {
		return
	}

	result, err := s.storage.Query(c.Request.Context(), req)
	if err != nil {
		s.storageError(c, "query failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleClosest returns the latest sample at or before "at" (default now)
func (s *Server) handleClosest(c *gin.Context) {
	selector, err := ParseSelector(c.Query("selector"))
	if err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid selector", err)
		return
	}

	at := time.Now()
	if raw := c.Query("at"); raw != "" {
		if at, err = time.Parse(time.RFC3339, raw); err != nil {
			s.logAndJSONError(c, http.StatusBadRequest, "invalid at time", err)
			return
		}
	}

	result, err := s.storage.ClosestPrior(c.Request.Context(), &types.ClosestRequest{
		PatientID: patientID(c),
		Kind:      c.Query("kind"),
		Selector:  selector,
		At:        at,
	})
	if err != nil {
		s.storageError(c, "closest query failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleSpan checks whether each matching series spans the target duration
func (s *Server) handleSpan(c *gin.Context) {
	target, err := time.ParseDuration(c.Query("target"))
	if err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid target", err)
		return
	}

	tolerance := timeline.DefaultSpanTolerance
	if raw := c.Query("tolerance"); raw != "" {
		if tolerance, err = time.ParseDuration(raw); err != nil {
			s.logAndJSONError(c, http.StatusBadRequest, "invalid tolerance", err)
			return
		}
	}

	req, ok := s.bindQuery(c)
	if !ok {
		return
	}

	result, err := s.storage.Query(c.Request.Context(), req)
	if err != nil {
		s.storageError(c, "query failed", err)
		return
	}

	c.JSON(http.StatusOK, SpanResponse{
		Target:    target.String(),
		Tolerance: tolerance.String(),
		Series:    EvaluateSpans(result.Series, target, tolerance),
	})
}

// EvaluateSpans runs the span check over every series
func EvaluateSpans(series []types.Series, target, tolerance time.Duration) []SpanReport {
	reports := make([]SpanReport, 0, len(series))
	for _, s := range series {
		report := SpanReport{
			Source:  s.Source,
			Samples: len(s.Samples),
			Spans:   timeline.SpanTimeIntervalWithin(s.Samples, target, tolerance),
		}
		if span, ok := timeline.Span(s.Samples); ok {
			report.Span = span.String()
		}
		reports = append(reports, report)
	}
	return reports
}

// bindQuery parses kind, selector, start and end; it answers 400 itself on failure
func (s *Server) bindQuery(c *gin.Context) (*types.QueryRequest, bool) {
	selector, err := ParseSelector(c.Query("selector"))
	if err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid selector", err)
		return nil, false
	}

	req := &types.QueryRequest{
		PatientID: patientID(c),
		Kind:      c.Query("kind"),
		Selector:  selector,
	}

	if req.Start, err = ParseTime(c.Query("start")); err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid start time", err)
		return nil, false
	}
	if req.End, err = ParseTime(c.Query("end")); err != nil {
		s.logAndJSONError(c, http.StatusBadRequest, "invalid end time", err)
		return nil, false
	}

	return req, true
}

// ParseTime parses an RFC3339 instant; empty means unbounded
func ParseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseSelector parses label matchers written as "k=v,k2=v2"
func ParseSelector(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	selector := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed label matcher %q", pair)
		}
		selector[k] = strings.TrimSpace(v)
	}
	return selector, nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// cacheReporter is implemented by storages that cache query results
type cacheReporter interface {
	CacheStats() (storage.CacheStats, uint64, uint64)
	CacheHitRate() float64
}

// handleMetrics exposes internal metrics in Prometheus text format
func (s *Server) handleMetrics(c *gin.Context) {
	var b strings.Builder
	b.WriteString("# loopstore internal metrics\n")

	if cr, ok := s.storage.(cacheReporter); ok {
		stats, hits, misses := cr.CacheStats()
		fmt.Fprintf(&b, "loopstore_query_cache_entries %d\n", stats.Size)
		fmt.Fprintf(&b, "loopstore_query_cache_capacity %d\n", stats.Capacity)
		fmt.Fprintf(&b, "loopstore_query_cache_expired_entries %d\n", stats.Expired)
		fmt.Fprintf(&b, "loopstore_query_cache_hits_total %d\n", hits)
		fmt.Fprintf(&b, "loopstore_query_cache_misses_total %d\n", misses)
		fmt.Fprintf(&b, "loopstore_query_cache_hit_ratio %g\n", cr.CacheHitRate()/100)
	}

	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}
