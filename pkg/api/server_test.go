package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/loopstore/pkg/storage"
	"github.com/vjranagit/loopstore/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	store, err := storage.NewStorage(&storage.Config{
		Path:             t.TempDir(),
		RetentionDays:    30,
		CompressionLevel: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cached := storage.NewCachedStorage(store, 16, time.Minute)
	s := NewServer(":0", cached, nil)
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}, patient string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if patient != "" {
		req.Header.Set(patientHeader, patient)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func seed(t *testing.T, h http.Handler, patient string) {
	t.Helper()
	body := types.WriteRequest{
		Series: []types.Series{{
			Source: types.Source{Kind: "glucose", Labels: map[string]string{"device": "g6"}},
			Samples: types.Samples{
				{Start: t0, Quantity: types.Quantity{Value: 100, Unit: "mg/dL"}},
				{Start: t0.Add(10 * time.Minute), Quantity: types.Quantity{Value: 110, Unit: "mg/dL"}},
				{Start: t0.Add(20 * time.Minute), Quantity: types.Quantity{Value: 120, Unit: "mg/dL"}},
			},
		}},
	}
	w := do(t, h, http.MethodPost, "/api/v1/write", body, patient)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func rfc(d time.Duration) string {
	return url.QueryEscape(t0.Add(d).Format(time.RFC3339))
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestWriteAndQuery(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "")

	w := do(t, h, http.MethodGet, "/api/v1/query?kind=glucose&start="+rfc(5*time.Minute)+"&end="+rfc(15*time.Minute), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Series, 1)
	require.Len(t, result.Series[0].Samples, 1)
	assert.Equal(t, 110.0, result.Series[0].Samples[0].Value)
	assert.Equal(t, "g6", result.Series[0].Source.Labels["device"])
}

func TestQueryUnboundedAndSelector(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "")

	w := do(t, h, http.MethodGet, "/api/v1/query?kind=glucose&selector=device%3Dg6", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var result types.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Series, 1)
	assert.Len(t, result.Series[0].Samples, 3)

	w = do(t, h, http.MethodGet, "/api/v1/query?kind=glucose&selector=device%3Dlibre", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"series":[]}`, w.Body.String())
}

func TestPatientHeaderIsolates(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "alice")

	w := do(t, h, http.MethodGet, "/api/v1/query?kind=glucose", nil, "bob")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"series":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/v1/query?kind=glucose", nil, "alice")
	var result types.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Series, 1)
}

func TestClosest(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "")

	w := do(t, h, http.MethodGet, "/api/v1/closest?kind=glucose&at="+rfc(15*time.Minute), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.ClosestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Matches, 1)
	assert.Equal(t, 110.0, result.Matches[0].Sample.Value)

	w = do(t, h, http.MethodGet, "/api/v1/closest?kind=glucose&at="+rfc(-time.Minute), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"matches":[]}`, w.Body.String())
}

func TestSpan(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "")

	tests := []struct {
		name   string
		query  string
		spans  bool
		span   string
		target string
	}{
		{"matches", "target=20m", true, "20m0s", "20m0s"},
		{"outside default tolerance", "target=10m", false, "20m0s", "10m0s"},
		{"wide tolerance", "target=10m&tolerance=30m", true, "20m0s", "10m0s"},
		{"narrowed range", "target=10m&start=" + rfc(5*time.Minute), true, "10m0s", "10m0s"},
		{"single sample", "target=0s&start=" + rfc(15*time.Minute), false, "", "0s"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/v1/span?kind=glucose&"+tc.query, nil, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp SpanResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.target, resp.Target)
			require.Len(t, resp.Series, 1)
			assert.Equal(t, tc.spans, resp.Series[0].Spans)
			assert.Equal(t, tc.span, resp.Series[0].Span)
		})
	}
}

func TestBadRequests(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   interface{}
	}{
		{"bad start", http.MethodGet, "/api/v1/query?start=yesterday", nil},
		{"bad end", http.MethodGet, "/api/v1/query?end=1", nil},
		{"bad selector", http.MethodGet, "/api/v1/query?selector=device", nil},
		{"bad at", http.MethodGet, "/api/v1/closest?at=noon", nil},
		{"missing target", http.MethodGet, "/api/v1/span", nil},
		{"bad tolerance", http.MethodGet, "/api/v1/span?target=5m&tolerance=x", nil},
		{"bad body", http.MethodPost, "/api/v1/write", "not an object"},
		{"sample without start", http.MethodPost, "/api/v1/write", types.WriteRequest{
			Series: []types.Series{{Source: types.Source{Kind: "glucose"}, Samples: types.Samples{{}}}},
		}},
		{"reserved label", http.MethodPost, "/api/v1/write", types.WriteRequest{
			Series: []types.Series{{
				Source:  types.Source{Kind: "glucose", Labels: map[string]string{"__patient__": "bob"}},
				Samples: types.Samples{{Start: t0}},
			}},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, tc.method, tc.target, tc.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestClosedStorageIsUnavailable(t *testing.T) {
	store, err := storage.NewStorage(&storage.Config{Path: t.TempDir(), CompressionLevel: 2})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	h := NewServer(":0", store, nil).Handler()
	w := do(t, h, http.MethodGet, "/api/v1/query?kind=glucose", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetrics(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h, "")

	do(t, h, http.MethodGet, "/api/v1/query?kind=glucose", nil, "")
	do(t, h, http.MethodGet, "/api/v1/query?kind=glucose", nil, "")

	w := do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loopstore_query_cache_hits_total 1\n")
	assert.Contains(t, w.Body.String(), "loopstore_query_cache_misses_total 1\n")
	assert.Contains(t, w.Body.String(), "loopstore_query_cache_hit_ratio 0.5\n")
}

func TestStop(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector(" device = g6 ,site=arm")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"device": "g6", "site": "arm"}, sel)

	sel, err = ParseSelector("")
	require.NoError(t, err)
	assert.Nil(t, sel)

	_, err = ParseSelector("=g6")
	assert.Error(t, err)
}
