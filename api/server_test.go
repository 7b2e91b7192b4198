package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"construction-cost/decision/calculator"
	"construction-cost/decision/estimation"
	"construction-cost/decision/export"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
)

func newTestServer(t *testing.T, cfg *Config) (*Server, http.Handler) {
	t.Helper()
	reg := calculator.NewRegistry(zerolog.Nop())
	_, err := reg.LoadBuiltin()
	require.NoError(t, err)
	engine := estimation.NewEngine(reg, pricing.NewResolver(pricing.DefaultTable(), regions.NewStore()), zerolog.Nop())
	s := NewServer(engine, nil, cfg, zerolog.Nop())
	return s, s.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const slabBody = `{"inputs": {"length_ft": 20, "width_ft": 10, "thickness_in": 4, "waste_percent": 5, "region": "national"}}`

func TestHealthAndReady(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyChecksStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.WithStore(downStore{}).Router()

	rec := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetCalculators(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/calculators", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []CalculatorSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 4)
	assert.Equal(t, "concrete-slab", list[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/calculators/drywall", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "drywall", decode(t, rec)["id"])

	rec = do(t, h, http.MethodGet, "/api/v1/calculators/gazebo", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEstimate(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", slabBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Estimate struct {
			Totals map[string]string `json:"totals"`
		} `json:"estimate"`
		Policy struct {
			Decision string `json:"decision"`
		} `json:"policy"`
		Cached bool `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1233", resp.Estimate.Totals["withContingency"])
	assert.Equal(t, "1072", resp.Estimate.Totals["withoutContingency"])
	assert.Equal(t, "pass", resp.Policy.Decision)
	assert.False(t, resp.Cached)

	rec = do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", slabBody)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
}

func TestEstimateCacheFollowsRateTables(t *testing.T) {
	s, h := newTestServer(t, nil)
	type response struct {
		Estimate struct {
			Totals map[string]string `json:"totals"`
		} `json:"estimate"`
		Cached bool `json:"cached"`
	}
	post := func() response {
		rec := do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", slabBody)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	post()
	require.True(t, post().Cached)

	s.engine.Resolver().Regions().Replace(append(regions.NewStore().List(), regions.Region{ID: "zz", Name: "Test"}))
	assert.False(t, post().Cached)
	assert.True(t, post().Cached)

	table := s.engine.Resolver().Table()
	entries := table.Entries()
	for i := range entries {
		if entries[i].Path == "materials.concrete_yd3" {
			entries[i].Rate = entries[i].Rate.Add(decimal.NewFromInt(100))
		}
	}
	table.Replace(entries)
	resp := post()
	assert.False(t, resp.Cached)
	assert.NotEqual(t, "1233", resp.Estimate.Totals["withContingency"])
}

func TestEstimateBudgetDenies(t *testing.T) {
	_, h := newTestServer(t, nil)
	body := strings.TrimSuffix(slabBody, "}") + `, "budget": 1000}`

	rec := do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	pol := decode(t, rec)["policy"].(map[string]any)
	assert.Equal(t, "deny", pol["decision"])
}

func TestEstimateCSV(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate?format=csv", slabBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, export.CSVHeader, rows[0])
}

func TestEstimateValidationErrors(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", `{"inputs": {"width_ft": -1}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(errs), 3)

	rec = do(t, h, http.MethodPost, "/api/v1/calculators/concrete-slab/estimate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec), "errors")
}

func TestEstimateEvaluationError(t *testing.T) {
	s, h := newTestServer(t, nil)
	require.NoError(t, s.engine.Registry().Register(calculator.Definition{
		ID: "ratio", Name: "Ratio", Category: "test",
		InputFields: []calculator.InputField{
			{ID: "a", Name: "A", Type: calculator.FieldNumber, Required: true},
			{ID: "b", Name: "B", Type: calculator.FieldNumber, Required: true},
		},
		CalculationSteps: []calculator.Step{
			{Type: calculator.StepFormula, Output: "per", Expr: "a / b"},
			{Type: calculator.StepLineItem, ID: "line", QuantityExpr: "per", BaseRate: ptr(2)},
		},
	}))

	rec := do(t, h, http.MethodPost, "/api/v1/calculators/ratio/estimate", `{"inputs": {"a": 1, "b": 0}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "per", decode(t, rec)["step"])

	rec = do(t, h, http.MethodPost, "/api/v1/calculators/gazebo/estimate", `{"inputs": {}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegionsAndPricing(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/regions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rs))
	assert.Greater(t, len(rs), 20)

	rec = do(t, h, http.MethodGet, "/api/v1/pricing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pricing.DefaultTable().Hash(), decode(t, rec)["hash"])
}

func TestAPIKeyAndCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	_, h := newTestServer(t, cfg)

	rec := do(t, h, http.MethodGet, "/api/v1/calculators", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calculators", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	pre := httptest.NewRequest(http.MethodOptions, "/api/v1/calculators", nil)
	pre.Header.Set("Origin", "https://example.test")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, pre)
	assert.Equal(t, http.StatusNoContent, out.Code)
	assert.Equal(t, "https://example.test", out.Header().Get("Access-Control-Allow-Origin"))
}

func ptr(v float64) *float64 { return &v }
