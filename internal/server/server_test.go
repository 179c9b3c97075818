package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/manager"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.STM = config.BackendConfig{Driver: "memory"}
	cfg.MTM = config.BackendConfig{Driver: "memory"}
	cfg.LTM = config.BackendConfig{Driver: "memory"}
	cfg.Maintenance.Enabled = false

	ctx := context.Background()
	mgr, err := manager.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize(ctx))
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	return New(mgr, "test", nil), mgr
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func createMemory(t *testing.T, s *Server, content, tierName string, importance float64) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/memories", map[string]any{
		"content":    content,
		"tier":       tierName,
		"importance": importance,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item struct {
		ID string `json:"id"`
	}
	decode(t, rec, &item)
	require.NotEmpty(t, item.ID)
	return item.ID
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMemoryCRUD(t *testing.T) {
	s, _ := newTestServer(t)

	id := createMemory(t, s, "remember the milk", "", 0.5)

	rec := doJSON(t, s, http.MethodGet, "/api/memories/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item struct {
		Content  string `json:"content"`
		Metadata struct {
			Tier string `json:"tier"`
		} `json:"metadata"`
	}
	decode(t, rec, &item)
	assert.Equal(t, "remember the milk", item.Content)
	assert.Equal(t, "stm", item.Metadata.Tier)

	rec = doJSON(t, s, http.MethodPatch, "/api/memories/"+id, map[string]any{
		"content": "remember the oat milk",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/memories/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &item)
	assert.Equal(t, "remember the oat milk", item.Content)

	rec = doJSON(t, s, http.MethodDelete, "/api/memories/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/memories/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddMemoryValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/memories", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/memories", map[string]any{
		"content": "x", "tier": "imaginary",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	s, _ := newTestServer(t)

	createMemory(t, s, "kubernetes upgrade notes", "stm", 0.4)
	createMemory(t, s, "kubernetes incident review", "mtm", 0.9)
	createMemory(t, s, "grocery list", "ltm", 0.5)

	rec := doJSON(t, s, http.MethodGet, "/api/memories/search?q=kubernetes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Items, 2)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "kubernetes incident review", body.Items[0].Content)

	rec = doJSON(t, s, http.MethodGet, "/api/memories/search?q=kubernetes&tiers=stm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Len(t, body.Items, 1)

	rec = doJSON(t, s, http.MethodGet, "/api/memories/search?tiers=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecay(t *testing.T) {
	s, _ := newTestServer(t)
	id := createMemory(t, s, "fading fast", "mtm", 0.8)

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/decay", id), map[string]any{
		"amount": 0.3, "tier": "mtm",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strength float64 `json:"strength"`
	}
	decode(t, rec, &body)
	assert.Greater(t, body.Strength, 0.0)
}

func TestConsolidate(t *testing.T) {
	s, _ := newTestServer(t)
	id := createMemory(t, s, "promote me", "stm", 0.9)

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/consolidate", id), map[string]any{
		"source": "stm", "target": "mtm",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/memories/"+id+"?tier=mtm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Skipping a tier is rejected before anything moves.
	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/consolidate", id), map[string]any{
		"source": "mtm", "target": "stm",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/consolidate", id), map[string]any{
		"source": "stm", "target": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelationshipsAndCategories(t *testing.T) {
	s, _ := newTestServer(t)
	a := createMemory(t, s, "postgres tuning", "ltm", 0.8)
	b := createMemory(t, s, "connection pooling", "ltm", 0.7)

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/relationships", a), map[string]any{
		"target_id": b, "type": "semantic", "strength": 0.9, "bidirectional": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/memories/%s/related", a), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var related struct {
		Related []struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"related"`
	}
	decode(t, rec, &related)
	require.Len(t, related.Related, 1)
	assert.Equal(t, b, related.Related[0].Item.ID)

	rec = doJSON(t, s, http.MethodPut, fmt.Sprintf("/api/memories/%s/categories", a), map[string]any{
		"categories": []string{"databases"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/memories/%s/categories", a), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cats struct {
		Categories []string `json:"categories"`
	}
	decode(t, rec, &cats)
	assert.Equal(t, []string{"databases"}, cats.Categories)

	rec = doJSON(t, s, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var allCats struct {
		Categories map[string]int `json:"categories"`
	}
	decode(t, rec, &allCats)
	assert.Equal(t, 1, allCats.Categories["databases"])

	rec = doJSON(t, s, http.MethodGet, "/api/categories/databases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var members struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	decode(t, rec, &members)
	require.Len(t, members.Items, 1)
	assert.Equal(t, a, members.Items[0].ID)
}

func TestRelationshipValidation(t *testing.T) {
	s, _ := newTestServer(t)
	a := createMemory(t, s, "lonely", "ltm", 0.5)

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/relationships", a), map[string]any{
		"type": "semantic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/memories/%s/relationships", a), map[string]any{
		"target_id": "missing", "type": "semantic",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/maintenance/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep struct {
		Status      string `json:"status"`
		TriggeredBy string `json:"triggered_by"`
	}
	decode(t, rec, &rep)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "api", rep.TriggeredBy)

	rec = doJSON(t, s, http.MethodGet, "/api/maintenance/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		CyclesRun int `json:"cycles_run"`
	}
	decode(t, rec, &status)
	assert.Equal(t, 1, status.CyclesRun)
}

func TestStatsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	createMemory(t, s, "counted", "", 0.5)

	rec := doJSON(t, s, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	decode(t, rec, &stats)
	assert.Contains(t, stats, "tiers")

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
