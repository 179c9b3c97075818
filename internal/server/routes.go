package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/tier"
)

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string         `json:"content"`
		Tier       string         `json:"tier"`
		Importance float64        `json:"importance"`
		Tags       map[string]any `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content required"))
		return
	}
	tierName := memory.Tier(req.Tier)
	if req.Tier != "" && !tierName.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown tier"))
		return
	}

	item, err := s.mgr.AddMemory(r.Context(), req.Content, tierName, req.Importance, req.Tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	item, err := s.mgr.RetrieveMemory(r.Context(), id, memory.Tier(r.URL.Query().Get("tier")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")

	var req struct {
		Content    *string        `json:"content"`
		Importance *float64       `json:"importance"`
		Status     *string        `json:"status"`
		Tags       map[string]any `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}

	upd := tier.ItemUpdate{
		Content:    req.Content,
		Importance: req.Importance,
		Tags:       req.Tags,
	}
	if req.Status != nil {
		st := memory.Status(*req.Status)
		upd.Status = &st
	}
	if err := s.mgr.UpdateMemory(r.Context(), id, memory.Tier(r.URL.Query().Get("tier")), upd); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	if err := s.mgr.DeleteMemory(r.Context(), id, memory.Tier(r.URL.Query().Get("tier"))); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDecayMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	var req struct {
		Amount float64 `json:"amount"`
		Tier   string  `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	strength, err := s.mgr.DecayMemory(r.Context(), id, memory.Tier(req.Tier), req.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strength": strength})
}

func (s *Server) handleConsolidateMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	source := memory.Tier(req.Source)
	target := memory.Tier(req.Target)
	if !source.Valid() || !target.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("source and target tiers required"))
		return
	}
	if err := s.mgr.ConsolidateMemory(r.Context(), id, source, target); err != nil {
		var state *memory.ConsolidationStateError
		if errors.As(err, &state) {
			// Partial state: duplicated, not lost. Surface it as a conflict.
			writeJSON(w, http.StatusConflict, map[string]string{"error": state.Error()})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consolidated"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := tier.SearchRequest{
		Query: q.Get("q"),
		Limit: intParam(q.Get("limit"), 20),
	}
	req.Filters.ContentLike = q.Get("q")
	if v := q.Get("min_importance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid min_importance"))
			return
		}
		req.Filters.MinImportance = storage.Float(f)
	}
	if v := q.Get("status"); v != "" {
		req.Filters.Status = memory.Status(v)
	}

	var tiers []memory.Tier
	if v := q.Get("tiers"); v != "" {
		for _, name := range strings.Split(v, ",") {
			t := memory.Tier(strings.TrimSpace(name))
			if !t.Valid() {
				writeError(w, http.StatusBadRequest, errors.New("unknown tier "+name))
				return
			}
			tiers = append(tiers, t)
		}
	}

	items, total, err := s.mgr.SearchMemories(r.Context(), req, tiers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	var req struct {
		TargetID      string         `json:"target_id"`
		Type          string         `json:"type"`
		Strength      float64        `json:"strength"`
		Bidirectional bool           `json:"bidirectional"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if req.TargetID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("target_id and type required"))
		return
	}
	err := s.mgr.LTM().AddRelationship(r.Context(), id, req.TargetID, req.Type, req.Strength, req.Bidirectional, req.Metadata)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleRelatedMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	q := r.URL.Query()

	minStrength := 0.0
	if v := q.Get("min_strength"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid min_strength"))
			return
		}
		minStrength = f
	}
	related, err := s.mgr.LTM().RelatedMemories(r.Context(), id, q.Get("type"), minStrength, intParam(q.Get("limit"), 20))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

func (s *Server) handleMemoryCategories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": s.mgr.LTM().Categories(r.Context(), id),
	})
}

func (s *Server) handleSetCategories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	var req struct {
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	if err := s.mgr.LTM().SetCategories(r.Context(), id, req.Categories); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": req.Categories})
}

func (s *Server) handleAllCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": s.mgr.LTM().AllCategories(r.Context()),
	})
}

func (s *Server) handleCategoryMembers(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	byImportance := r.URL.Query().Get("sort") == "importance"
	items, err := s.mgr.LTM().MemoriesByCategory(r.Context(), category, intParam(r.URL.Query().Get("limit"), 50), byImportance)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	rep, err := s.mgr.RunMaintenance(r.Context(), "api")
	if errors.Is(err, memory.ErrCycleInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.MaintenanceStatus())
}

func statusFor(err error) int {
	if memory.IsNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func intParam(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
