package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/siglab/scout/analysis"
	"github.com/siglab/scout/source"
	"github.com/siglab/scout/store"
)

const defaultListLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.CountEvents(r.Context(), "")
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sources":        len(s.registry.List(false)),
		"events":         events,
	})
}

// sourceView is a source plus its runtime collection status.
type sourceView struct {
	*source.Source
	Status *store.SourceStatus `json:"status,omitempty"`
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.SourceStatuses(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	sources := s.registry.List(false)
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		view := sourceView{Source: src}
		if st, ok := statuses[src.ID]; ok {
			view.Status = &st
		}
		out = append(out, view)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "source not found")
		return
	}

	view := sourceView{Source: src}
	statuses, err := s.store.SourceStatuses(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if st, ok := statuses[src.ID]; ok {
		view.Status = &st
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpsertSource(w http.ResponseWriter, r *http.Request) {
	var src source.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := http.StatusCreated
	if _, err := s.registry.Get(src.ID); err == nil {
		status = http.StatusOK
	}

	stored, err := s.registry.Upsert(&src)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("source registered", "source", stored.ID, "type", stored.Type)
	s.respondJSON(w, status, stored)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Trigger(r.Context(), id); err != nil {
		if errors.Is(err, source.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "source not found")
			return
		}
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "source": id})
}

func (s *Server) handleDisableSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Disable(id); err != nil {
		if errors.Is(err, source.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "source not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "disabled", "source": id})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := store.EventQuery{
		SourceID: r.URL.Query().Get("source"),
		Topic:    r.URL.Query().Get("topic"),
		Limit:    queryInt(r, "limit", defaultListLimit),
	}

	var err error
	if q.From, err = queryTime(r, "from", time.Now().Add(-24*time.Hour)); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	if q.To, err = queryTime(r, "to", time.Now()); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}

	events, err := s.store.QueryEvents(r.Context(), q)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	s.respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 24)

	if key := r.URL.Query().Get("key"); key != "" {
		aggs := s.engine.Recent(key, limit)
		if aggs == nil {
			aggs = []analysis.Aggregate{}
		}
		s.respondJSON(w, http.StatusOK, aggs)
		return
	}

	out := make(map[string][]analysis.Aggregate)
	for _, key := range s.engine.Keys() {
		out[key] = s.engine.Recent(key, limit)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	alerts, err := s.store.ListAlerts(r.Context(), activeOnly, time.Now(), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if alerts == nil {
		alerts = []store.Alert{}
	}
	s.respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.AcknowledgeAlert(r.Context(), id, time.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "alert": id})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.store.ListInsights(r.Context(), r.URL.Query().Get("topic"), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if insights == nil {
		insights = []store.Insight{}
	}
	s.respondJSON(w, http.StatusOK, insights)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}
