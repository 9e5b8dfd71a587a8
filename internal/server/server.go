// Package server exposes the HTTP surface: run start/stop, the live status
// stream, metric queries, and scheduler CRUD. Authentication is delegated to
// the fronting gateway; the authenticated user arrives in a header.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
	"github.com/surgeproject/surge/internal/fanout"
	"github.com/surgeproject/surge/internal/telemetry"
)

const userHeader = "X-User-ID"

// RunService starts and stops load tests. Satisfied by the run coordinator.
type RunService interface {
	Start(ctx context.Context, scenarioId, userId string) (*domain.RunHistory, error)
	Stop(ctx context.Context, scenarioId, userId string) error
}

// ScheduleService manages recurring triggers. Satisfied by the cron
// scheduler service.
type ScheduleService interface {
	Create(ctx context.Context, scheduler *domain.Scheduler, userId string) (*domain.Scheduler, error)
	Update(ctx context.Context, scheduler *domain.Scheduler, userId string) (*domain.Scheduler, error)
	Delete(ctx context.Context, id, userId string) error
	FindForUser(ctx context.Context, userId string) ([]*domain.Scheduler, error)
}

// StatusStream hands out live status subscriptions. Satisfied by the fanout.
type StatusStream interface {
	Subscribe(ctx context.Context, userId string) (<-chan fanout.Event, func())
}

// MetricsQuerier answers time-series queries for runs the caller owns.
// Satisfied by the run coordinator, which resolves the run's scenario and
// rejects runs of other users.
type MetricsQuerier interface {
	QueryMetrics(ctx context.Context, userId string, opts telemetry.QueryOptions) (*telemetry.Series, error)
}

type Server struct {
	runs      RunService
	schedules ScheduleService
	stream    StatusStream
	metrics   MetricsQuerier
}

func New(runs RunService, schedules ScheduleService, stream StatusStream, metrics MetricsQuerier) *Server {
	return &Server{runs: runs, schedules: schedules, stream: stream, metrics: metrics}
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Route("/api/v1", func(router chi.Router) {
		router.Post("/load-tests/{scenarioID}/run", s.startRun)
		router.Delete("/load-tests/{scenarioID}/stop", s.stopRun)
		router.Get("/load-tests/status", s.streamStatus)
		router.Get("/metrics/{runID}", s.queryMetrics)

		router.Get("/schedulers", s.listSchedulers)
		router.Post("/schedulers", s.createScheduler)
		router.Put("/schedulers/{schedulerID}", s.updateScheduler)
		router.Delete("/schedulers/{schedulerID}", s.deleteScheduler)
	})
	return router
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	run, err := s.runs.Start(r.Context(), chi.URLParam(r, "scenarioID"), userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	if err := s.runs.Stop(r.Context(), chi.URLParam(r, "scenarioID"), userId); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamStatus is the server-sent-events endpoint. The connection stays open
// until the client goes away; pings keep intermediaries from closing it.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.stream.Subscribe(r.Context(), userId)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeServerSentEvent(w, event); err != nil {
				log.WithError(err).Debugf("status stream of user %s broke", userId)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) queryMetrics(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	opts := telemetry.QueryOptions{
		RunHistoryId: chi.URLParam(r, "runID"),
		FlowId:       r.URL.Query().Get("flow_id"),
		StepId:       r.URL.Query().Get("step_id"),
	}
	if interval := r.URL.Query().Get("interval"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil || seconds < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "interval must be a positive number of seconds"})
			return
		}
		opts.Interval = time.Duration(seconds) * time.Second
	}
	for param, target := range map[string]**time.Time{"from": &opts.RunAt, "to": &opts.EndAt} {
		if value := r.URL.Query().Get(param); value != "" {
			parsed, err := time.Parse(time.RFC3339, value)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: param + " must be an RFC 3339 timestamp"})
				return
			}
			*target = &parsed
		}
	}

	series, err := s.metrics.QueryMetrics(r.Context(), userId, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) listSchedulers(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	schedulers, err := s.schedules.FindForUser(r.Context(), userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedulers)
}

func (s *Server) createScheduler(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	scheduler, ok := decodeScheduler(w, r)
	if !ok {
		return
	}
	created, err := s.schedules.Create(r.Context(), scheduler, userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateScheduler(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	scheduler, ok := decodeScheduler(w, r)
	if !ok {
		return
	}
	scheduler.Id = chi.URLParam(r, "schedulerID")
	updated, err := s.schedules.Update(r.Context(), scheduler, userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteScheduler(w http.ResponseWriter, r *http.Request) {
	userId, ok := authenticatedUser(w, r)
	if !ok {
		return
	}
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "schedulerID"), userId); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeScheduler(w http.ResponseWriter, r *http.Request) (*domain.Scheduler, bool) {
	scheduler := &domain.Scheduler{}
	if err := json.NewDecoder(r.Body).Decode(scheduler); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed scheduler body"})
		return nil, false
	}
	return scheduler, true
}

func authenticatedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId := r.Header.Get(userHeader)
	if userId == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + userHeader + " header"})
		return "", false
	}
	return userId, true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	if surgeerrors.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	log.WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Debug("cannot write response body")
	}
}

// writeServerSentEvent encodes one fanout event as an SSE frame.
func writeServerSentEvent(w http.ResponseWriter, event fanout.Event) error {
	if event.Type == fanout.EventTypePing {
		_, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		return err
	}
	data, err := json.Marshal(event.Status)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: message\nid: %s\nretry: %d\ndata: %s\n\n", event.Id, event.Retry, data)
	return err
}
