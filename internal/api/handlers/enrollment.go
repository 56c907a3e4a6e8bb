// Package handlers provides HTTP handlers for the enrollment API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-enrollment/internal/api/middleware"
	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

// EnrollmentHandler serves the enrollment form endpoints
type EnrollmentHandler struct {
	store    enrollment.RecordStore
	sessions *sessionRegistry
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEnrollmentHandler creates a handler. open is called once per
// enrollment; the session is reused until the handler is closed.
func NewEnrollmentHandler(store enrollment.RecordStore, open SessionFactory, logger *zap.Logger) *EnrollmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	exists := func(ctx context.Context, uid string) error {
		_, err := store.EnrollmentProgramUID(ctx, uid)
		return err
	}
	return &EnrollmentHandler{
		store:    store,
		sessions: newSessionRegistry(open, exists, 0),
		logger:   logger,
		tracer:   otel.Tracer("enrollment-handler"),
	}
}

// Close closes every open session
func (h *EnrollmentHandler) Close() {
	h.sessions.closeAll()
}

// Routes returns the handler routes
func (h *EnrollmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/stream", h.Stream)
		r.Put("/report-date", h.PutReportDate)
		r.Put("/incident-date", h.PutIncidentDate)
		r.Put("/coordinates", h.PutCoordinates)
		r.Put("/status", h.PutStatus)
		r.Post("/events/auto-generate", h.AutoGenerate)
		r.Post("/registration", h.Register)
		r.Get("/rule-context", h.RuleContext)
	})
	return r
}

// Snapshot is the current value of every form field of an enrollment
type Snapshot struct {
	Enrollment   enrollment.Enrollment    `json:"enrollment"`
	Title        string                   `json:"title"`
	ReportDate   string                   `json:"report_date"`
	ReportStatus enrollment.ReportStatus  `json:"report_status"`
	Program      enrollment.Program       `json:"program"`
	Sections     []enrollment.FormSection `json:"sections"`
}

// Get handles GET /enrollments/{id}
func (h *EnrollmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "enrollment_snapshot",
		trace.WithAttributes(attribute.String("enrollment", id)))
	defer span.End()

	// The field reads are subscriptions; cancel releases them after the first value.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, release, err := h.sessions.acquire(ctx, id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	var snap Snapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Enrollment, err = h.store.Enrollment(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		snap.Title, err = stream.First(gctx, session.Reader.Title(gctx))
		return err
	})
	g.Go(func() (err error) {
		snap.ReportDate, err = stream.First(gctx, session.Reader.ReportDate(gctx))
		return err
	})
	g.Go(func() (err error) {
		snap.ReportStatus, err = stream.First(gctx, session.Reader.ReportStatus(gctx))
		return err
	})
	g.Go(func() (err error) {
		snap.Program, err = stream.First(gctx, session.Reader.Program(gctx))
		return err
	})
	g.Go(func() (err error) {
		snap.Sections, err = stream.First(gctx, session.Reader.Sections(gctx))
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		h.domainError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, snap)
}

// Stream handles GET /enrollments/{id}/stream with server-sent events. Each
// field is sent when the stream opens and again whenever it changes.
func (h *EnrollmentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, release, err := h.sessions.acquire(ctx, id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	titles := session.Reader.Title(ctx)
	dates := session.Reader.ReportDate(ctx)
	statuses := session.Reader.ReportStatus(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	fail := func(err error) {
		h.logger.Warn("enrollment stream ended",
			zap.String("enrollment", id),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		send("error", map[string]string{"error": err.Error()})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-titles:
			if !ok {
				return
			}
			if item.Err != nil {
				fail(item.Err)
				return
			}
			if !send("title", item.Value) {
				return
			}
		case item, ok := <-dates:
			if !ok {
				return
			}
			if item.Err != nil {
				fail(item.Err)
				return
			}
			if !send("report_date", item.Value) {
				return
			}
		case item, ok := <-statuses:
			if !ok {
				return
			}
			if item.Err != nil {
				fail(item.Err)
				return
			}
			if !send("report_status", item.Value) {
				return
			}
		}
	}
}

// DateRequest is the request body for the date endpoints
type DateRequest struct {
	Date string `json:"date"`
}

// StatusRequest is the request body for PUT /enrollments/{id}/status
type StatusRequest struct {
	Status enrollment.ReportStatus `json:"status"`
}

// PutReportDate handles PUT /enrollments/{id}/report-date
func (h *EnrollmentHandler) PutReportDate(w http.ResponseWriter, r *http.Request) {
	var req DateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.write(w, r, func(ctx context.Context, s *enrollment.Session) error {
		return s.Writer.StoreReportDate(ctx, req.Date)
	})
}

// PutIncidentDate handles PUT /enrollments/{id}/incident-date
func (h *EnrollmentHandler) PutIncidentDate(w http.ResponseWriter, r *http.Request) {
	var req DateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.write(w, r, func(ctx context.Context, s *enrollment.Session) error {
		return s.Writer.StoreIncidentDate(ctx, req.Date)
	})
}

// PutCoordinates handles PUT /enrollments/{id}/coordinates
func (h *EnrollmentHandler) PutCoordinates(w http.ResponseWriter, r *http.Request) {
	var req enrollment.Coordinates
	if !h.decode(w, r, &req) {
		return
	}
	h.write(w, r, func(ctx context.Context, s *enrollment.Session) error {
		return s.Writer.StoreCoordinates(ctx, req)
	})
}

// PutStatus handles PUT /enrollments/{id}/status
func (h *EnrollmentHandler) PutStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.write(w, r, func(ctx context.Context, s *enrollment.Session) error {
		return s.Writer.StoreReportStatus(ctx, req.Status)
	})
}

// GenerateResponse lists the visit events created by auto-generation
type GenerateResponse struct {
	Enrollment string   `json:"enrollment"`
	EventUIDs  []string `json:"event_uids"`
}

// AutoGenerate handles POST /enrollments/{id}/events/auto-generate
func (h *EnrollmentHandler) AutoGenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, release, err := h.sessions.acquire(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	uids, err := session.Generator.Generate(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.logger.Info("visit events generated",
		zap.String("enrollment", id),
		zap.Int("count", len(uids)),
		zap.String("client_id", middleware.GetClientID(r.Context())))
	h.json(w, http.StatusCreated, GenerateResponse{Enrollment: id, EventUIDs: uids})
}

// Register handles POST /enrollments/{id}/registration
func (h *EnrollmentHandler) Register(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, release, err := h.sessions.acquire(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	reg, err := session.FirstStage.Resolve(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, reg)
}

// RuleContextResponse summarizes the rule context of an enrollment's program
type RuleContextResponse struct {
	Program   string `json:"program"`
	Rules     int    `json:"rules"`
	Variables int    `json:"variables"`
}

// RuleContext handles GET /enrollments/{id}/rule-context
func (h *EnrollmentHandler) RuleContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, release, err := h.sessions.acquire(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	ec, err := session.Rules.Get(r.Context())
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, RuleContextResponse{
		Program:   ec.Program(),
		Rules:     len(ec.Rules()),
		Variables: len(ec.Variables()),
	})
}

func (h *EnrollmentHandler) write(w http.ResponseWriter, r *http.Request, fn func(context.Context, *enrollment.Session) error) {
	id := chi.URLParam(r, "id")
	session, release, err := h.sessions.acquire(r.Context(), id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	defer release()

	if err := fn(r.Context(), session); err != nil {
		h.domainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EnrollmentHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *EnrollmentHandler) domainError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, enrollment.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, enrollment.ErrDecode):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("enrollment request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.jsonError(w, err.Error(), code)
}

func (h *EnrollmentHandler) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *EnrollmentHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
