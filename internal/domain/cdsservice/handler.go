package cdsservice

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/metrics"
)

// Handler exposes the CDS Hooks endpoints and direct library execution.
type Handler struct {
	svc     *Service
	metrics *metrics.Metrics
}

func NewHandler(svc *Service, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

// RegisterRoutes registers the service routes on the root Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Index)
	e.GET("/health", h.Health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}

	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.HandleHook)
	e.POST("/cds-services/:id/feedback", h.HandleFeedback)

	e.POST("/api/library/:id", h.ExecuteLibrary)
	e.POST("/api/library/:id/version/:version", h.ExecuteLibrary)
}

type hookSummary struct {
	ID    string `json:"id"`
	Hook  string `json:"hook"`
	Title string `json:"title,omitempty"`
}

type librarySummary struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Expressions []string `json:"expressions"`
}

// Index handles GET / and lists the loaded hooks and libraries.
func (h *Handler) Index(c echo.Context) error {
	hookList := h.svc.Discover()
	out := struct {
		Title     string           `json:"title"`
		Hooks     []hookSummary    `json:"hooks"`
		Libraries []librarySummary `json:"libraries"`
	}{
		Title:     "CDS Connect CQL Services",
		Hooks:     make([]hookSummary, 0, len(hookList)),
		Libraries: []librarySummary{},
	}
	for _, hk := range hookList {
		out.Hooks = append(out.Hooks, hookSummary{ID: hk.ID, Hook: hk.Hook, Title: hk.Title})
	}
	for _, lib := range h.svc.opts.Libraries.All() {
		sum := librarySummary{ID: lib.Name(), Version: lib.Version(), Expressions: []string{}}
		for _, st := range lib.Statements {
			if !st.IsFunction() {
				sum.Expressions = append(sum.Expressions, st.Name)
			}
		}
		out.Libraries = append(out.Libraries, sum)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Discovery handles GET /cds-services.
func (h *Handler) Discovery(c echo.Context) error {
	services := h.svc.Discover()
	if services == nil {
		services = []*hooks.Hook{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": services,
	})
}

// HandleHook handles POST /cds-services/:id.
func (h *Handler) HandleHook(c echo.Context) error {
	var req fhir.CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.String(http.StatusBadRequest, "Invalid request. Missing at least one required field from: hook, hookInstance, context.")
	}

	resp, err := h.svc.Call(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleFeedback handles POST /cds-services/:id/feedback. Feedback is logged
// and acknowledged.
func (h *Handler) HandleFeedback(c echo.Context) error {
	id := c.Param("id")
	if _, ok := h.svc.opts.Hooks.Find(id); !ok {
		return c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	var fb fhir.CDSFeedbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fb); err != nil {
		return c.String(http.StatusBadRequest, "invalid feedback body")
	}
	for _, item := range fb.Feedback {
		h.svc.log.Info().
			Str("hook", id).
			Str("card", item.Card).
			Str("outcome", item.Outcome).
			Int("accepted_suggestions", len(item.AcceptedSuggestions)).
			Msg("card feedback")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{})
}

// ExecuteLibrary handles POST /api/library/:id[/version/:version].
func (h *Handler) ExecuteLibrary(c echo.Context) error {
	var req LibraryRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.String(http.StatusBadRequest, "Invalid request. Body must be a FHIR Bundle or {data, parameters}.")
	}
	result, err := h.svc.ExecuteLibrary(c.Request().Context(), c.Param("id"), c.Param("version"), &req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) writeError(c echo.Context, err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		se = wrapStatus(http.StatusInternalServerError, err)
	}
	if se.Code >= 500 {
		h.svc.log.Error().Err(err).Int("status", se.Code).Str("path", c.Path()).Msg("request failed")
	} else {
		h.svc.log.Warn().Err(err).Int("status", se.Code).Str("path", c.Path()).Msg("request rejected")
	}
	return c.String(se.Code, se.Body())
}
