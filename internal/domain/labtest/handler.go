package labtest

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/labflow/internal/platform/auth"
	"github.com/clinic/labflow/pkg/pagination"
)

const dateLayout = "2006-01-02"

// RefreshIntervalHeader tells list clients how often to re-poll.
const RefreshIntervalHeader = "X-Refresh-Interval"

// transientRetryAfter is the Retry-After hint sent with 503 responses.
const transientRetryAfter = 2 * time.Second

type Handler struct {
	svc             *Service
	refreshInterval time.Duration
}

func NewHandler(svc *Service, refreshInterval time.Duration) *Handler {
	return &Handler{svc: svc, refreshInterval: refreshInterval}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – lab staff, front desk, doctors
	readGroup := api.Group("/lab-tests", auth.RequireRole(auth.RoleLabStaff, auth.RoleReceptionist, auth.RoleDoctor))
	readGroup.GET("", h.List)
	readGroup.GET("/categorized", h.Categorized)
	readGroup.GET("/:id", h.Get)
	readGroup.GET("/:id/status-history", h.GetStatusHistory)

	// Workflow endpoints – lab staff
	labGroup := api.Group("/lab-tests", auth.RequireRole(auth.RoleLabStaff))
	labGroup.POST("/:id/status", h.AdvanceStatus)
	labGroup.POST("/:id/reports", h.AttachReports)
	labGroup.DELETE("/:id/reports/:index", h.RemoveReport)
	labGroup.POST("/:id/confirm", h.Confirm)
	labGroup.POST("/:id/revert", h.Revert)

	// Payments – lab staff and front desk
	payGroup := api.Group("/lab-tests", auth.RequireRole(auth.RoleLabStaff, auth.RoleReceptionist))
	payGroup.POST("/:id/payments", h.RecordPayment)

	// Admin only; RequireRole lets admins through any group.
	adminGroup := api.Group("/lab-tests", auth.RequireRole(auth.RoleAdmin))
	adminGroup.GET("/summary", h.GetSummary)

	patientGroup := api.Group("/patient/lab-tests", auth.RequireRole(auth.RolePatient))
	patientGroup.GET("/:id/reports", h.PatientReports)
}

// -- Reads --

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.ListUnified(c.Request().Context(), f)
	if err != nil {
		return h.httpError(c, err)
	}

	if raw := c.QueryParam("tab"); raw != "" {
		tab, ok := ParseTab(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown tab "+strconv.Quote(raw))
		}
		recs = Search(Categorize(recs).Tab(tab), c.QueryParam("tab_search"))
	}

	pg := pagination.FromContext(c)
	h.setRefreshHeader(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(recs, pg), len(recs), pg.Limit, pg.Offset))
}

// tabSearchParams maps each bucket to its own search query parameter.
var tabSearchParams = map[Tab]string{
	TabPending:         "pending_search",
	TabInProgress:      "in_progress_search",
	TabReadyForResults: "ready_search",
	TabCompleted:       "completed_search",
}

type categorizedResponse struct {
	Buckets
	Counts                 map[Tab]int `json:"counts"`
	RefreshIntervalSeconds int         `json:"refresh_interval_seconds"`
}

func (h *Handler) Categorized(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	tabSearch := map[Tab]string{}
	for tab, param := range tabSearchParams {
		if text := c.QueryParam(param); text != "" {
			tabSearch[tab] = text
		}
	}

	b, err := h.svc.Categorized(c.Request().Context(), f, tabSearch)
	if err != nil {
		return h.httpError(c, err)
	}
	h.setRefreshHeader(c)
	return c.JSON(http.StatusOK, categorizedResponse{
		Buckets:                b,
		Counts:                 b.Counts(),
		RefreshIntervalSeconds: h.refreshSeconds(),
	})
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.svc.Summary(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// PatientReports lists the released report files of the caller's own test.
func (h *Handler) PatientReports(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	patientID := auth.PatientIDFromContext(ctx)
	if patientID == 0 && !auth.HasRole(ctx, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "token carries no patient id")
	}
	files, err := h.svc.ReleasedReports(ctx, id, patientID)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "reports": files})
}

// -- Commands --

type statusRequest struct {
	Status   Status `json:"status"`
	SampleID string `json:"sample_id"`
	Reason   string `json:"reason"`
}

func (h *Handler) AdvanceStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	rec, err := h.svc.AdvanceStatus(c.Request().Context(), id, AdvanceRequest{
		Target:   req.Status,
		SampleID: req.SampleID,
		Reason:   req.Reason,
		Actor:    actor(c),
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type paymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	TransactionID string          `json:"transaction_id"`
	Notes         string          `json:"notes"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.RecordPayment(c.Request().Context(), id, PaymentRequest{
		Amount:        req.Amount,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Notes:         req.Notes,
		RecordedBy:    actor(c),
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

type reportsRequest struct {
	Files []ReportFile `json:"files"`
}

func (h *Handler) AttachReports(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reportsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.AttachReports(c.Request().Context(), id, req.Files, actor(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RemoveReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report index")
	}
	rec, err := h.svc.RemoveReport(c.Request().Context(), id, index, actor(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Confirm(c.Request().Context(), id, actor(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type revertRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Revert(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req revertRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	rec, err := h.svc.Revert(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Helpers --

// parseID reads the :id path parameter. A malformed id cannot name any
// record, so it is reported as not found.
func parseID(c echo.Context) (RecordID, error) {
	id, err := ParseRecordID(escapedParam(c, "id"))
	if err != nil {
		return RecordID{}, echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"error":  "not_found",
			"reason": err.Error(),
		})
	}
	return id, nil
}

// escapedParam returns the percent-encoded path segment bound to name.
// c.Param is already decoded when the request carries no distinct raw path.
func escapedParam(c echo.Context, name string) string {
	route := strings.Split(c.Path(), "/")
	segments := strings.Split(c.Request().URL.EscapedPath(), "/")
	if len(route) == len(segments) {
		for i, part := range route {
			if part == ":"+name {
				return segments[i]
			}
		}
	}
	return c.Param(name)
}

func actor(c echo.Context) string {
	if who := auth.UserIDFromContext(c.Request().Context()); who != "" {
		return who
	}
	return "system"
}

func filterFromQuery(c echo.Context) (Filter, error) {
	f := Filter{
		Provenance: c.QueryParam("provenance"),
		Status:     Status(c.QueryParam("status")),
		Search:     c.QueryParam("search"),
	}
	var err error
	if f.DateFrom, err = parseDate(c, "date_from"); err != nil {
		return Filter{}, err
	}
	if f.DateTo, err = parseDate(c, "date_to"); err != nil {
		return Filter{}, err
	}
	if err := f.Validate(); err != nil {
		return Filter{}, validationHTTPError(err)
	}
	return f, nil
}

func parseDate(c echo.Context, param string) (*time.Time, error) {
	raw := c.QueryParam(param)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"error":  "validation_failed",
			"field":  param,
			"reason": "expected YYYY-MM-DD",
		})
	}
	return &t, nil
}

func (h *Handler) setRefreshHeader(c echo.Context) {
	c.Response().Header().Set(RefreshIntervalHeader, strconv.Itoa(h.refreshSeconds()))
}

func (h *Handler) refreshSeconds() int {
	return int(math.Ceil(h.refreshInterval.Seconds()))
}

// httpError maps a service error onto the HTTP error body clients expect.
func (h *Handler) httpError(c echo.Context, err error) error {
	var pe *PreconditionError
	switch {
	case errors.As(err, &pe):
		body := map[string]interface{}{
			"error":          "precondition_failed",
			"guard":          pe.Guard,
			"reason":         pe.Reason,
			"current_status": pe.CurrentStatus,
		}
		if pe.Required != nil {
			body["required_amount"] = pe.Required.StringFixed(2)
		}
		return echo.NewHTTPError(http.StatusConflict, body).SetInternal(err)

	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{
			"error":  "not_found",
			"reason": err.Error(),
		})

	case errors.Is(err, ErrValidation):
		return validationHTTPError(err)

	case errors.Is(err, ErrTransientStore):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(transientRetryAfter.Seconds())))
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]string{
			"error":  "store_unavailable",
			"reason": "the store is temporarily unavailable; retry shortly",
		}).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func validationHTTPError(err error) error {
	body := map[string]string{"error": "validation_failed", "reason": err.Error()}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
		body["reason"] = ve.Reason
	}
	return echo.NewHTTPError(http.StatusBadRequest, body)
}
