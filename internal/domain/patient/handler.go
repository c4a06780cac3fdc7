package patient

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – clinical staff and government oversight
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleGovernment))
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/history", h.GetHistory)
	read.GET("/hospitals/:hospitalId/queue", h.GetQueue, auth.RequireHospitalAccess("hospitalId"))
	read.GET("/hospitals/:hospitalId/alerts", h.ListAlerts, auth.RequireHospitalAccess("hospitalId"))

	// Write endpoints – clinical staff
	write := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	write.POST("/patients", h.RegisterPatient)
	write.PUT("/patients/:id/vitals", h.UpdateVitals)
	write.PUT("/patients/:id/status", h.UpdateStatus)
	write.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)

	api.PUT("/patients/:id/notes", h.UpdateNotes, auth.RequireRole(auth.RoleDoctor))

	// Stateless previews – any authenticated caller
	api.POST("/triage/score", h.ScorePreview)
	api.POST("/triage/escalation", h.EscalationPreview)
}

// -- Patients --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if req.HospitalID == uuid.Nil {
		own, err := uuid.Parse(auth.HospitalIDFromContext(ctx))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "hospitalId is required")
		}
		req.HospitalID = own
	}
	if !auth.CanAccessHospital(ctx, req.HospitalID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "no access to this hospital")
	}
	out, err := h.svc.Register(ctx, req.HospitalID, &req, auth.UserIDFromContext(ctx))
	if err != nil {
		return toHTTPError(err, "hospital not found")
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.loadPatient(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetHistory(c echo.Context) error {
	p, err := h.loadPatient(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.History(c.Request().Context(), p.ID)
	if err != nil {
		return toHTTPError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateVitals(c echo.Context) error {
	p, err := h.loadPatient(c)
	if err != nil {
		return err
	}
	var body struct {
		VitalSigns *triage.VitalSigns `json:"vitalSigns"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.VitalSigns == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "vitalSigns is required")
	}
	ctx := c.Request().Context()
	out, err := h.svc.UpdateVitals(ctx, p.ID, *body.VitalSigns, auth.UserIDFromContext(ctx))
	if err != nil {
		return toHTTPError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	p, err := h.loadPatient(c)
	if err != nil {
		return err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := Status(strings.ToLower(strings.TrimSpace(string(body.Status))))
	if !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be one of waiting, in_treatment, discharged, admitted, referred")
	}
	updated, err := h.svc.UpdateStatus(c.Request().Context(), p.ID, status)
	if err != nil {
		return toHTTPError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	p, err := h.loadPatient(c)
	if err != nil {
		return err
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.UpdateNotes(c.Request().Context(), p.ID, body.Notes)
	if err != nil {
		return toHTTPError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, updated)
}

// -- Hospital views --

func (h *Handler) GetQueue(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospitalId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	var statuses []Status
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, Status(strings.TrimSpace(s)))
		}
	}
	queue, err := h.svc.Queue(c.Request().Context(), hospitalID, statuses)
	if err != nil {
		return toHTTPError(err, "hospital not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"hospital_id": hospitalID,
		"count":       len(queue),
		"patients":    queue,
	})
}

func (h *Handler) ListAlerts(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospitalId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	pg := pagination.FromContext(c)
	all := c.QueryParam("acknowledged") == "true"
	items, total, err := h.svc.ListAlerts(c.Request().Context(), hospitalID, all, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, "hospital not found")
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.GetAlert(ctx, id)
	if err != nil {
		return toHTTPError(err, "alert not found")
	}
	if !auth.CanAccessHospital(ctx, a.HospitalID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "no access to this hospital")
	}
	a, err = h.svc.AcknowledgeAlert(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return toHTTPError(err, "alert not found")
	}
	return c.JSON(http.StatusOK, a)
}

// -- Previews --

func (h *Handler) ScorePreview(c echo.Context) error {
	var in triage.Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := triage.Normalize(&in); err != nil {
		return toHTTPError(err, "")
	}
	return c.JSON(http.StatusOK, triage.CalculatePriority(in))
}

func (h *Handler) EscalationPreview(c echo.Context) error {
	var body struct {
		CurrentPriority string             `json:"currentPriority"`
		WaitingMinutes  int                `json:"waitingMinutes"`
		VitalSigns      *triage.VitalSigns `json:"vitalSigns"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	current, err := triage.ParsePriority(body.CurrentPriority)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.WaitingMinutes < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "waitingMinutes must not be negative")
	}
	if body.VitalSigns != nil {
		if err := triage.NormalizeVitals(body.VitalSigns); err != nil {
			return toHTTPError(err, "")
		}
	}
	return c.JSON(http.StatusOK, h.svc.Policy().ShouldEscalate(current, body.WaitingMinutes, body.VitalSigns))
}

// loadPatient resolves :id and enforces hospital scoping.
func (h *Handler) loadPatient(c echo.Context) (*Patient, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, id)
	if err != nil {
		return nil, toHTTPError(err, "patient not found")
	}
	if !auth.CanAccessHospital(ctx, p.HospitalID.String()) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "no access to this hospital")
	}
	return p, nil
}

func toHTTPError(err error, notFound string) error {
	var verr *triage.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
