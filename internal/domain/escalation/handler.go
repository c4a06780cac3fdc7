package escalation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
)

type Handler struct {
	scanner *Scanner
}

func NewHandler(scanner *Scanner) *Handler {
	return &Handler{scanner: scanner}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/hospitals/:hospitalId/escalations/check", h.CheckHospital,
		auth.RequireRole(auth.RoleDoctor, auth.RoleNurse),
		auth.RequireHospitalAccess("hospitalId"))
}

// CheckHospital runs an immediate scan over one hospital's waiting patients.
func (h *Handler) CheckHospital(c echo.Context) error {
	id, err := uuid.Parse(c.Param("hospitalId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	rep, err := h.scanner.ScanOnce(c.Request().Context(), &id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}
