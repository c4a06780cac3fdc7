package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether granted contains admin or one of required.
func HasAnyRole(granted []string, required ...string) bool {
	for _, has := range granted {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}

// RequireHospitalAccess restricts hospital-scoped routes to staff of the
// hospital named by the path parameter. Admin and government users see every
// hospital.
func RequireHospitalAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if CanAccessHospital(ctx, c.Param(param)) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "no access to this hospital")
		}
	}
}

// CanAccessHospital reports whether the caller on ctx may act on hospitalID.
func CanAccessHospital(ctx context.Context, hospitalID string) bool {
	if HasAnyRole(RolesFromContext(ctx), RoleGovernment) {
		return true
	}
	own := HospitalIDFromContext(ctx)
	return own != "" && own == hospitalID
}
