package websocket

import (
	"context"
	"strings"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/events"
)

// AuthorizeRooms limits the government room to government users and each
// hospital room to that hospital's staff.
func AuthorizeRooms(ctx context.Context) func(room string) bool {
	return func(room string) bool {
		if room == events.GovernmentRoom {
			return auth.HasAnyRole(auth.RolesFromContext(ctx), auth.RoleGovernment)
		}
		if id, ok := strings.CutPrefix(room, "hospital:"); ok {
			return auth.CanAccessHospital(ctx, id)
		}
		return false
	}
}
