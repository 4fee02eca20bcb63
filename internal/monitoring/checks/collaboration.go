package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/coedit/internal/monitoring"
	"github.com/charlesng35/coedit/internal/presence"
)

// probeDocumentID is never joined by clients; listing it exercises the presence backend.
const probeDocumentID = "__health__"

// RoomCounter exposes the room count of the local broadcast fabric.
type RoomCounter interface {
	RoomCount() int
}

// Rooms reports the number of live rooms held by this instance.
func Rooms(hub RoomCounter) monitoring.Check {
	return monitoring.NewCheck("rooms", func(ctx context.Context) monitoring.ProbeResult {
		if hub == nil {
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDown,
				Details: "broadcast fabric not configured",
			}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: fmt.Sprintf("%d active rooms", hub.RoomCount()),
		}
	})
}

// Presence probes the presence registry. Failures degrade rather than fail readiness
// because the gateway keeps serving rosters from local room membership.
func Presence(store presence.Store, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("presence", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if store == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "presence store not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultRedisTimeout))
		defer cancel()

		if _, err := store.ListMembers(probeCtx, probeDocumentID); err != nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  err.Error(),
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Duration: time.Since(start)}
	})
}
