package app

import (
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
)

// PresenceOptions converts the collaboration section into presence store options.
func (c CollaborationConfig) PresenceOptions() presence.Options {
	return presence.Options{
		StaleAfter: c.StaleAfter,
		RoomTTL:    c.RoomTTL,
		Origin:     c.InstanceID,
	}
}

// GatewayOptions converts the collaboration section into gateway options.
func (c CollaborationConfig) GatewayOptions() collab.Options {
	return collab.Options{Origin: c.InstanceID}
}

// TransportOptions converts the collaboration section into websocket transport options.
func (c CollaborationConfig) TransportOptions(allowedOrigins []string) collab.TransportOptions {
	return collab.TransportOptions{
		Conn: realtime.ConnOptions{
			SendBuffer:     c.SendBuffer,
			MaxMessageSize: c.MaxMessageSize,
		},
		AllowedOrigins: allowedOrigins,
		HandlerTimeout: c.HandlerTimeout,
	}
}
