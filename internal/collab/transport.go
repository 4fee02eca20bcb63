package collab

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/internal/realtime"
	"github.com/charlesng35/coedit/pkg/logger"
)

const (
	defaultHandlerTimeout    = 10 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
)

// TransportOptions configure the websocket transport.
type TransportOptions struct {
	Conn           realtime.ConnOptions
	AllowedOrigins []string
	// HandlerTimeout bounds the store calls made while handling one frame.
	HandlerTimeout time.Duration
}

// Transport upgrades HTTP requests and pumps websocket frames through the gateway.
type Transport struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	opts     TransportOptions
	log      *zap.Logger
}

// NewTransport builds a websocket transport for gateway.
func NewTransport(gateway *Gateway, opts TransportOptions) *Transport {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	return &Transport{
		gateway:  gateway,
		upgrader: realtime.NewUpgrader(opts.AllowedOrigins...),
		opts:     opts,
		log:      logger.WithModule("collab"),
	}
}

// ServeWS upgrades the request for an authenticated identity and blocks until the
// connection ends. Frames from one connection are handled sequentially, so its
// broadcasts reach every recipient in the order they were sent.
func (t *Transport) ServeWS(w http.ResponseWriter, r *http.Request, identity string) {
	socket, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(socket, identity, t.opts.Conn)
	session := t.gateway.Connect(conn, identity)
	base := context.WithoutCancel(r.Context())

	t.log.Debug("connection opened", zap.String("peer_id", conn.ID()), zap.String("user_id", identity))

	conn.Run(func(payload []byte) {
		ctx, cancel := context.WithTimeout(base, t.opts.HandlerTimeout)
		defer cancel()
		t.gateway.HandleFrame(ctx, session, payload)
	})

	ctx, cancel := context.WithTimeout(base, defaultDisconnectTimeout)
	defer cancel()
	t.gateway.Disconnect(ctx, session)

	t.log.Debug("connection closed", zap.String("peer_id", conn.ID()), zap.String("user_id", identity))
}
