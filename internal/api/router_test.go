package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/coedit/internal/app"
	iauth "github.com/charlesng35/coedit/internal/auth"
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/database/testutil"
	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/internal/models"
	"github.com/charlesng35/coedit/internal/monitoring"
	"github.com/charlesng35/coedit/internal/monitoring/checks"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
	"github.com/charlesng35/coedit/internal/services"
	"github.com/charlesng35/coedit/pkg/response"
)

type routerEnv struct {
	router *gin.Engine
	jwt    *iauth.JWTService
}

func newRouterEnv(t *testing.T, mutate func(cfg *app.Config)) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	require.NoError(t, db.Create(&models.User{ID: "user-owner", Username: "olivia", Email: "olivia@example.com", Name: "Olivia Owner", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.User{ID: "user-outsider", Username: "oscar", Email: "oscar@example.com", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.Document{
		BaseModel: models.BaseModel{ID: "doc-alpha"},
		Title:     "Alpha",
		Content:   datatypes.JSON(`{}`),
		OwnerID:   "user-owner",
	}).Error)

	cfg := &app.Config{}
	cfg.Monitoring.Health.Enabled = true
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Server.RateLimit.Requests = 100
	cfg.Server.RateLimit.Window = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "router-secret", Issuer: "test", AccessTokenTTL: time.Hour})
	require.NoError(t, err)

	documents, err := services.NewDocumentService(db)
	require.NoError(t, err)
	collaborators, err := services.NewCollaboratorService(db, documents)
	require.NoError(t, err)
	users, err := services.NewUserService(db)
	require.NoError(t, err)

	hub := realtime.NewHub()
	store := presence.NewMemoryStore(presence.Options{})
	gateway := collab.NewGateway(hub, store, documents, users, collab.Options{Origin: "test"})
	require.NoError(t, gateway.Start(context.Background()))
	t.Cleanup(func() { _ = gateway.Stop() })

	health := monitoring.NewHealthManager(time.Second)
	health.RegisterReadiness(checks.Database(db, time.Second))
	health.RegisterReadiness(checks.Presence(store, time.Second))
	health.RegisterLiveness(checks.Rooms(hub))

	router, err := NewRouter(Dependencies{
		Config:        cfg,
		JWT:           jwtSvc,
		Documents:     documents,
		Collaborators: collaborators,
		Presence:      store,
		Transport:     collab.NewTransport(gateway, collab.TransportOptions{}),
		Health:        health,
		RateStore:     middleware.NewMemoryRateStore(),
	})
	require.NoError(t, err)

	return &routerEnv{router: router, jwt: jwtSvc}
}

func (e *routerEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.jwt.GenerateAccessToken(iauth.AccessTokenInput{UserID: userID})
	require.NoError(t, err)
	return token
}

func (e *routerEnv) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := NewRouter(Dependencies{})
	require.Error(t, err)

	_, err = NewRouter(Dependencies{Config: &app.Config{}})
	require.ErrorContains(t, err, "jwt service")
}

func TestRouterPublicAndProtectedRoutes(t *testing.T) {
	env := newRouterEnv(t, nil)

	require.Equal(t, http.StatusOK, env.get("/health", "").Code)
	require.Equal(t, http.StatusOK, env.get("/health/live", "").Code)

	ready := env.get("/api/health/ready", "")
	require.Equal(t, http.StatusOK, ready.Code)
	require.Contains(t, ready.Body.String(), `"component":"database"`)

	w := env.get("/api/documents/doc-alpha", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	w = env.get("/api/documents/doc-alpha", env.token(t, "user-owner"))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.get("/api/documents/doc-alpha", env.token(t, "user-outsider"))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.get("/api/nothing-here", env.token(t, "user-owner"))
	require.Equal(t, http.StatusNotFound, w.Code)
	var payload response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "NOT_FOUND", payload.Error.Code)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	env := newRouterEnv(t, nil)

	require.Equal(t, http.StatusOK, env.get("/health", "").Code)

	w := env.get("/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "coedit_api_latency_seconds")
}

func TestRouterHealthDisabled(t *testing.T) {
	env := newRouterEnv(t, func(cfg *app.Config) {
		cfg.Monitoring.Health.Enabled = false
		cfg.Monitoring.Prometheus.Enabled = false
	})

	require.Equal(t, http.StatusNotFound, env.get("/health/ready", "").Code)
	require.Equal(t, http.StatusNotFound, env.get("/metrics", "").Code)
}

func TestRouterRateLimitsPerUser(t *testing.T) {
	env := newRouterEnv(t, func(cfg *app.Config) {
		cfg.Server.RateLimit.Requests = 2
	})
	owner := env.token(t, "user-owner")

	require.Equal(t, http.StatusOK, env.get("/api/documents/doc-alpha", owner).Code)
	require.Equal(t, http.StatusOK, env.get("/api/documents/doc-alpha", owner).Code)
	require.Equal(t, http.StatusTooManyRequests, env.get("/api/documents/doc-alpha", owner).Code)

	// other identities keep their own budget
	require.Equal(t, http.StatusForbidden, env.get("/api/documents/doc-alpha", env.token(t, "user-outsider")).Code)
}

func TestRouterWebsocketRequiresToken(t *testing.T) {
	env := newRouterEnv(t, nil)
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+env.token(t, "user-owner"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": collab.EventJoinDocument,
		"data":  map[string]string{"documentId": "doc-alpha"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Event string              `json:"event"`
		Data  []collab.MemberInfo `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, collab.EventUsersInDocument, msg.Event)
	require.Len(t, msg.Data, 1)
	require.Equal(t, "Olivia Owner", msg.Data[0].DisplayName)
}
