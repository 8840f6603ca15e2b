package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"afiss_backend/internal/events"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/platform/httpkit"
	"afiss_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const testSecret = "router-test-secret"

type testConfig struct{}

func (testConfig) GetHTTPAddr() string        { return ":0" }
func (testConfig) GetCORSAllowAll() bool      { return false }
func (testConfig) GetCORSOrigins() []string   { return []string{"http://localhost:3000"} }
func (testConfig) GetCORSAllowCreds() bool    { return true }
func (testConfig) GetJWTAccessSecret() string { return testSecret }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type echoModule struct{}

func (echoModule) Name() string { return "echo" }

func (echoModule) RegisterRoutes(rc *apphttp.RouterContext) {
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	rc.Protected.GET("/echo", ok)
	rc.Admin.POST("/echo", ok)
}

func newTestEngine(health apphttp.HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return New(&apphttp.App{
		Config:  testConfig{},
		Logger:  logger.Nop(),
		Health:  health,
		Modules: []apphttp.Module{echoModule{}},
	})
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := httpkit.IssueServiceToken(testSecret, "svc-test", roles, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + tok
}

func serve(engine *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthPingsStore(t *testing.T) {
	if rec := serve(newTestEngine(pinger{}), http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := newTestEngine(pinger{err: errors.New("db down")})
	if rec := serve(down, http.MethodGet, "/api/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing ping, got %d", rec.Code)
	}
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	rec := serve(newTestEngine(nil), http.MethodGet, "/api/health", "")
	if rec.Header().Get(httpkit.HeaderRequestID) == "" {
		t.Fatal("expected a generated request id header")
	}
}

func TestProtectedRoutesRequireServiceToken(t *testing.T) {
	engine := newTestEngine(nil)

	if rec := serve(engine, http.MethodGet, "/api/v1/echo", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(engine, http.MethodGet, "/api/v1/echo", token(t)); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with token, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireCalibrationRole(t *testing.T) {
	engine := newTestEngine(nil)

	if rec := serve(engine, http.MethodPost, "/api/v1/echo", token(t)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", rec.Code)
	}
	rec := serve(engine, http.MethodPost, "/api/v1/echo", token(t, httpkit.RoleCalibrationAdmin))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with role, got %d", rec.Code)
	}
}

type recordingBus struct {
	subscribed []string
}

func (b *recordingBus) Publish(context.Context, events.Event)           {}
func (b *recordingBus) PublishSync(context.Context, events.Event) error { return nil }
func (b *recordingBus) Subscribe(name string, _ events.Handler) {
	b.subscribed = append(b.subscribed, name)
}

type subscriberModule struct{}

func (subscriberModule) Name() string                          { return "subscriber" }
func (subscriberModule) RegisterRoutes(*apphttp.RouterContext) {}

func (subscriberModule) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.CalibrationCompleted{}.EventName(), events.HandlerFunc(func(context.Context, events.Event) error { return nil }))
}

func TestEventSubscribersAreRegistered(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := &recordingBus{}
	New(&apphttp.App{
		Config:   testConfig{},
		Logger:   logger.Nop(),
		EventBus: bus,
		Modules:  []apphttp.Module{echoModule{}, subscriberModule{}},
	})

	want := events.CalibrationCompleted{}.EventName()
	if len(bus.subscribed) != 1 || bus.subscribed[0] != want {
		t.Fatalf("expected one calibration subscription, got %v", bus.subscribed)
	}
}
