package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/calibration/service"
	factorrepo "afiss_backend/internal/factors/repository"
	factorsvc "afiss_backend/internal/factors/service"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/lock"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

type recordingEnqueuer struct {
	resume *int
	called bool
}

func (e *recordingEnqueuer) EnqueueCycle(_ context.Context, _ string, resume *int) (string, string, error) {
	e.called = true
	e.resume = resume
	return "task-1", "calibration", nil
}

func newRouter(enq Enqueuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	registry := factorsvc.New(factorrepo.NewMemory(), nil, logger.Nop(), 3)
	svc := service.New(repository.NewMemory(), ledgerrepo.NewMemory(), registry, lock.NewLocalLocker(), nil, logger.Nop(), service.Config{})
	h := New(svc, enq, validator.New())
	r := gin.New()
	r.POST("/calibration/cycles", h.Run)
	r.GET("/calibration/cycles", h.List)
	r.GET("/calibration/cycles/:number", h.Get)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRun_SyncWithoutBody(t *testing.T) {
	r := newRouter(nil)
	w := do(r, http.MethodPost, "/calibration/cycles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var c repository.Cycle
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Number != 1 || c.Status != repository.StatusCompleted {
		t.Fatalf("unexpected cycle %+v", c)
	}

	if w := do(r, http.MethodGet, "/calibration/cycles/1", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/calibration/cycles/2", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRun_AsyncEnqueues(t *testing.T) {
	enq := &recordingEnqueuer{}
	r := newRouter(enq)
	w := do(r, http.MethodPost, "/calibration/cycles?async=true", `{"resumeCycle":4}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if !enq.called || enq.resume == nil || *enq.resume != 4 {
		t.Fatalf("expected enqueue with resume 4, got %+v", enq)
	}
}

func TestRun_AsyncWithoutWorkerIsUnavailable(t *testing.T) {
	r := newRouter(nil)
	if w := do(r, http.MethodPost, "/calibration/cycles?async=true", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestGet_RejectsBadNumber(t *testing.T) {
	r := newRouter(nil)
	if w := do(r, http.MethodGet, "/calibration/cycles/zero", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
