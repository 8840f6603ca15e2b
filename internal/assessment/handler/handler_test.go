package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"afiss_backend/internal/assessment/service"
	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	factorrepo "afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	ledgerservice "afiss_backend/internal/ledger/service"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/validator"
)

type staticFactors []factorrepo.Factor

func (s staticFactors) ActiveFactors(context.Context) ([]factorrepo.Factor, error) { return s, nil }

type brokenFactors struct{}

func (brokenFactors) ActiveFactors(context.Context) ([]factorrepo.Factor, error) {
	return nil, errors.New("timeout")
}

func newRouter(source service.FactorSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.New(
		source,
		embedder.NewGuarded(embedder.Disabled{}, time.Second, 3),
		index.NewMemory(3, index.LSHConfig{}),
		ledgerservice.New(ledgerrepo.NewMemory(), nil, logger.Nop()),
		nil,
		logger.Nop(),
		service.Config{TriggerThreshold: 0.75, KCandidates: 5, DomainWeights: map[string]float64{"fall_zone": 1}},
	)
	r := gin.New()
	r.POST("/assessments", New(svc, validator.New()).Assess)
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/assessments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestAssess_CreatesDecision(t *testing.T) {
	r := newRouter(staticFactors{{
		Code: "GARAGE", Domain: factorrepo.DomainFallZone, CurrentWeight: 0.3, MaxWeight: 1, Active: true,
		TriggerRules: rules.Set{rules.Presence{Key: "garage"}},
	}})

	w := post(r, `{"projectId":"p-9","description":"Remove oak over garage","context":{"garage":true}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var got ledgerrepo.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Degraded || len(got.TriggeredFactors) != 1 || got.ComplexityLevel != service.ComplexityModerate {
		t.Fatalf("unexpected decision %+v", got)
	}
}

func TestAssess_RejectsBlankDescription(t *testing.T) {
	r := newRouter(staticFactors{})
	if w := post(r, `{"projectId":"p","description":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAssess_RegistryDownIsServiceUnavailable(t *testing.T) {
	r := newRouter(brokenFactors{})
	if w := post(r, `{"projectId":"p","description":"oak"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
