package service

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"afiss_backend/internal/ledger/repository"
	"afiss_backend/platform/apperr"
	"afiss_backend/platform/logger"
)

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	svc := New(repository.NewMemory(), nil, logger.Nop())
	d, err := svc.Record(context.Background(), repository.Decision{ProjectID: "p"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d.ID == uuid.Nil || d.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", d)
	}
}

func TestAttachOutcome_StampsAndRejectsNaN(t *testing.T) {
	ctx := context.Background()
	svc := New(repository.NewMemory(), nil, logger.Nop())
	d, _ := svc.Record(ctx, repository.Decision{ProjectID: "p"})

	if err := svc.AttachOutcome(ctx, d.ID, repository.Outcome{ActualImpact: math.NaN()}); apperr.GetKind(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.AttachOutcome(ctx, d.ID, repository.Outcome{WasAccurate: true, ActualImpact: 12}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, _ := svc.Get(ctx, d.ID)
	if got.Outcome == nil || got.Outcome.AttachedAt.IsZero() {
		t.Fatalf("expected stamped outcome, got %+v", got.Outcome)
	}
}
