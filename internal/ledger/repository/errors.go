package repository

import (
	"github.com/google/uuid"

	"afiss_backend/platform/apperr"
)

func decisionNotFound(id uuid.UUID) error {
	return apperr.NotFound("decision not found: " + id.String()).WithCode(apperr.CodeDecisionNotFound)
}

func decisionExists(id uuid.UUID) error {
	return apperr.Conflict("decision already recorded: " + id.String()).WithCode(apperr.CodeDecisionExists)
}

func outcomeAlreadyAttached(id uuid.UUID) error {
	return apperr.Conflict("outcome already attached to decision " + id.String()).WithCode(apperr.CodeOutcomeAlreadyAttached)
}
