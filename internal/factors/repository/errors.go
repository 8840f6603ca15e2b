package repository

import "afiss_backend/platform/apperr"

func unknownFactor(code string) error {
	return apperr.NotFound("factor not found: " + code).WithCode(apperr.CodeUnknownFactor)
}

func versionConflict(code string) error {
	return apperr.Conflict("factor was modified concurrently: " + code).WithCode(apperr.CodeConcurrentWeightChange)
}
