package repository

import (
	"strconv"

	"afiss_backend/platform/apperr"
)

func cycleNotFound(number int) error {
	return apperr.NotFound("calibration cycle not found: " + strconv.Itoa(number)).WithCode(apperr.CodeCalibrationCycleMissing)
}

func cycleFinished(number int) error {
	return apperr.Conflict("calibration cycle " + strconv.Itoa(number) + " already completed")
}
