package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskCalibrationRunCycle = "calibration.run_cycle"

type CalibrationRunPayload struct {
	Trigger     string `json:"trigger"`
	ResumeCycle *int   `json:"resumeCycle,omitempty"`
}

func NewCalibrationRunTask(payload CalibrationRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCalibrationRunCycle, data), nil
}

func ParseCalibrationRunPayload(task *asynq.Task) (CalibrationRunPayload, error) {
	var payload CalibrationRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CalibrationRunPayload{}, err
	}
	return payload, nil
}
