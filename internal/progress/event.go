package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskRequeued Stage = "TASK_REQUEUED"
)

// Event is one progress milestone.
type Event struct {
	JobID string
	// TS is the UTC time the emitter recorded the event.
	TS     time.Time
	Stage  Stage
	Source string
	// URL is set on task events.
	URL     string
	Outcome string
	Attempt int
	// Saved and Attempted are the job counters after the event was applied.
	Saved     int
	Attempted int
	Target    int
	Dur       time.Duration
	// Note carries low-volume context such as an error message or stop reason.
	Note string
}

// Validate performs coarse validation.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageTaskDone, StageTaskRequeued:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
