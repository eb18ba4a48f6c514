package river

import (
	"github.com/chorusflow/chorus/event"
)

// Job kind constants for River job registration.
const (
	// JobKindEventDispatch delivers one event to the scheduler.
	JobKindEventDispatch = "chorus.event_dispatch"

	// JobKindRun executes a newly created run.
	JobKindRun = "chorus.run"

	// JobKindResume wakes a sleeping run.
	JobKindResume = "chorus.resume"

	// JobKindReap sweeps overdue sleep markers.
	JobKindReap = "chorus.reap"
)

// EventDispatchArgs delivers an event. FunctionID narrows delivery to one
// definition; deferred admission redeliveries use this so a throttled
// function never re-triggers its siblings. Empty means full fan-out.
type EventDispatchArgs struct {
	Event      event.Event `json:"event"`
	FunctionID string      `json:"function_id,omitempty"`
}

// Kind implements river.JobArgs.
func (EventDispatchArgs) Kind() string {
	return JobKindEventDispatch
}

// RunArgs executes a run from its current cursor.
type RunArgs struct {
	RunID string `json:"run_id"`
}

// Kind implements river.JobArgs.
func (RunArgs) Kind() string {
	return JobKindRun
}

// ResumeArgs wakes a sleeping run. The job's ScheduledAt carries the wake
// time, so resumes are exact; the periodic reaper is the safety net.
type ResumeArgs struct {
	RunID string `json:"run_id"`
}

// Kind implements river.JobArgs.
func (ResumeArgs) Kind() string {
	return JobKindResume
}

// ReapArgs sweeps due sleep markers. Inserted periodically.
type ReapArgs struct{}

// Kind implements river.JobArgs.
func (ReapArgs) Kind() string {
	return JobKindReap
}
