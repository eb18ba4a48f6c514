package function

import (
	"errors"
	"fmt"
	"time"
)

// SleepError is the suspension sentinel. A step returns it (via SleepUntil or
// Sleep) to park the run until WakeAt with no worker held. The scheduler
// writes a sleep marker and re-invokes the step after the wake time.
type SleepError struct {
	WakeAt time.Time
	Reason string
}

func (e *SleepError) Error() string {
	return fmt.Sprintf("sleep until %s", e.WakeAt.Format(time.RFC3339))
}

// SleepUntil suspends the run until t. Returned directly from a step body:
//
//	if ctx.Now().Before(publishAt) {
//		return nil, function.SleepUntil(publishAt)
//	}
func SleepUntil(t time.Time) error {
	return &SleepError{WakeAt: t}
}

// Sleep suspends the run for d, measured from the scheduler's clock at the
// time the suspension is processed.
func Sleep(ctx Context, d time.Duration) error {
	return &SleepError{WakeAt: ctx.Now().Add(d)}
}

// AsSleep extracts a SleepError from err, unwrapping as needed.
func AsSleep(err error) (*SleepError, bool) {
	var se *SleepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
