package processor

import "fmt"

// PermanentJobError ends a job without retries. The queue dead-letters it.
type PermanentJobError struct {
	Reason string
	Err    error
}

func permanent(reason string, err error) *PermanentJobError {
	return &PermanentJobError{Reason: reason, Err: err}
}

func (e *PermanentJobError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentJobError) Unwrap() error   { return e.Err }
func (e *PermanentJobError) Permanent() bool { return true }
