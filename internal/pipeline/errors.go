package pipeline

import "fmt"

// KindPublish is the report kind of a stage that failed as a whole.
const KindPublish = "PublishError"

// PublishError wraps an error or panic that escaped a stage. It ends the
// run after the error report is written.
type PublishError struct {
	Stage Stage
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("pipeline: %s stage: %v", e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
