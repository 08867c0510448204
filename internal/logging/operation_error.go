package logging

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// OperationError ties an infrastructure failure to the operation and job it
// hit, and to how many tries the operation got.
type OperationError struct {
	Operation string
	JobID     string
	Attempts  int
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation that produced it after
// attempts tries. A nil err stays nil.
func NewOperationError(operation, jobID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, JobID: jobID, Attempts: attempts, Err: err}
}

// ErrorFields renders err for a log line. When err carries an OperationError
// its operation and attempt count become fields of their own.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		fields = append(fields, zap.String("failed_operation", opErr.Operation))
		if opErr.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", opErr.Attempts))
		}
	}
	return fields
}
