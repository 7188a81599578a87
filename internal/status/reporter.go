package status

import (
	"context"
	"errors"
	"log"
)

// Reporter receives the final outcome of each startup attempt and any later
// stop transition.
type Reporter interface {
	Report(ctx context.Context, o Outcome) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, o Outcome) error

func (f ReporterFunc) Report(ctx context.Context, o Outcome) error { return f(ctx, o) }

// Multi fans an outcome out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, o Outcome) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes the outcome as one log line.
type LogReporter struct {
	Logger *log.Logger
}

func (r LogReporter) Report(_ context.Context, o Outcome) error {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch o.State {
	case StateFailed:
		logger.Printf("ERROR: %s", o.Message())
	case StateStopped:
		logger.Printf("WARN: %s", o.Message())
	default:
		logger.Printf("INFO: %s", o.Message())
	}
	return nil
}
