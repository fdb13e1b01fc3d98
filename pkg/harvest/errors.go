package harvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrRunNotFound  = errors.New("run not found")
	ErrDuplicateJob = errors.New("an active job already exists for this credential, report and period")
	ErrStaleJob     = errors.New("job was modified concurrently")

	ErrJobDeadline      = errors.New("job deadline exceeded")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrRunCancelled     = errors.New("run cancelled")
	ErrShutdown         = errors.New("harvester shutting down")
	ErrNormalize        = errors.New("normalization failed")
	ErrStore            = errors.New("report store unavailable")
	ErrUnknownSchedule  = errors.New("unknown schedule")
	ErrCredentialAbsent = errors.New("credential not found")
	ErrNotStarted       = errors.New("orchestrator not started")
)

// Class is the retry class of a failure.
type Class string

const (
	ClassPermanent   Class = "permanent"
	ClassTransient   Class = "transient"
	ClassInterrupted Class = "interrupted"
)

// PanicError is a recovered panic of a pipeline stage.
type PanicError struct {
	Stage string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s stage: %v", e.Stage, e.Value)
}

// Classify maps an error to its retry class and a short kind recorded on the job.
func Classify(err error) (Class, string) {
	var pe *PanicError
	var ve *counter.ValidationError

	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, ErrJobDeadline):
		return ClassTransient, string(sushi.KindTimeout)
	case errors.Is(err, ErrShutdown), errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return ClassInterrupted, "interrupted"
	case errors.As(err, &pe):
		return ClassPermanent, "internal"
	}

	if kind, ok := sushi.KindOf(err); ok {
		if kind.Transient() {
			return ClassTransient, string(kind)
		}
		return ClassPermanent, string(kind)
	}

	switch {
	case errors.Is(err, counter.ErrNotFound):
		return ClassPermanent, "report_not_found"
	case errors.Is(err, frequency.ErrInvalidFrequency):
		return ClassPermanent, "invalid_frequency"
	case errors.Is(err, ErrCredentialAbsent):
		return ClassPermanent, string(sushi.KindMalformedCredential)
	case errors.As(err, &ve):
		return ClassPermanent, "invalid_report"
	case errors.Is(err, normalizer.ErrUnsupportedVersion), errors.Is(err, ErrNormalize):
		return ClassPermanent, "normalization"
	case errors.Is(err, normalizer.ErrPartialWrite):
		return ClassTransient, "partial_write"
	case errors.Is(err, ErrStore):
		return ClassTransient, "storage"
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient, string(sushi.KindTimeout)
	}
	return ClassTransient, "unknown"
}

func IsDuplicateJob(err error) bool {
	return errors.Is(err, ErrDuplicateJob)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrRunNotFound)
}
