package harvest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

// Pipeline stages, in execution order.
const (
	StagePrepare   = "prepare"
	StageFetch     = "fetch"
	StageArchive   = "archive"
	StageValidate  = "validate"
	StageNormalize = "normalize"
	StageWrite     = "write"
	StageExport    = "export"
)

// ArchiveKey is the repository key of a job artifact.
func ArchiveKey(job *Job, ext string) string {
	return path.Join(
		job.CredentialID,
		job.ReportID,
		fmt.Sprintf("%s_%s.%s", job.PeriodStart.Format("2006-01-02"), job.ID, ext),
	)
}

// runPipeline fetches, validates, normalizes and writes one job. It never
// panics: a panicking stage is returned as a *PanicError.
func (o *Orchestrator) runPipeline(ctx context.Context, job *Job) (res Result, err error) {
	stage := StagePrepare
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panic",
				zap.String("job_id", job.ID),
				zap.String("stage", stage),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = &PanicError{Stage: stage, Value: r}
		}
	}()
	enter := func(s string) {
		stage = s
		if o.stageHook != nil {
			o.stageHook(s)
		}
	}

	enter(StagePrepare)
	cred, err := o.credential(ctx, job.CredentialID)
	if err != nil {
		return res, err
	}
	if err := cred.Validate(); err != nil {
		return res, err
	}
	validator, err := o.registry.Validator(job.Version, job.ReportID)
	if err != nil {
		return res, err
	}
	params, err := o.registry.DefaultParameters(job.Version, job.ReportID)
	if err != nil {
		return res, err
	}

	enter(StageFetch)
	payload, err := o.fetcher.FetchReport(ctx, sushi.Request{
		Credential: cred,
		ReportID:   job.ReportID,
		Version:    job.Version,
		Period:     periodOf(job),
		Params:     params,
	})
	if err != nil {
		return res, err
	}
	res.Windows = payload.Windows
	res.NoUsage = payload.NoUsage

	enter(StageArchive)
	if o.archive != nil {
		key := ArchiveKey(job, "json")
		if err := o.archive.Write(ctx, key, bytes.NewReader(payload.Body)); err != nil {
			o.logger.Warn("archive raw payload", zap.String("job_id", job.ID), zap.String("key", key), zap.Error(err))
		} else {
			res.ArchiveKey = key
		}
	}

	if payload.Decoded == nil {
		o.logger.Info("no usage available",
			zap.String("job_id", job.ID),
			zap.String("credential_id", job.CredentialID),
			zap.String("report_id", job.ReportID),
		)
		return res, nil
	}

	enter(StageValidate)
	if vr := validator.Validate(payload.Decoded); !vr.Valid {
		return res, vr.Err()
	}

	enter(StageNormalize)
	records, err := normalizer.Normalize(normalizer.Input{
		Payload:    payload,
		ReportID:   job.ReportID,
		Version:    job.Version,
		Credential: cred,
		JobID:      job.ID,
		IngestedAt: o.now(),
	})
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrNormalize, err)
	}
	res.Records = len(records)
	if len(records) == 0 {
		return res, nil
	}

	enter(StageWrite)
	summary, err := o.writer.Write(ctx, records)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStore, err)
	}
	res.Inserted = summary.Inserted
	res.Updated = summary.Updated
	if err := summary.Err(); err != nil {
		return res, err
	}

	enter(StageExport)
	if o.exporter != nil && o.archive != nil {
		var buf bytes.Buffer
		key := ArchiveKey(job, o.exporter.Extension())
		if err := o.exporter.Export(&buf, records); err != nil {
			o.logger.Warn("export records", zap.String("job_id", job.ID), zap.Error(err))
		} else if err := o.archive.Write(ctx, key, &buf); err != nil {
			o.logger.Warn("archive export", zap.String("job_id", job.ID), zap.String("key", key), zap.Error(err))
		}
	}

	return res, nil
}
