package camunda

import (
	"context"
	"strings"
	"time"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/metrics"
	"skyfi-billing/internal/common/observability"
	"skyfi-billing/internal/common/validation"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"go.opentelemetry.io/otel/attribute"
)

// ParseVariables decodes the job variables and checks them against schema.
func ParseVariables(job entities.Job, v *validation.Validator, schema string) (map[string]interface{}, error) {
	vars, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, apperrors.NewValidationError("job variables are not a JSON object: " + err.Error())
	}
	res, err := v.Validate(schema, vars)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !res.Valid {
		return nil, apperrors.NewValidationError(strings.Join(res.GetErrorMessages(), "; "))
	}
	return vars, nil
}

// CompleteJob sends the output variables for job.
func CompleteJob(ctx context.Context, client worker.JobClient, job entities.Job, vars map[string]interface{}, log logger.Logger) {
	cmd, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(vars)
	if err != nil {
		log.Error("failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		log.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	log.Info("job completed", map[string]interface{}{"jobKey": job.GetKey()})
}

// RecordOutcome updates the worker counters for one job.
func RecordOutcome(taskType string, started time.Time, err error) {
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(taskType, string(apperrors.CodeOf(err))).Inc()
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(taskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(time.Since(started).Seconds())
}

type instrumented struct {
	next     JobHandler
	obs      *observability.Observability
	taskType string
}

// Instrument wraps a handler with a span and the OTel job meters.
func Instrument(obs *observability.Observability, taskType string, next JobHandler) JobHandler {
	if obs == nil {
		return next
	}
	return &instrumented{next: next, obs: obs, taskType: taskType}
}

func (i *instrumented) Handle(client worker.JobClient, job entities.Job) {
	started := time.Now()
	ctx, span := i.obs.StartSpan(context.Background(), "job "+i.taskType,
		attribute.Int64("zeebe.job_key", job.GetKey()),
		attribute.Int64("zeebe.process_instance_key", job.GetProcessInstanceKey()),
	)
	defer span.End()

	i.next.Handle(client, job)
	i.obs.RecordJobProcessed(ctx, i.taskType, "handled", time.Since(started))
}
