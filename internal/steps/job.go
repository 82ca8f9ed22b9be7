package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/poller"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
)

// providerJob — sub-job с задачей у провайдера: submit, затем опрос.
type providerJob struct {
	stageID  string
	key      string
	taskType domain.TaskType
	model    string
	cost     int64
	params   map[string]any
	source   provider.JobSource
	submit   func(ctx context.Context) (string, error)
}

// runProviderJob проводит sub-job через generation task и poller.
//
// Завершённый sub-job прошлой попытки возвращается без обращения к
// провайдеру. Sub-job с ProviderTaskID опрашивается повторно.
func (d Deps) runProviderJob(ctx context.Context, req *Request, pj providerJob) domain.SubJob {
	logger := d.Logger.With("stage_id", pj.stageID, "sub_job", pj.key)

	prev, ok := req.previous(pj.key)
	if ok && prev.Status == domain.SubJobStatusCompleted && prev.ResultRef != "" {
		return prev
	}

	job := domain.SubJob{Key: pj.key, Status: domain.SubJobStatusPending}
	var task *domain.GenerationTask

	if ok && canRepoll(prev) {
		job = prev
		job.Status = domain.SubJobStatusProcessing
		job.Error = ""
		job.ErrorKind = ""
		task = d.loadTask(ctx, logger, prev.TaskID)
		logger.Info("resuming provider job", "provider_task_id", prev.ProviderTaskID)
	} else {
		task = domain.NewGenerationTask(req.AccountID, &req.RunID, pj.taskType, pj.model, pj.cost)
		task.Params = pj.params
		if err := d.Tasks.Create(ctx, task); err != nil {
			logger.Error("failed to create generation task", "error", err)
			return failed(job, domain.ErrorKindPersistence, fmt.Errorf("create task: %w", err))
		}
		job.TaskID = task.ID

		var providerTaskID string
		err := retry.Do(ctx, d.SubmitRetry, provider.IsTransient, func(ctx context.Context, attempt int) error {
			id, err := pj.submit(ctx)
			if err != nil && provider.IsTransient(err) {
				logger.Warn("submit failed, will retry", "attempt", attempt, "error", err)
			}
			providerTaskID = id
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				d.failTask(ctx, logger, task, "run cancelled before submit")
				job.Status = domain.SubJobStatusAbandoned
				job.Error = "run cancelled before submit"
				return job
			}
			d.failTask(ctx, logger, task, err.Error())
			return failed(job, domain.ErrorKindProvider, err)
		}

		task.MarkProcessing(providerTaskID)
		d.updateTask(ctx, logger, task)

		job.ProviderTaskID = providerTaskID
		job.Status = domain.SubJobStatusProcessing
		req.report(job, domain.Artifacts{})
		logger.Debug("provider job submitted", "provider_task_id", providerTaskID)
	}

	// Таймаут и временная ошибка опроса не означают провала задачи у
	// провайдера: та же задача опрашивается снова, без повторного submit.
	var res provider.JobResult
	err := retry.Do(ctx, d.PollRetry, poller.Retryable, func(ctx context.Context, attempt int) error {
		var err error
		res, err = d.Poller.Wait(ctx, pj.source, job.ProviderTaskID)
		if err != nil && poller.Retryable(err) {
			logger.Warn("provider job not finished, polling again", "attempt", attempt, "error", err)
		}
		return err
	})
	switch {
	case errors.Is(err, poller.ErrAbandoned), err != nil && ctx.Err() != nil:
		// Задача у провайдера не отменяется; task остаётся processing.
		job.Status = domain.SubJobStatusAbandoned
		job.Error = "polling abandoned"
		return job

	case errors.Is(err, poller.ErrTimeout):
		d.failTask(ctx, logger, task, err.Error())
		return failed(job, domain.ErrorKindTimeout, err)

	case err != nil:
		d.failTask(ctx, logger, task, err.Error())
		return failed(job, domain.ErrorKindProvider, err)

	case res.URL() == "":
		err := &provider.Error{Provider: pj.source.Name(), Message: "job completed without result url"}
		d.failTask(ctx, logger, task, err.Error())
		return failed(job, domain.ErrorKindProvider, err)
	}

	if task != nil {
		task.MarkCompleted(res.URL())
		d.updateTask(ctx, logger, task)
	}

	job.Status = domain.SubJobStatusCompleted
	job.ResultRef = res.URL()
	return job
}

// canRepoll — задача уже отправлена провайдеру, и её можно опросить снова.
func canRepoll(prev domain.SubJob) bool {
	if prev.ProviderTaskID == "" {
		return false
	}
	return prev.Status == domain.SubJobStatusProcessing || prev.Status == domain.SubJobStatusAbandoned
}

func failed(job domain.SubJob, kind domain.ErrorKind, err error) domain.SubJob {
	job.Status = domain.SubJobStatusFailed
	job.ErrorKind = kind
	job.Error = err.Error()
	return job
}

func (d Deps) loadTask(ctx context.Context, logger *slog.Logger, id uuid.UUID) *domain.GenerationTask {
	if id == uuid.Nil {
		return nil
	}
	task, err := d.Tasks.GetByID(ctx, id)
	if err != nil {
		logger.Warn("failed to load generation task", "task_id", id, "error", err)
		return nil
	}
	return task
}

func (d Deps) failTask(ctx context.Context, logger *slog.Logger, task *domain.GenerationTask, msg string) {
	if task == nil {
		return
	}
	task.MarkFailed(msg)
	d.updateTask(ctx, logger, task)
}

// updateTask сохраняет task. Ошибка не меняет исход sub-job: результат
// уже получен и хранится в run.
func (d Deps) updateTask(ctx context.Context, logger *slog.Logger, task *domain.GenerationTask) {
	if err := d.Tasks.Update(context.WithoutCancel(ctx), task); err != nil {
		logger.Error("failed to update generation task", "task_id", task.ID, "status", task.Status, "error", err)
	}
}

// generateText выполняет текстовый запрос как sub-job: task type=text,
// повтор при временных ошибках, разбор JSON в out.
func (d Deps) generateText(ctx context.Context, req *Request, stageID, key string, gen provider.TextGenerator, tr provider.TextRequest, out any) domain.SubJob {
	logger := d.Logger.With("stage_id", stageID, "sub_job", key)
	job := domain.SubJob{Key: key, Status: domain.SubJobStatusProcessing}

	task := domain.NewGenerationTask(req.AccountID, &req.RunID, domain.TaskTypeText, gen.Name(), 0)
	task.Params = map[string]any{"stage": stageID, "key": key, "max_tokens": tr.MaxTokens, "temperature": tr.Temperature}
	if err := d.Tasks.Create(ctx, task); err != nil {
		logger.Error("failed to create generation task", "error", err)
		return failed(job, domain.ErrorKindPersistence, fmt.Errorf("create task: %w", err))
	}
	job.TaskID = task.ID
	task.MarkProcessing("")
	d.updateTask(ctx, logger, task)

	var text string
	err := retry.Do(ctx, d.SubmitRetry, provider.IsTransient, func(ctx context.Context, attempt int) error {
		var err error
		text, err = gen.Generate(ctx, tr)
		if err != nil && provider.IsTransient(err) {
			logger.Warn("text generation failed, will retry", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			d.failTask(ctx, logger, task, "run cancelled")
			job.Status = domain.SubJobStatusAbandoned
			job.Error = "run cancelled"
			return job
		}
		d.failTask(ctx, logger, task, err.Error())
		return failed(job, domain.ErrorKindProvider, err)
	}

	if err := provider.ExtractJSON(text, out); err != nil {
		logger.Warn("model output is not valid JSON", "error", err, "length", len(text))
		d.failTask(ctx, logger, task, err.Error())
		return failed(job, domain.ErrorKindParse, err)
	}

	task.MarkCompleted(key)
	d.updateTask(ctx, logger, task)

	job.Status = domain.SubJobStatusCompleted
	job.ResultRef = key
	return job
}
