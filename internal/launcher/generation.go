package launcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/poller"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
)

// generation — одиночная задача у провайдера: submit, затем poll.
type generation struct {
	kind   domain.AssetType
	source provider.JobSource
	prompt string
	submit func(ctx context.Context) (string, error)
}

// spawn проводит оплаченный task через провайдера в фоне.
func (l *Launcher) spawn(task *domain.GenerationTask, g generation) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runGeneration(l.ctx, task, g)
	}()
}

func (l *Launcher) runGeneration(ctx context.Context, task *domain.GenerationTask, g generation) {
	logger := l.logger.With("task_id", task.ID, "provider", g.source.Name(), "kind", g.kind)

	var providerTaskID string
	err := retry.Do(ctx, l.submitRetry, provider.IsTransient, func(ctx context.Context, attempt int) error {
		id, err := g.submit(ctx)
		if err != nil {
			if provider.IsTransient(err) {
				logger.Warn("submit failed, will retry", "attempt", attempt, "error", err)
			}
			return err
		}
		providerTaskID = id
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("generation interrupted before submit")
			return
		}
		l.failGeneration(ctx, logger, task, g.kind, err)
		return
	}

	task.MarkProcessing(providerTaskID)
	l.updateTask(ctx, logger, task)

	res, err := l.poller.Wait(ctx, g.source, providerTaskID)
	if err != nil {
		if errors.Is(err, poller.ErrAbandoned) || ctx.Err() != nil {
			// Задача у провайдера продолжает выполняться; task остаётся processing.
			logger.Info("generation abandoned", "provider_task_id", providerTaskID)
			return
		}
		l.failGeneration(ctx, logger, task, g.kind, err)
		return
	}

	task.MarkCompleted(res.URL())
	l.updateTask(ctx, logger, task)

	if l.assets != nil {
		l.assets.Record(ctx, domain.Asset{
			AccountID: task.AccountID,
			Type:      g.kind,
			Name:      string(g.kind) + "-" + task.ID.String()[:8],
			URL:       res.URL(),
			Metadata:  assetMetadata(task, g.prompt),
		}, nil)
	}

	logger.Info("generation completed", "url", res.URL())
}

func assetMetadata(task *domain.GenerationTask, prompt string) map[string]any {
	meta := map[string]any{
		"task_id": task.ID.String(),
		"model":   task.Model,
		"prompt":  prompt,
	}
	for _, key := range []string{"source_image", "duration"} {
		if v, ok := task.Params[key]; ok {
			meta[key] = v
		}
	}
	return meta
}

// failGeneration фиксирует ошибку и возвращает кредиты.
func (l *Launcher) failGeneration(ctx context.Context, logger *slog.Logger, task *domain.GenerationTask, kind domain.AssetType, cause error) {
	ctx = context.WithoutCancel(ctx)

	task.MarkFailed(cause.Error())
	l.updateTask(ctx, logger, task)

	err := retry.Do(ctx, l.refundRetry, func(error) bool { return true }, func(ctx context.Context, attempt int) error {
		_, err := l.ledger.Refund(ctx, task.AccountID, task.CreditsCost, task.ID, string(kind)+" generation failed")
		if err != nil {
			logger.Warn("refund failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		logger.Error("generation refund failed",
			"account_id", task.AccountID,
			"amount", task.CreditsCost,
			"error", err,
		)
		return
	}

	logger.Warn("generation failed, credits refunded", "amount", task.CreditsCost, "error", cause)
}

func (l *Launcher) updateTask(ctx context.Context, logger *slog.Logger, task *domain.GenerationTask) {
	if err := l.tasks.Update(context.WithoutCancel(ctx), task); err != nil {
		logger.Error("failed to update task", "status", task.Status, "error", err)
	}
}
