package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/mq"
)

// handleRunPending обрабатывает run.pending.
func (o *Orchestrator) handleRunPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.pending payload", "error", err)
		return err
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID)
	return o.ignoreBenign(payload.RunID, o.StartRun(ctx, payload.RunID))
}

// handleRunResume обрабатывает run.resume.
func (o *Orchestrator) handleRunResume(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.resume payload", "error", err)
		return err
	}

	o.logger.Debug("received run.resume event", "run_id", payload.RunID)
	return o.ignoreBenign(payload.RunID, o.ResumeRun(ctx, payload.RunID))
}

// handleRunCancel обрабатывает run.cancel.
func (o *Orchestrator) handleRunCancel(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.cancel payload", "error", err)
		return err
	}

	o.logger.Debug("received run.cancel event", "run_id", payload.RunID)
	return o.ignoreBenign(payload.RunID, o.CancelRun(ctx, payload.RunID))
}

// ignoreBenign подтверждает сообщения, повтор которых ничего не изменит.
func (o *Orchestrator) ignoreBenign(runID uuid.UUID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrRunAlreadyActive),
		errors.Is(err, ErrRunLeased), errors.Is(err, ErrRunNotResumable):
		o.logger.Debug("run event ignored", "run_id", runID, "reason", err)
		return nil
	default:
		o.logger.Error("failed to handle run event", "run_id", runID, "error", err)
		return err
	}
}

// StartRun запускает pending или processing run. Run, арендованный
// другим оркестратором, — ErrRunLeased.
func (o *Orchestrator) StartRun(ctx context.Context, runID uuid.UUID) error {
	return o.launch(ctx, runID, checkRunnable)
}

// ResumeRun продолжает partial run с первой незавершённой стадии.
// Стадии completed_with_failures не открываются заново.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID uuid.UUID) error {
	return o.launch(ctx, runID, CheckResumable)
}

// CancelRun прерывает run. Активный run отменяется сразу; pending или
// partial run запускается, чтобы Runner завершил его как cancelled
// и вернул кредиты. Run, выполняющийся в другом процессе, увидит флаг
// отмены при следующей проверке.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) error {
	if state := o.getActiveRun(runID); state != nil {
		state.RequestCancel()
		o.logger.Info("cancel requested for active run", "run_id", runID)
		return nil
	}

	err := o.launch(ctx, runID, func(run *domain.PipelineRun) error {
		idle := run.Status == domain.RunStatusPending ||
			(run.Status == domain.RunStatusPartial && run.HasIncompleteStages())
		if !idle {
			return errNothingToCancel
		}
		run.CancelRequested = true
		return nil
	})
	switch {
	case errors.Is(err, errNothingToCancel):
		return nil
	case errors.Is(err, ErrRunLeased):
		o.logger.Info("run is leased elsewhere, cancel left to its owner", "run_id", runID)
		return nil
	}
	return err
}

var errNothingToCancel = errors.New("run has nothing to cancel")

func checkRunnable(run *domain.PipelineRun) error {
	if run.Status != domain.RunStatusPending && run.Status != domain.RunStatusProcessing {
		return fmt.Errorf("%w: status %s", ErrRunNotResumable, run.Status)
	}
	return nil
}

// CheckResumable проверяет, что run можно продолжить явным resume.
func CheckResumable(run *domain.PipelineRun) error {
	if run.Status != domain.RunStatusPartial {
		return fmt.Errorf("%w: status %s", ErrRunNotResumable, run.Status)
	}
	if !run.HasIncompleteStages() {
		return fmt.Errorf("%w: no stages left to run", ErrRunNotResumable)
	}
	return nil
}
