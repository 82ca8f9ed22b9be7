package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// RunState — состояние выполняющегося run в памяти процесса.
//
// run изменяется только под mu: стадии сообщают о sub-jobs конкурентно
// из пула.
type RunState struct {
	mu  sync.Mutex
	run *domain.PipelineRun

	cancelMu        sync.Mutex
	cancel          context.CancelCauseFunc
	cancelRequested bool
}

// NewRunState создаёт RunState для загруженного run.
func NewRunState(run *domain.PipelineRun) *RunState {
	return &RunState{
		run:             run,
		cancelRequested: run.CancelRequested,
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() uuid.UUID {
	return s.run.ID
}

// Snapshot возвращает копию run на текущий момент.
func (s *RunState) Snapshot() domain.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := *s.run
	run.Stages = make([]domain.Stage, len(s.run.Stages))
	for i, st := range s.run.Stages {
		st.SubJobs = append([]domain.SubJob(nil), st.SubJobs...)
		run.Stages[i] = st
	}
	run.Artifacts = s.run.Artifacts.Clone()
	run.Failures = append([]domain.FailureRecord(nil), s.run.Failures...)
	return run
}

// RequestCancel помечает run отменённым и прерывает его контекст.
// Можно вызывать до старта выполнения: контекст будет отменён сразу
// при привязке.
func (s *RunState) RequestCancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	s.cancelRequested = true
	if s.cancel != nil {
		s.cancel(ErrRunCancelled)
	}
}

// CancelRequested возвращает true, если отмена уже известна процессу.
func (s *RunState) CancelRequested() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelRequested
}

// bind привязывает функцию отмены контекста выполнения.
func (s *RunState) bind(cancel context.CancelCauseFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	s.cancel = cancel
	if s.cancelRequested {
		cancel(ErrRunCancelled)
	}
}

// Stats возвращает сводку по стадиям.
func (s *RunState) Stats() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := RunStats{
		Status:       s.run.Status,
		TotalStages:  len(s.run.Stages),
		CurrentStage: s.run.CurrentStageIndex,
	}
	for _, st := range s.run.Stages {
		if st.Status.IsDone() {
			stats.DoneStages++
		}
		for _, j := range st.SubJobs {
			if !j.Status.IsTerminal() {
				stats.InFlightSubJobs++
			}
		}
	}
	return stats
}

// RunStats — сводка выполнения run.
type RunStats struct {
	Status          domain.RunStatus `json:"status"`
	TotalStages     int              `json:"total_stages"`
	DoneStages      int              `json:"done_stages"`
	CurrentStage    int              `json:"current_stage"`
	InFlightSubJobs int              `json:"in_flight_sub_jobs"`
}
