package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/repo/memstore"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/steps"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// fakeStage — стадия с подменяемым Execute.
type fakeStage struct {
	id    string
	calls atomic.Int32
	exec  func(ctx context.Context, req *steps.Request) (*steps.Result, error)
}

func (s *fakeStage) ID() string    { return s.id }
func (s *fakeStage) Label() string { return s.id }

func (s *fakeStage) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	s.calls.Add(1)
	if s.exec == nil {
		return completed(fmt.Sprintf("%s:1", s.id)), nil
	}
	return s.exec(ctx, req)
}

// completed возвращает успешный итог с sub-jobs по ключам.
func completed(keys ...string) *steps.Result {
	res := &steps.Result{Status: domain.StageStatusCompleted}
	for _, k := range keys {
		res.SubJobs = append(res.SubJobs, domain.SubJob{Key: k, Status: domain.SubJobStatusCompleted, ResultRef: "ref:" + k})
	}
	return res
}

type testEnv struct {
	store     *memstore.Store
	ledger    *ledger.Ledger
	stages    map[string]*fakeStage
	registry  *steps.Registry
	accountID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memstore.New()
	accountID := uuid.New()
	if err := store.Accounts().Create(context.Background(), &domain.Account{ID: accountID, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	env := &testEnv{
		store:     store,
		ledger:    ledger.New(ledger.Config{Store: store.Accounts(), Logger: telemetry.Discard()}),
		stages:    make(map[string]*fakeStage),
		registry:  steps.NewRegistry(),
		accountID: accountID,
	}
	for _, def := range steps.DefaultDefs() {
		st := &fakeStage{id: def.ID}
		env.stages[def.ID] = st
		env.registry.Register(st)
	}
	return env
}

func (e *testEnv) runner() *Runner {
	return NewRunner(RunnerConfig{
		Runs:                e.store.Runs(),
		Tasks:               e.store.Tasks(),
		Stages:              e.registry,
		Ledger:              e.ledger,
		CancelCheckInterval: 5 * time.Millisecond,
		SettleRetry:         retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Logger:              telemetry.Discard(),
	})
}

func (e *testEnv) orchestrator() *Orchestrator {
	return e.replica("", 0)
}

// replica — оркестратор с собственным владельцем аренды поверх общего хранилища.
func (e *testEnv) replica(workerID string, leaseTTL time.Duration) *Orchestrator {
	return New(Config{
		Runs:                e.store.Runs(),
		Tasks:               e.store.Tasks(),
		Stages:              e.registry,
		Ledger:              e.ledger,
		PollInterval:        10 * time.Millisecond,
		CancelCheckInterval: 5 * time.Millisecond,
		SettleRetry:         retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		WorkerID:            workerID,
		LeaseTTL:            leaseTTL,
		Logger:              telemetry.Discard(),
	})
}

// newRun сохраняет run с tracking task и оплаченной оценкой.
func (e *testEnv) newRun(t *testing.T, estimated int64) *domain.PipelineRun {
	t.Helper()
	ctx := context.Background()

	run := domain.NewPipelineRun(e.accountID, "test", "某天，林风走进了山门。", domain.RunConfig{
		ImageModel: domain.ImageModelSeedream,
		VideoModel: domain.VideoModelKling,
	}, steps.DefaultDefs())
	run.EstimatedCredits = estimated

	task := domain.NewGenerationTask(e.accountID, &run.ID, domain.TaskTypePipeline, "", estimated)
	if err := e.store.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	run.TaskID = task.ID

	if err := e.store.Runs().Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (e *testEnv) load(t *testing.T, id uuid.UUID) *domain.PipelineRun {
	t.Helper()
	run, err := e.store.Runs().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func (e *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), e.accountID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func stageStatuses(run *domain.PipelineRun) []domain.StageStatus {
	out := make([]domain.StageStatus, len(run.Stages))
	for i, st := range run.Stages {
		out[i] = st.Status
	}
	return out
}

func (e *testEnv) execute(t *testing.T, r *Runner, run *domain.PipelineRun) error {
	t.Helper()
	return r.Execute(context.Background(), NewRunState(e.load(t, run.ID)))
}

// --- Runner Tests ---

func TestRunner_CompletesAllStages(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)

	env.stages[steps.StageCharacterDesign].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return completed("character:林风", "character:苏瑶"), nil
	}
	env.stages[steps.StageSceneImages].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return completed("shot:1-1", "shot:1-2", "shot:2-1"), nil
	}
	env.stages[steps.StageSceneVideos].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return completed("shot:1-1", "shot:1-2", "shot:2-1"), nil
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", got.Status, got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}

	// 5 + 2·3 + 3·3 + 3·10
	if got.ActualCredits != 50 {
		t.Errorf("ActualCredits = %d, want 50", got.ActualCredits)
	}
	if b := env.balance(t); b != 50 {
		t.Errorf("balance after settlement = %d, want 50", b)
	}

	task, err := env.store.Tasks().GetByID(context.Background(), run.TaskID)
	if err != nil {
		t.Fatalf("get tracking task: %v", err)
	}
	if task.Status != domain.TaskStatusCompleted || task.ResultRef != run.ID.String() {
		t.Errorf("tracking task = %s/%q, want completed/%s", task.Status, task.ResultRef, run.ID)
	}
}

func TestRunner_ResumesFromFirstIncompleteStage(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)

	run.Status = domain.RunStatusProcessing
	run.Stages[0].Status = domain.StageStatusCompleted
	run.Stages[1].Status = domain.StageStatusCompleted
	run.Stages[2].Status = domain.StageStatusProcessing
	run.Stages[2].SubJobs = []domain.SubJob{
		{Key: "character:林风", Status: domain.SubJobStatusCompleted, ResultRef: "https://img/1"},
		{Key: "character:苏瑶", Status: domain.SubJobStatusProcessing, ProviderTaskID: "img-2"},
	}
	run.CurrentStageIndex = 2
	if err := env.store.Runs().Update(context.Background(), run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	var seen []domain.SubJob
	env.stages[steps.StageCharacterDesign].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		seen = req.SubJobs
		return completed("character:林风", "character:苏瑶"), nil
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	for _, id := range []string{steps.StageScript, steps.StageStoryboard} {
		if n := env.stages[id].calls.Load(); n != 0 {
			t.Errorf("stage %s invoked %d times, want 0", id, n)
		}
	}
	for _, id := range []string{steps.StageCharacterDesign, steps.StageSceneImages, steps.StageSceneVideos} {
		if n := env.stages[id].calls.Load(); n != 1 {
			t.Errorf("stage %s invoked %d times, want 1", id, n)
		}
	}

	if diff := cmp.Diff(run.Stages[2].SubJobs, seen); diff != "" {
		t.Errorf("previous sub-jobs passed to stage mismatch (-want +got):\n%s", diff)
	}
	if got := env.load(t, run.ID); got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestRunner_PartialFanOutFailure(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 200)

	env.stages[steps.StageSceneImages].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		res := completed("shot:1-1", "shot:1-2")
		res.SubJobs = append(res.SubJobs, domain.SubJob{Key: "shot:2-1", Status: domain.SubJobStatusFailed, Error: "content rejected"})
		res.Status = domain.StageStatusCompletedWithFailures
		res.Error = "1 of 3 sub-jobs failed"
		return res, nil
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}
	if env.stages[steps.StageSceneVideos].calls.Load() != 1 {
		t.Error("stages after a partially failed fan-out should still run")
	}

	want := []domain.FailureRecord{{StageID: steps.StageSceneImages, Failed: 1, Total: 3, Error: "1 of 3 sub-jobs failed"}}
	if diff := cmp.Diff(want, got.Failures); diff != "" {
		t.Errorf("Failures mismatch (-want +got):\n%s", diff)
	}
	if got.FinishedAt == nil {
		t.Error("partial run without pending stages should be finished")
	}
	if got.ActualCredits == 0 || env.balance(t) != 200-got.ActualCredits {
		t.Errorf("settlement: actual %d, balance %d", got.ActualCredits, env.balance(t))
	}
}

func TestRunner_StopOnFailure(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)

	env.stages[steps.StageStoryboard].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return &steps.Result{
			Status:  domain.StageStatusFailed,
			SubJobs: []domain.SubJob{{Key: "scene:1", Status: domain.SubJobStatusFailed, Error: "boom"}},
			Error:   "1 of 1 sub-jobs failed: scene:1: boom",
		}, nil
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "stage storyboard: 1 of 1 sub-jobs failed: scene:1: boom" {
		t.Errorf("Error = %q", got.Error)
	}

	want := []domain.StageStatus{
		domain.StageStatusCompleted,
		domain.StageStatusFailed,
		domain.StageStatusSkipped,
		domain.StageStatusSkipped,
		domain.StageStatusSkipped,
	}
	if diff := cmp.Diff(want, stageStatuses(got)); diff != "" {
		t.Errorf("stage statuses mismatch (-want +got):\n%s", diff)
	}
	if env.stages[steps.StageCharacterDesign].calls.Load() != 0 {
		t.Error("stages after a stop_on_failure failure must not run")
	}

	// Оплачен только overhead текстовых стадий.
	if got.ActualCredits != 5 || env.balance(t) != 95 {
		t.Errorf("actual = %d, balance = %d; want 5 and 95", got.ActualCredits, env.balance(t))
	}

	task, _ := env.store.Tasks().GetByID(context.Background(), run.TaskID)
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("tracking task status = %s, want failed", task.Status)
	}
}

func TestRunner_ToleratedFailureCompletesWithAnnotation(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)

	env.stages[steps.StageCharacterDesign].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return &steps.Result{
			Status:  domain.StageStatusFailed,
			SubJobs: []domain.SubJob{{Key: "character:林风", Status: domain.SubJobStatusFailed}},
			Error:   "1 of 1 sub-jobs failed",
		}, nil
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(got.Failures) != 1 || got.Failures[0].StageID != steps.StageCharacterDesign {
		t.Errorf("Failures = %+v, want one record for character_design", got.Failures)
	}
}

func TestRunner_StageErrorFailsStage(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)

	env.stages[steps.StageScript].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		return nil, fmt.Errorf("%w: input text is empty", steps.ErrMissingInput)
	}

	if err := env.execute(t, env.runner(), run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusFailed || got.Stages[0].Status != domain.StageStatusFailed {
		t.Errorf("run %s, script %s; want failed/failed", got.Status, got.Stages[0].Status)
	}
}

func TestRunner_DeferredThenResume(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)

	var configured atomic.Bool
	env.stages[steps.StageSceneVideos].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		if !configured.Load() {
			return nil, fmt.Errorf("%w: kling", provider.ErrNotConfigured)
		}
		return completed("shot:1-1"), nil
	}

	o := env.orchestrator()
	ctx := context.Background()

	if err := o.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	o.Wait()

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}
	if got.Stages[4].Status != domain.StageStatusDeferred {
		t.Errorf("scene_videos = %s, want deferred", got.Stages[4].Status)
	}
	if got.FinishedAt != nil {
		t.Error("deferred run should not be finished")
	}
	if b := env.balance(t); b != 0 {
		t.Errorf("deferred run must not be settled, balance = %d", b)
	}

	configured.Store(true)
	if err := o.ResumeRun(ctx, run.ID); err != nil {
		t.Fatalf("ResumeRun() error = %v", err)
	}
	o.Wait()

	got = env.load(t, run.ID)
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("status after resume = %s, want completed", got.Status)
	}
	for _, id := range []string{steps.StageScript, steps.StageStoryboard, steps.StageCharacterDesign, steps.StageSceneImages} {
		if n := env.stages[id].calls.Load(); n != 1 {
			t.Errorf("stage %s invoked %d times, want 1", id, n)
		}
	}
	if n := env.stages[steps.StageSceneVideos].calls.Load(); n != 2 {
		t.Errorf("scene_videos invoked %d times, want 2", n)
	}

	if err := o.ResumeRun(ctx, run.ID); !errors.Is(err, ErrRunNotResumable) {
		t.Errorf("ResumeRun() on completed run error = %v, want ErrRunNotResumable", err)
	}
}

func TestRunner_CancelDuringStage(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)
	started := make(chan struct{})

	env.stages[steps.StageSceneImages].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		job := domain.SubJob{Key: "shot:1-1", Status: domain.SubJobStatusProcessing, ProviderTaskID: "img-1"}
		req.Report(job, domain.Artifacts{})
		close(started)

		<-ctx.Done()
		job.Status = domain.SubJobStatusAbandoned
		return &steps.Result{Status: domain.StageStatusFailed, SubJobs: []domain.SubJob{job}}, steps.ErrStageCancelled
	}

	r := env.runner()
	done := make(chan error, 1)
	go func() { done <- env.execute(t, r, run) }()

	<-started
	if err := env.store.Runs().RequestCancel(context.Background(), run.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe the cancel flag")
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Stages[3].Status != domain.StageStatusFailed || got.Stages[4].Status != domain.StageStatusSkipped {
		t.Errorf("stages = %v", stageStatuses(got))
	}
	if j := got.Stages[3].SubJob("shot:1-1"); j == nil || j.Status != domain.SubJobStatusAbandoned {
		t.Errorf("sub-job = %+v, want abandoned", j)
	}
	if env.stages[steps.StageSceneVideos].calls.Load() != 0 {
		t.Error("stages after cancel must not run")
	}

	// Оплачены overhead и портрет fake-стадии.
	if got.ActualCredits != 8 || env.balance(t) != 92 {
		t.Errorf("actual = %d, balance = %d; want 8 and 92", got.ActualCredits, env.balance(t))
	}
}

func TestRunner_ShutdownLeavesRunProcessing(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)
	started := make(chan struct{})

	env.stages[steps.StageStoryboard].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		req.Report(domain.SubJob{Key: "scene:1", Status: domain.SubJobStatusCompleted, ResultRef: "scene:1"}, domain.Artifacts{})
		close(started)
		<-ctx.Done()
		return nil, steps.ErrStageCancelled
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner().Execute(ctx, NewRunState(env.load(t, run.ID))) }()

	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if got.Stages[1].Status != domain.StageStatusProcessing {
		t.Errorf("storyboard = %s, want processing", got.Stages[1].Status)
	}
	if j := got.Stages[1].SubJob("scene:1"); j == nil || j.Status != domain.SubJobStatusCompleted {
		t.Errorf("reported sub-job not persisted: %+v", j)
	}
	if b := env.balance(t); b != 0 {
		t.Errorf("interrupted run must not be settled, balance = %d", b)
	}
}

func TestRunner_SettlementRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)
	r := env.runner()

	if err := env.execute(t, r, run); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	first := env.balance(t)

	// Повторная финализация (например, после рестарта) не начисляет ещё раз.
	state := NewRunState(env.load(t, run.ID))
	if err := r.settle(context.Background(), state); err != nil {
		t.Fatalf("settle() error = %v", err)
	}
	if b := env.balance(t); b != first {
		t.Errorf("balance after second settlement = %d, want %d", b, first)
	}

	txs, err := env.ledger.History(context.Background(), env.accountID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	refunds := 0
	for _, tx := range txs {
		if tx.Kind == domain.TransactionRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund transactions = %d, want 1", refunds)
	}
}

func TestRunner_ActualCreditsWithoutScript(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)
	run.Stages[0].Status = domain.StageStatusFailed
	run.Stages[2].SubJobs = []domain.SubJob{{Key: "character:a", Status: domain.SubJobStatusCompleted}}

	if got := env.runner().ActualCredits(run); got != 0 {
		t.Errorf("ActualCredits() = %d, want 0", got)
	}
}

func TestRunner_Policy(t *testing.T) {
	r := NewRunner(RunnerConfig{Policies: map[string]Policy{steps.StageSceneImages: PolicyTolerate}})

	tests := []struct {
		stage string
		want  Policy
	}{
		{steps.StageScript, PolicyStopOnFailure},
		{steps.StageCharacterDesign, PolicyTolerate},
		{steps.StageSceneImages, PolicyTolerate},
		{"unknown", PolicyStopOnFailure},
	}
	for _, tt := range tests {
		if got := r.Policy(tt.stage); got != tt.want {
			t.Errorf("Policy(%s) = %s, want %s", tt.stage, got, tt.want)
		}
	}
}

// --- Orchestrator Tests ---

func TestOrchestrator_PollPicksUpPendingRuns(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)

	o := env.orchestrator()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer o.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for env.load(t, run.ID).Status != domain.RunStatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("run not picked up, status %s", env.load(t, run.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_CancelIdleRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 100)
	ctx := context.Background()

	if err := env.store.Runs().RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	o := env.orchestrator()
	if err := o.CancelRun(ctx, run.ID); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	o.Wait()

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for i, st := range got.Stages {
		if st.Status != domain.StageStatusSkipped {
			t.Errorf("stage %d = %s, want skipped", i, st.Status)
		}
	}
	if b := env.balance(t); b != 100 {
		t.Errorf("balance = %d, want full refund 100", b)
	}
}

func TestOrchestrator_DuplicateLaunch(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)
	release := make(chan struct{})

	env.stages[steps.StageScript].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		<-release
		return completed("script"), nil
	}

	o := env.orchestrator()
	ctx := context.Background()
	if err := o.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := o.StartRun(ctx, run.ID); !errors.Is(err, ErrRunAlreadyActive) {
		t.Errorf("second StartRun() error = %v, want ErrRunAlreadyActive", err)
	}
	if _, ok := o.GetActiveRunStats(run.ID); !ok {
		t.Error("run should be active")
	}

	close(release)
	o.Wait()

	if o.ActiveRunsCount() != 0 {
		t.Errorf("ActiveRunsCount() = %d, want 0", o.ActiveRunsCount())
	}
	if n := env.stages[steps.StageScript].calls.Load(); n != 1 {
		t.Errorf("script invoked %d times, want 1", n)
	}
}

func TestOrchestrator_ActiveRunRoutes(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)
	started := make(chan struct{})
	release := make(chan struct{})

	env.stages[steps.StageScript].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		close(started)
		<-release
		return completed("script"), nil
	}

	o := env.replica("replica-a", time.Minute)
	if err := o.StartRun(context.Background(), run.ID); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	defer func() {
		close(release)
		o.Wait()
	}()
	<-started

	mux := http.NewServeMux()
	o.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+run.ID.String()+"/active", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var got activeRunResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := activeRunResponse{
		RunID:    run.ID,
		WorkerID: "replica-a",
		RunStats: RunStats{Status: domain.RunStatusProcessing, TotalStages: len(run.Stages)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("active run mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString()+"/active", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/active", nil))
	if !strings.Contains(rec.Body.String(), `"active":1`) {
		t.Errorf("active count body = %s, want active 1", rec.Body)
	}
}

func TestOrchestrator_StartRunUnknown(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator()

	if err := o.StartRun(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("StartRun() error = %v, want ErrRunNotFound", err)
	}
}

// --- Lease Tests ---

func TestOrchestrator_TwoReplicasRunOnce(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)
	started := make(chan struct{})
	release := make(chan struct{})

	env.stages[steps.StageScript].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		close(started)
		<-release
		return completed("script"), nil
	}

	a := env.replica("replica-a", time.Minute)
	b := env.replica("replica-b", time.Minute)
	ctx := context.Background()

	if err := a.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("replica-a StartRun() error = %v", err)
	}
	<-started

	if err := b.StartRun(ctx, run.ID); !errors.Is(err, ErrRunLeased) {
		t.Errorf("replica-b StartRun() error = %v, want ErrRunLeased", err)
	}
	if err := b.ignoreBenign(run.ID, b.StartRun(ctx, run.ID)); err != nil {
		t.Errorf("run.pending redelivery should be acked, got %v", err)
	}
	if err := b.CancelRun(ctx, run.ID); err != nil {
		t.Errorf("replica-b CancelRun() error = %v", err)
	}

	b.poll(ctx)
	if n := b.ActiveRunsCount(); n != 0 {
		t.Errorf("replica-b ActiveRunsCount() = %d after poll, want 0", n)
	}
	if owner, _ := env.store.Runs().LeaseOwner(run.ID); owner != "replica-a" {
		t.Errorf("lease owner = %q, want replica-a", owner)
	}

	close(release)
	a.Wait()
	b.Wait()

	if n := env.stages[steps.StageScript].calls.Load(); n != 1 {
		t.Errorf("script invoked %d times, want 1", n)
	}
	if got := env.load(t, run.ID); got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if owner, ok := env.store.Runs().LeaseOwner(run.ID); ok {
		t.Errorf("lease still held by %q after run finished", owner)
	}
}

func TestOrchestrator_ExpiredLeaseTakenOver(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)
	ctx := context.Background()

	// Реплика упала, не сняв аренду.
	if _, err := env.store.Runs().Claim(ctx, run.ID, "crashed", time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	b := env.replica("replica-b", time.Minute)
	if err := b.StartRun(ctx, run.ID); !errors.Is(err, ErrRunLeased) {
		t.Fatalf("StartRun() under live lease error = %v, want ErrRunLeased", err)
	}

	env.store.Advance(2 * time.Minute)
	if err := b.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("StartRun() after lease expiry error = %v", err)
	}
	b.Wait()

	if got := env.load(t, run.ID); got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestOrchestrator_PollSkipsLeasedRuns(t *testing.T) {
	env := newTestEnv(t)
	leased := env.newRun(t, 0)
	free := env.newRun(t, 0)
	ctx := context.Background()

	if _, err := env.store.Runs().Claim(ctx, leased.ID, "replica-a", time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	resumable, err := env.store.Runs().ListResumable(ctx, 1)
	if err != nil {
		t.Fatalf("ListResumable() error = %v", err)
	}
	if len(resumable) != 1 || resumable[0].ID != free.ID {
		t.Fatalf("ListResumable(1) = %d runs, want only the free run", len(resumable))
	}

	b := env.replica("replica-b", time.Minute)
	b.poll(ctx)
	b.Wait()

	if got := env.load(t, free.ID); got.Status != domain.RunStatusCompleted {
		t.Errorf("free run status = %s, want completed", got.Status)
	}
	if got := env.load(t, leased.ID); got.Status != domain.RunStatusPending {
		t.Errorf("leased run status = %s, want pending", got.Status)
	}

	env.store.Advance(2 * time.Minute)
	resumable, err = env.store.Runs().ListResumable(ctx, 10)
	if err != nil {
		t.Fatalf("ListResumable() error = %v", err)
	}
	if len(resumable) != 1 || resumable[0].ID != leased.ID {
		t.Errorf("after lease expiry ListResumable = %d runs, want the formerly leased run", len(resumable))
	}
}

func TestOrchestrator_LostLeaseStopsRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.newRun(t, 0)
	started := make(chan struct{})
	cause := make(chan error, 1)

	env.stages[steps.StageScript].exec = func(ctx context.Context, req *steps.Request) (*steps.Result, error) {
		close(started)
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return nil, ctx.Err()
	}

	a := env.replica("replica-a", 30*time.Millisecond)
	ctx := context.Background()
	if err := a.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	<-started

	// Аренда истекла, run перехватила другая реплика.
	deadline := time.Now().Add(5 * time.Second)
	for {
		env.store.Advance(time.Minute)
		if _, err := env.store.Runs().Claim(ctx, run.ID, "replica-b", time.Hour); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease was never released for takeover")
		}
	}

	select {
	case err := <-cause:
		if !errors.Is(err, ErrLeaseLost) {
			t.Errorf("stage context cause = %v, want ErrLeaseLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stage was not stopped after losing lease")
	}
	a.Wait()

	got := env.load(t, run.ID)
	if got.Status != domain.RunStatusProcessing {
		t.Errorf("status = %s, want processing for the new owner", got.Status)
	}
	if got.Stages[0].Status != domain.StageStatusProcessing {
		t.Errorf("script stage = %s, want processing", got.Stages[0].Status)
	}
	if owner, _ := env.store.Runs().LeaseOwner(run.ID); owner != "replica-b" {
		t.Errorf("lease owner = %q, want replica-b", owner)
	}
}

// --- RunState Tests ---

func TestRunState_CancelBeforeBind(t *testing.T) {
	state := NewRunState(&domain.PipelineRun{ID: uuid.New()})
	state.RequestCancel()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	state.bind(cancel)

	if !errors.Is(context.Cause(ctx), ErrRunCancelled) {
		t.Errorf("context cause = %v, want ErrRunCancelled", context.Cause(ctx))
	}
}

func TestCheckResumable(t *testing.T) {
	deferred := &domain.PipelineRun{
		Status: domain.RunStatusPartial,
		Stages: []domain.Stage{{ID: "a", Status: domain.StageStatusCompleted}, {ID: "b", Status: domain.StageStatusDeferred}},
	}
	settled := &domain.PipelineRun{
		Status: domain.RunStatusPartial,
		Stages: []domain.Stage{{ID: "a", Status: domain.StageStatusCompletedWithFailures}},
	}
	done := &domain.PipelineRun{Status: domain.RunStatusCompleted}

	if err := CheckResumable(deferred); err != nil {
		t.Errorf("deferred run: %v", err)
	}
	if err := CheckResumable(settled); !errors.Is(err, ErrRunNotResumable) {
		t.Errorf("partial run without pending stages: %v", err)
	}
	if err := CheckResumable(done); !errors.Is(err, ErrRunNotResumable) {
		t.Errorf("completed run: %v", err)
	}
}
