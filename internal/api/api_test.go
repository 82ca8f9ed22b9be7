package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/assets"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/launcher"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/poller"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/provider/providertest"
	"github.com/shaiso/Mangaflow/internal/repo/memstore"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/steps"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// fakePublisher запоминает управляющие сообщения.
type fakePublisher struct {
	mu      sync.Mutex
	resumed []uuid.UUID
	cancels []uuid.UUID
}

func (p *fakePublisher) PublishRunResume(_ context.Context, runID, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, runID)
	return nil
}

func (p *fakePublisher) PublishRunCancel(_ context.Context, runID, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, runID)
	return nil
}

type testEnv struct {
	store     *memstore.Store
	ledger    *ledger.Ledger
	launcher  *launcher.Launcher
	publisher *fakePublisher
	handler   *Handler
	mux       *http.ServeMux
	accountID uuid.UUID
}

func newTestEnv(t *testing.T, balance int64) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     memstore.New(),
		publisher: &fakePublisher{},
		accountID: uuid.New(),
	}
	env.createAccount(t, env.accountID, balance)

	env.ledger = ledger.New(ledger.Config{
		Store:         env.store.Accounts(),
		ConflictRetry: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		Logger:        telemetry.Discard(),
	})

	providers := provider.NewRegistry()
	providers.RegisterImage(domain.ImageModelSeedream, providertest.NewJobs("img"))
	providers.RegisterVideo(domain.VideoModelKling, providertest.NewJobs("vid"))

	env.launcher = launcher.New(launcher.Config{
		Runs:      env.store.Runs(),
		Tasks:     env.store.Tasks(),
		Ledger:    env.ledger,
		Providers: providers,
		Poller: poller.New(poller.Policy{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			MaxWait:      time.Second,
		}, telemetry.Discard()),
		Assets: assets.NewRecorder(assets.Config{Store: env.store.Assets(), Logger: telemetry.Discard()}),
		Logger: telemetry.Discard(),
	})
	t.Cleanup(env.launcher.Close)

	env.handler = NewHandler(Config{
		Runs:      env.store.Runs(),
		Tasks:     env.store.Tasks(),
		Assets:    env.store.Assets(),
		Ledger:    env.ledger,
		Launcher:  env.launcher,
		Publisher: env.publisher,
		Logger:    telemetry.Discard(),
	})
	env.mux = http.NewServeMux()
	env.handler.RegisterRoutes(env.mux)

	return env
}

func (e *testEnv) createAccount(t *testing.T, id uuid.UUID, balance int64) {
	t.Helper()
	err := e.store.Accounts().Create(context.Background(), &domain.Account{
		ID:            id,
		CreditBalance: balance,
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

// do выполняет запрос от имени account (uuid.Nil — без заголовка).
func (e *testEnv) do(t *testing.T, method, path string, body any, account uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if account != uuid.Nil {
		req.Header.Set(HeaderAccountID, account.String())
	}

	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// addRun сохраняет run напрямую, минуя списание.
func (e *testEnv) addRun(t *testing.T, mutate func(run *domain.PipelineRun)) *domain.PipelineRun {
	t.Helper()
	run := domain.NewPipelineRun(e.accountID, "test", "text", domain.RunConfig{
		ImageModel: domain.ImageModelSeedream,
		VideoModel: domain.VideoModelKling,
	}, steps.DefaultDefs())
	if mutate != nil {
		mutate(run)
	}
	if err := e.store.Runs().Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// --- Run Tests ---

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t, 1000)

	text := "第一章 山门\n林风拔剑。"
	rec := env.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Text:       text,
		ImageModel: "seedream",
		VideoModel: "kling",
	}, env.accountID)
	assertStatus(t, rec, http.StatusCreated)

	got := decodeData[CreateRunResponse](t, rec)
	want := estimate.New(estimate.DefaultConfig()).Estimate(estimate.Input{
		TextLength: utf8.RuneCountInString(text),
		ImageModel: domain.ImageModelSeedream,
		VideoModel: domain.VideoModelKling,
	})
	if got.EstimatedCredits != want.Credits || got.EstimatedScenes != want.Scenes {
		t.Errorf("expected estimate %+v, got %+v", want, got)
	}
	if got.RemainingCredits != 1000-want.Credits {
		t.Errorf("expected remaining %d, got %d", 1000-want.Credits, got.RemainingCredits)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+got.RunID.String(), nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)

	run := decodeData[RunResponse](t, rec)
	if run.Name != "第一章 山门" || run.Status != string(domain.RunStatusPending) {
		t.Errorf("unexpected run: name %q, status %s", run.Name, run.Status)
	}
	if run.CurrentStage != steps.StageScript {
		t.Errorf("expected current stage %s, got %s", steps.StageScript, run.CurrentStage)
	}
	ids := make([]string, len(run.Stages))
	for i, s := range run.Stages {
		ids[i] = s.ID
	}
	wantIDs := []string{
		steps.StageScript, steps.StageStoryboard, steps.StageCharacterDesign,
		steps.StageSceneImages, steps.StageSceneVideos,
	}
	if diff := cmp.Diff(wantIDs, ids); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRun_Errors(t *testing.T) {
	env := newTestEnv(t, 10)

	tests := []struct {
		name    string
		body    any
		account uuid.UUID
		status  int
		code    ErrorCode
	}{
		{"missing account", CreateRunRequest{Text: "x"}, uuid.Nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty text", CreateRunRequest{Text: " "}, env.accountID, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown model", CreateRunRequest{Text: "x", ImageModel: "dalle"}, env.accountID, http.StatusBadRequest, ErrCodeBadRequest},
		{"insufficient credits", CreateRunRequest{Text: "x"}, env.accountID, http.StatusPaymentRequired, ErrCodeInsufficientCredits},
		{"unknown account", CreateRunRequest{Text: "x"}, uuid.New(), http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/runs", tt.body, tt.account)
			assertStatus(t, rec, tt.status)
			if got := decodeError(t, rec); got.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, got.Code)
			}
		})
	}
}

func TestCreateRun_InsufficientCreditsReportsBalance(t *testing.T) {
	env := newTestEnv(t, 50)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Text: "林风拔剑。"}, env.accountID)
	assertStatus(t, rec, http.StatusPaymentRequired)

	detail := decodeError(t, rec)
	if detail.Details["current"] != float64(50) {
		t.Errorf("expected current balance 50 in details, got %v", detail.Details)
	}
}

func TestEstimate(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/estimate", CreateRunRequest{
		Text:       "林风拔剑。",
		ImageModel: "midjourney",
		VideoModel: "sora2",
		LipSync:    true,
	}, uuid.Nil)
	assertStatus(t, rec, http.StatusOK)

	want := estimate.New(estimate.DefaultConfig()).Estimate(estimate.Input{
		TextLength: 5,
		ImageModel: domain.ImageModelMidjourney,
		VideoModel: domain.VideoModelSora,
		LipSync:    true,
	})
	got := decodeData[EstimateResponse](t, rec)
	if got.EstimatedCredits != want.Credits || got.EstimatedShots != want.Shots {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestGetRun_OtherAccount(t *testing.T) {
	env := newTestEnv(t, 0)
	run := env.addRun(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil, uuid.New())
	assertStatus(t, rec, http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil, env.accountID)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addRun(t, nil)
	env.addRun(t, func(run *domain.PipelineRun) { run.Status = domain.RunStatusCompleted })
	env.addRun(t, func(run *domain.PipelineRun) { run.AccountID = uuid.New() })

	rec := env.do(t, http.MethodGet, "/api/v1/runs", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	if runs := decodeData[[]RunResponse](t, rec); len(runs) != 2 {
		t.Errorf("expected 2 runs of the account, got %d", len(runs))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs?status=completed", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	if runs := decodeData[[]RunResponse](t, rec); len(runs) != 1 {
		t.Errorf("expected 1 completed run, got %d", len(runs))
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, 0)
	run := env.addRun(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/cancel", nil, env.accountID)
	assertStatus(t, rec, http.StatusAccepted)

	if got := decodeData[RunResponse](t, rec); !got.CancelRequested {
		t.Error("response should show the cancel request")
	}
	requested, err := env.store.Runs().IsCancelRequested(context.Background(), run.ID)
	if err != nil || !requested {
		t.Errorf("cancel flag not persisted: %v, %v", requested, err)
	}
	if diff := cmp.Diff([]uuid.UUID{run.ID}, env.publisher.cancels); diff != "" {
		t.Errorf("published cancels mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelRun_Finished(t *testing.T) {
	env := newTestEnv(t, 0)
	run := env.addRun(t, func(run *domain.PipelineRun) { run.Status = domain.RunStatusFailed })

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/cancel", nil, env.accountID)
	assertStatus(t, rec, http.StatusUnprocessableEntity)
	if len(env.publisher.cancels) != 0 {
		t.Error("finished run must not publish cancel")
	}
}

func TestResumeRun(t *testing.T) {
	env := newTestEnv(t, 0)
	partial := env.addRun(t, func(run *domain.PipelineRun) {
		run.Status = domain.RunStatusPartial
		run.Stages[0].Status = domain.StageStatusCompleted
		run.Stages[1].Status = domain.StageStatusCompleted
		run.Stages[2].Status = domain.StageStatusDeferred
	})
	pending := env.addRun(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+partial.ID.String()+"/resume", nil, env.accountID)
	assertStatus(t, rec, http.StatusAccepted)
	if diff := cmp.Diff([]uuid.UUID{partial.ID}, env.publisher.resumed); diff != "" {
		t.Errorf("published resumes mismatch (-want +got):\n%s", diff)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/runs/"+pending.ID.String()+"/resume", nil, env.accountID)
	assertStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestResumeRun_NoMessaging(t *testing.T) {
	env := newTestEnv(t, 0)
	env.handler.publisher = nil
	run := env.addRun(t, func(run *domain.PipelineRun) {
		run.Status = domain.RunStatusPartial
		run.Stages[0].Status = domain.StageStatusDeferred
	})

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/resume", nil, env.accountID)
	assertStatus(t, rec, http.StatusServiceUnavailable)
}

// --- Credit Tests ---

func TestDeductCredits(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/api/v1/credits/deduct", DeductRequest{Amount: 30}, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	if got := decodeData[DeductResponse](t, rec); got.Remaining != 70 {
		t.Errorf("expected remaining 70, got %d", got.Remaining)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/credits/deduct", DeductRequest{Amount: 100}, env.accountID)
	assertStatus(t, rec, http.StatusPaymentRequired)

	rec = env.do(t, http.MethodPost, "/api/v1/credits/deduct", DeductRequest{Amount: 0}, env.accountID)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/"+env.accountID.String()+"/credits", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	if got := decodeData[CreditsResponse](t, rec); got.Balance != 70 {
		t.Errorf("expected balance 70, got %d", got.Balance)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/"+env.accountID.String()+"/transactions", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	txs := decodeData[[]TransactionResponse](t, rec)
	if len(txs) != 2 || txs[0].Kind != string(domain.TransactionConsume) || txs[0].Amount != -30 {
		t.Errorf("expected consume on top of grant, got %+v", txs)
	}
	if txs[0].Description != defaultDeductDescription {
		t.Errorf("expected default description, got %q", txs[0].Description)
	}
}

func TestDeductCredits_Conflict(t *testing.T) {
	env := newTestEnv(t, 100)

	var once sync.Once
	env.store.BeforeDebit = func(id uuid.UUID) {
		once.Do(func() { env.store.Accounts().SetBalance(id, 90) })
	}

	rec := env.do(t, http.MethodPost, "/api/v1/credits/deduct", DeductRequest{Amount: 10}, env.accountID)
	assertStatus(t, rec, http.StatusConflict)
}

func TestGetCredits_OtherAccount(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/api/v1/accounts/"+env.accountID.String()+"/credits", nil, uuid.New())
	assertStatus(t, rec, http.StatusNotFound)
}

// --- Generation Tests ---

func TestGenerateImage(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/generations/image", GenerateImageRequest{
		Prompt: "月下剑客",
		Ratio:  "9:16",
	}, env.accountID)
	assertStatus(t, rec, http.StatusAccepted)

	started := decodeData[GenerationResponse](t, rec)
	if started.CreditsCost != 3 || started.RemainingCredits != 7 {
		t.Errorf("unexpected charge: %+v", started)
	}

	env.launcher.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+started.TaskID.String(), nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	task := decodeData[TaskResponse](t, rec)
	if task.Status != string(domain.TaskStatusCompleted) || task.ResultURL == "" {
		t.Errorf("expected completed task with url, got %+v", task)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/assets?type=image", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	var page PageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 || page.Page != 1 || page.PageSize != defaultPageSize {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestGenerateImage_NotConfigured(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/api/v1/generations/image", GenerateImageRequest{
		Prompt: "月下剑客",
		Model:  "midjourney",
	}, env.accountID)
	assertStatus(t, rec, http.StatusServiceUnavailable)
}

func TestGenerateVideo(t *testing.T) {
	env := newTestEnv(t, 25)

	rec := env.do(t, http.MethodPost, "/api/v1/generations/video", GenerateVideoRequest{
		Prompt:          "剑光划破夜空",
		SourceImageURL:  "https://cdn.example.com/shots/1-1.png",
		DurationSeconds: 10,
	}, env.accountID)
	assertStatus(t, rec, http.StatusAccepted)

	started := decodeData[GenerationResponse](t, rec)
	if started.CreditsCost != 10 || started.RemainingCredits != 15 {
		t.Errorf("unexpected charge: %+v", started)
	}

	env.launcher.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+started.TaskID.String(), nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	task := decodeData[TaskResponse](t, rec)
	if task.Status != string(domain.TaskStatusCompleted) || task.ResultURL != "https://fake/vid-1" {
		t.Errorf("expected completed video task, got %+v", task)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/assets?type=video", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)
	var page PageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected one video asset, got %+v", page)
	}
}

func TestGenerateVideo_Errors(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		body    GenerateVideoRequest
		status  int
	}{
		{"missing source image", 100, GenerateVideoRequest{Prompt: "x"}, http.StatusBadRequest},
		{"bad duration", 100, GenerateVideoRequest{Prompt: "x", SourceImageURL: "https://cdn.example.com/a.png", DurationSeconds: 3}, http.StatusBadRequest},
		{"not configured", 100, GenerateVideoRequest{Prompt: "x", SourceImageURL: "https://cdn.example.com/a.png", Model: "sora2"}, http.StatusServiceUnavailable},
		{"insufficient credits", 4, GenerateVideoRequest{Prompt: "x", SourceImageURL: "https://cdn.example.com/a.png"}, http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.balance)
			rec := env.do(t, http.MethodPost, "/api/v1/generations/video", tt.body, env.accountID)
			assertStatus(t, rec, tt.status)
		})
	}
}

func TestListAssets_Pagination(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	for range 5 {
		err := env.store.Assets().Create(ctx, &domain.Asset{
			ID:        uuid.New(),
			AccountID: env.accountID,
			Type:      domain.AssetTypeVideo,
			Name:      "clip",
		})
		if err != nil {
			t.Fatalf("create asset: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/assets?page=2&page_size=2", nil, env.accountID)
	assertStatus(t, rec, http.StatusOK)

	var resp struct {
		Data  []AssetResponse `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 5 || len(resp.Data) != 2 {
		t.Errorf("expected 2 of 5 assets, got %d of %d", len(resp.Data), resp.Total)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/assets?type=audio", nil, env.accountID)
	assertStatus(t, rec, http.StatusBadRequest)
}

// --- Error Mapping Tests ---

func TestHandleError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.NewValidationError("text", "is required"), http.StatusBadRequest},
		{"insufficient", &ledger.InsufficientCreditsError{Current: 1, Requested: 5}, http.StatusPaymentRequired},
		{"conflict", ledger.ErrConcurrencyConflict, http.StatusConflict},
		{"persistence", &ledger.PersistenceError{Op: "create task", Err: errors.New("boom")}, http.StatusInternalServerError},
		{"not configured", provider.ErrNotConfigured, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if !HandleError(rec, telemetry.Discard(), tt.err, "") {
				t.Fatal("expected error to be handled")
			}
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}
