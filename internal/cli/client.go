package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HeaderAccountID — заголовок с ID счёта вызывающего.
const HeaderAccountID = "X-Account-ID"

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StageResponse — стадия run из API.
type StageResponse struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	Completed int    `json:"completed_sub_jobs,omitempty"`
	Failed    int    `json:"failed_sub_jobs,omitempty"`
	Total     int    `json:"total_sub_jobs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FailureResponse — сбой стадии, допущенный политикой.
type FailureResponse struct {
	StageID string `json:"stage_id"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"account_id"`
	Name             string            `json:"name"`
	Status           string            `json:"status"`
	CurrentStage     string            `json:"current_stage,omitempty"`
	Stages           []StageResponse   `json:"stages"`
	EstimatedCredits int64             `json:"estimated_credits"`
	ActualCredits    int64             `json:"actual_credits"`
	TaskID           string            `json:"task_id"`
	Failures         []FailureResponse `json:"failures,omitempty"`
	Error            string            `json:"error,omitempty"`
	CancelRequested  bool              `json:"cancel_requested,omitempty"`
	CreatedAt        string            `json:"created_at"`
	StartedAt        string            `json:"started_at,omitempty"`
	FinishedAt       string            `json:"finished_at,omitempty"`
}

// Stopped возвращает true, если run больше не выполняется.
// partial тоже считается остановкой: продолжить его можно только resume.
func (r RunResponse) Stopped() bool {
	switch r.Status {
	case "completed", "partial", "failed", "cancelled":
		return true
	}
	return false
}

// CreateRunResponse — ответ на запуск run.
type CreateRunResponse struct {
	RunID            string `json:"run_id"`
	TaskID           string `json:"task_id"`
	EstimatedCredits int64  `json:"estimated_credits"`
	EstimatedScenes  int    `json:"estimated_scenes"`
	RemainingCredits int64  `json:"remaining_credits"`
}

// EstimateResponse — оценка стоимости.
type EstimateResponse struct {
	EstimatedScenes     int   `json:"estimated_scenes"`
	EstimatedShots      int   `json:"estimated_shots"`
	EstimatedCharacters int   `json:"estimated_characters"`
	EstimatedCredits    int64 `json:"estimated_credits"`
}

// TaskResponse — generation task из API.
type TaskResponse struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id,omitempty"`
	Type         string `json:"type"`
	Model        string `json:"model,omitempty"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreditsCost  int64  `json:"credits_cost"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// AssetResponse — asset из API.
type AssetResponse struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	URL       string         `json:"url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// CreditsResponse — баланс счёта.
type CreditsResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// TransactionResponse — запись журнала кредитов.
type TransactionResponse struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Kind          string `json:"kind"`
	Description   string `json:"description"`
	RelatedTaskID string `json:"related_task_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// DeductResponse — остаток после списания.
type DeductResponse struct {
	Remaining int64 `json:"remaining"`
}

// GenerationResponse — принятая одиночная генерация.
type GenerationResponse struct {
	TaskID           string `json:"task_id"`
	CreditsCost      int64  `json:"credits_cost"`
	RemainingCredits int64  `json:"remaining_credits"`
}

// --- Request types ---

// CreateRunRequest — запуск pipeline.
type CreateRunRequest struct {
	Text       string `json:"text"`
	Name       string `json:"name,omitempty"`
	ImageModel string `json:"image_model,omitempty"`
	VideoModel string `json:"video_model,omitempty"`
	LipSync    bool   `json:"lip_sync,omitempty"`
	ArtStyle   string `json:"art_style,omitempty"`
}

// GenerateImageRequest — одиночная генерация изображения.
type GenerateImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Model          string `json:"model,omitempty"`
	Ratio          string `json:"ratio,omitempty"`
}

// GenerateVideoRequest — одиночная генерация видео из изображения.
type GenerateVideoRequest struct {
	Prompt          string `json:"prompt"`
	SourceImageURL  string `json:"source_image_url"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Model           string `json:"model,omitempty"`
}

// DeductRequest — прямое списание.
type DeductRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Status string
	Limit  int
}

// ListAssetsOpts — параметры выборки assets.
type ListAssetsOpts struct {
	Type     string
	Page     int
	PageSize int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	if e.Code == "INSUFFICIENT_CREDITS" {
		return fmt.Sprintf("%s: %s (balance %v, requested %v)",
			e.Code, e.Message, e.Details["current"], e.Details["requested"])
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Mangaflow API.
type Client struct {
	baseURL    string
	accountID  string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. accountID передаётся в X-Account-ID.
func NewClient(baseURL, accountID string) *Client {
	return &Client{
		baseURL:   baseURL,
		accountID: accountID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AccountID возвращает счёт, от имени которого работает клиент.
func (c *Client) AccountID() string {
	return c.accountID
}

// --- Runs ---

// ListRuns возвращает runs счёта.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	_, err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun списывает оценку и запускает pipeline.
func (c *Client) CreateRun(req CreateRunRequest) (*CreateRunResponse, error) {
	var resp CreateRunResponse
	err := c.post("/api/v1/runs", req, &resp)
	return &resp, err
}

// Estimate рассчитывает стоимость без списания.
func (c *Client) Estimate(req CreateRunRequest) (*EstimateResponse, error) {
	var resp EstimateResponse
	err := c.post("/api/v1/estimate", req, &resp)
	return &resp, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun запрашивает отмену run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// ResumeRun продолжает partial run.
func (c *Client) ResumeRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/resume", nil, &run)
	return &run, err
}

// ListRunTasks возвращает tasks run.
func (c *Client) ListRunTasks(runID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	_, err := c.list("/api/v1/runs/"+runID+"/tasks", nil, &tasks)
	return tasks, err
}

// ListRunAssets возвращает результаты run.
func (c *Client) ListRunAssets(runID, assetType string) ([]AssetResponse, error) {
	params := url.Values{}
	if assetType != "" {
		params.Set("type", assetType)
	}

	var assets []AssetResponse
	_, err := c.list("/api/v1/runs/"+runID+"/assets", params, &assets)
	return assets, err
}

// --- Credits ---

// GetCredits возвращает баланс счёта.
func (c *Client) GetCredits(accountID string) (*CreditsResponse, error) {
	var resp CreditsResponse
	err := c.get("/api/v1/accounts/"+accountID+"/credits", &resp)
	return &resp, err
}

// ListTransactions возвращает журнал кредитов, новые первыми.
func (c *Client) ListTransactions(accountID string, limit int) ([]TransactionResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var txs []TransactionResponse
	_, err := c.list("/api/v1/accounts/"+accountID+"/transactions", params, &txs)
	return txs, err
}

// Deduct списывает кредиты со счёта клиента.
func (c *Client) Deduct(req DeductRequest) (*DeductResponse, error) {
	var resp DeductResponse
	err := c.post("/api/v1/credits/deduct", req, &resp)
	return &resp, err
}

// --- Generations ---

// GenerateImage запускает одиночную генерацию изображения.
func (c *Client) GenerateImage(req GenerateImageRequest) (*GenerationResponse, error) {
	var resp GenerationResponse
	err := c.post("/api/v1/generations/image", req, &resp)
	return &resp, err
}

// GenerateVideo запускает одиночную генерацию видео из изображения.
func (c *Client) GenerateVideo(req GenerateVideoRequest) (*GenerationResponse, error) {
	var resp GenerationResponse
	err := c.post("/api/v1/generations/video", req, &resp)
	return &resp, err
}

// GetTask возвращает generation task.
func (c *Client) GetTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get("/api/v1/tasks/"+id, &task)
	return &task, err
}

// ListAssets возвращает страницу assets и общее количество.
func (c *Client) ListAssets(opts ListAssetsOpts) ([]AssetResponse, int, error) {
	params := url.Values{}
	if opts.Type != "" {
		params.Set("type", opts.Type)
	}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(opts.PageSize))
	}

	var assets []AssetResponse
	total, err := c.list("/api/v1/assets", params, &assets)
	return assets, total, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) (int, error) {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return 0, err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return lr.Total, json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accountID != "" {
		req.Header.Set(HeaderAccountID, c.accountID)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{
		Status:  resp.StatusCode,
		Code:    er.Error.Code,
		Message: er.Error.Message,
		Details: er.Error.Details,
	}
}
