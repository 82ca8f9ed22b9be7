// Package memstore — хранилище в памяти с той же семантикой, что и repo
// на Postgres. Используется в тестах и в локальном режиме без БД.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/repo"
)

// Store хранит счета, журнал, runs, tasks и assets.
//
// Run'ы хранятся сериализованными: каждый GetByID возвращает независимую
// копию, как при чтении из БД.
type Store struct {
	mu sync.Mutex

	accounts map[uuid.UUID]domain.Account
	txs      []domain.CreditTransaction
	runs     map[uuid.UUID]storedRun
	leases   map[uuid.UUID]runLease
	tasks    map[uuid.UUID]domain.GenerationTask
	assets   []domain.Asset

	// clockOffset сдвигает часы аренд (Advance).
	clockOffset time.Duration

	// BeforeDebit вызывается перед условной записью баланса (без блокировки).
	// Тесты используют его, чтобы вклиниться между чтением и записью.
	BeforeDebit func(accountID uuid.UUID)

	// TaskCreateErr, если задан, возвращается из CreateTask.
	TaskCreateErr error

	// RunCreateErr, если задан, возвращается из CreateRun.
	RunCreateErr error

	// AssetCreateErr, если задан, возвращается из CreateAsset.
	AssetCreateErr error

	// RunUpdates считает вызовы UpdateRun.
	RunUpdates int
}

type runLease struct {
	owner string
	until time.Time
}

type storedRun struct {
	data            []byte
	inputText       string
	cancelRequested bool
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]domain.Account),
		runs:     make(map[uuid.UUID]storedRun),
		leases:   make(map[uuid.UUID]runLease),
		tasks:    make(map[uuid.UUID]domain.GenerationTask),
	}
}

// Advance сдвигает часы, по которым истекают аренды runs.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockOffset += d
}

func (s *Store) now() time.Time {
	return time.Now().Add(s.clockOffset)
}

// Accounts возвращает представление Store для ledger.Store.
func (s *Store) Accounts() *Accounts { return &Accounts{s} }

// Runs возвращает представление Store для хранения runs.
func (s *Store) Runs() *Runs { return &Runs{s} }

// Tasks возвращает представление Store для generation tasks.
func (s *Store) Tasks() *Tasks { return &Tasks{s} }

// Assets возвращает представление Store для assets.
func (s *Store) Assets() *Assets { return &Assets{s} }

// --- Accounts ---

// Accounts реализует операции AccountRepo.
type Accounts struct{ s *Store }

// Create создаёт счёт и пишет начальный баланс в журнал.
func (a *Accounts) Create(_ context.Context, account *domain.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.accounts[account.ID] = *account
	if account.CreditBalance > 0 {
		s.txs = append(s.txs, domain.CreditTransaction{
			ID:          uuid.New(),
			AccountID:   account.ID,
			Amount:      account.CreditBalance,
			Kind:        domain.TransactionGrant,
			Description: "initial balance",
			CreatedAt:   time.Now(),
		})
	}
	return nil
}

// GetAccount возвращает счёт.
func (a *Accounts) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &acc, nil
}

// ListAccountIDs возвращает ID всех счетов.
func (a *Accounts) ListAccountIDs(_ context.Context) ([]uuid.UUID, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// DebitIfUnchanged — compare-and-set баланса плюс запись в журнал.
func (a *Accounts) DebitIfUnchanged(_ context.Context, expected int64, tx *domain.CreditTransaction) error {
	s := a.s
	if s.BeforeDebit != nil {
		s.BeforeDebit(tx.AccountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[tx.AccountID]
	if !ok {
		return repo.ErrNotFound
	}
	if acc.CreditBalance != expected {
		return repo.ErrConflict
	}
	acc.CreditBalance += tx.Amount
	acc.UpdatedAt = time.Now()
	s.accounts[acc.ID] = acc
	s.txs = append(s.txs, *tx)
	return nil
}

// ApplyRefund добавляет refund, если его ещё нет для этой задачи.
func (a *Accounts) ApplyRefund(_ context.Context, tx *domain.CreditTransaction) (bool, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[tx.AccountID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if tx.RelatedTaskID != nil {
		for _, t := range s.txs {
			if t.Kind == domain.TransactionRefund && t.RelatedTaskID != nil && *t.RelatedTaskID == *tx.RelatedTaskID {
				return false, nil
			}
		}
	}
	acc.CreditBalance += tx.Amount
	acc.UpdatedAt = time.Now()
	s.accounts[acc.ID] = acc
	s.txs = append(s.txs, *tx)
	return true, nil
}

// ListTransactions возвращает транзакции счёта, новые первыми.
func (a *Accounts) ListTransactions(_ context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CreditTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].AccountID != accountID {
			continue
		}
		out = append(out, s.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// BalanceAndSum читает баланс и сумму транзакций под одной блокировкой.
func (a *Accounts) BalanceAndSum(_ context.Context, accountID uuid.UUID) (int64, int64, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return 0, 0, repo.ErrNotFound
	}

	var sum int64
	for _, t := range s.txs {
		if t.AccountID == accountID {
			sum += t.Amount
		}
	}
	return account.CreditBalance, sum, nil
}

// SetBalance меняет баланс в обход журнала. Только для тестов сверки.
func (a *Accounts) SetBalance(id uuid.UUID, balance int64) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accounts[id]
	acc.CreditBalance = balance
	s.accounts[id] = acc
}

// --- Runs ---

// Runs реализует операции RunRepo.
type Runs struct{ s *Store }

// Create сохраняет run.
func (r *Runs) Create(_ context.Context, run *domain.PipelineRun) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RunCreateErr != nil {
		return s.RunCreateErr
	}
	if _, ok := s.runs[run.ID]; ok {
		return repo.ErrAlreadyExists
	}
	stored, err := encodeRun(run)
	if err != nil {
		return err
	}
	stored.cancelRequested = run.CancelRequested
	s.runs[run.ID] = stored
	return nil
}

// GetByID возвращает копию run.
func (r *Runs) GetByID(_ context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return decodeRun(stored)
}

// List возвращает runs по фильтру, новые первыми.
func (r *Runs) List(_ context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PipelineRun
	for _, stored := range s.runs {
		run, err := decodeRun(stored)
		if err != nil {
			return nil, err
		}
		if filter.AccountID != nil && run.AccountID != *filter.AccountID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

// Update сохраняет состояние run. Флаг отмены не перезаписывается.
func (r *Runs) Update(_ context.Context, run *domain.PipelineRun) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	stored, err := encodeRun(run)
	if err != nil {
		return err
	}
	stored.cancelRequested = prev.cancelRequested
	s.runs[run.ID] = stored
	s.RunUpdates++
	return nil
}

// ListResumable возвращает runs в pending/processing без действующей аренды.
func (r *Runs) ListResumable(_ context.Context, limit int) ([]domain.PipelineRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []domain.PipelineRun
	for id, stored := range s.runs {
		if lease, ok := s.leases[id]; ok && lease.until.After(now) {
			continue
		}
		run, err := decodeRun(stored)
		if err != nil {
			return nil, err
		}
		if run.Status == domain.RunStatusPending || run.Status == domain.RunStatusProcessing {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// Claim берёт аренду run, если она свободна, истекла или уже принадлежит owner.
func (r *Runs) Claim(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) (*domain.PipelineRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	now := s.now()
	if lease, ok := s.leases[id]; ok && lease.owner != owner && !lease.until.Before(now) {
		return nil, repo.ErrLeaseHeld
	}
	s.leases[id] = runLease{owner: owner, until: now.Add(ttl)}

	run, err := decodeRun(stored)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RenewLease продлевает аренду owner.
func (r *Runs) RenewLease(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[id]
	if !ok || lease.owner != owner {
		return repo.ErrLeaseHeld
	}
	lease.until = s.now().Add(ttl)
	s.leases[id] = lease
	return nil
}

// ReleaseLease снимает аренду owner.
func (r *Runs) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[id]; ok && lease.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

// LeaseOwner возвращает владельца действующей аренды run.
func (r *Runs) LeaseOwner(id uuid.UUID) (string, bool) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[id]
	if !ok || lease.until.Before(s.now()) {
		return "", false
	}
	return lease.owner, true
}

// RequestCancel выставляет флаг отмены незавершённого run.
func (r *Runs) RequestCancel(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run, err := decodeRun(stored)
	if err != nil {
		return err
	}
	if run.IsFinished() {
		return repo.ErrInvalidState
	}
	stored.cancelRequested = true
	s.runs[id] = stored
	return nil
}

// IsCancelRequested читает флаг отмены.
func (r *Runs) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	return stored.cancelRequested, nil
}

func encodeRun(run *domain.PipelineRun) (storedRun, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return storedRun{}, err
	}
	return storedRun{data: data, inputText: run.InputText}, nil
}

func decodeRun(stored storedRun) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := json.Unmarshal(stored.data, &run); err != nil {
		return nil, err
	}
	run.InputText = stored.inputText
	run.CancelRequested = stored.cancelRequested
	return &run, nil
}

// --- Tasks ---

// Tasks реализует операции TaskRepo.
type Tasks struct{ s *Store }

// Create сохраняет task.
func (t *Tasks) Create(_ context.Context, task *domain.GenerationTask) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.TaskCreateErr != nil {
		return s.TaskCreateErr
	}
	if _, ok := s.tasks[task.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.tasks[task.ID] = *task
	return nil
}

// GetByID возвращает task.
func (t *Tasks) GetByID(_ context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &task, nil
}

// ListByRunID возвращает tasks run в порядке создания.
func (t *Tasks) ListByRunID(_ context.Context, runID uuid.UUID) ([]domain.GenerationTask, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.GenerationTask
	for _, task := range s.tasks {
		if task.RunID != nil && *task.RunID == runID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update обновляет task, сохраняя исходную стоимость.
func (t *Tasks) Update(_ context.Context, task *domain.GenerationTask) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[task.ID]
	if !ok {
		return repo.ErrNotFound
	}
	updated := *task
	updated.CreditsCost = prev.CreditsCost
	s.tasks[task.ID] = updated
	return nil
}

// FailStale переводит зависшие pending и processing tasks в failed.
func (t *Tasks) FailStale(_ context.Context, olderThan time.Duration, reason string) ([]domain.GenerationTask, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var failed []domain.GenerationTask
	for id, task := range s.tasks {
		if task.Status.IsTerminal() || task.Type == domain.TaskTypePipeline {
			continue
		}
		if task.UpdatedAt.Before(cutoff) {
			task.MarkFailed(reason)
			s.tasks[id] = task
			failed = append(failed, task)
		}
	}
	return failed, nil
}

// --- Assets ---

// Assets реализует операции AssetRepo.
type Assets struct{ s *Store }

// Create сохраняет asset.
func (a *Assets) Create(_ context.Context, asset *domain.Asset) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AssetCreateErr != nil {
		return s.AssetCreateErr
	}
	s.assets = append(s.assets, *asset)
	return nil
}

// List возвращает страницу assets и общее количество.
func (a *Assets) List(_ context.Context, filter repo.AssetFilter) ([]domain.Asset, int, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Asset
	for i := len(s.assets) - 1; i >= 0; i-- {
		asset := s.assets[i]
		if asset.AccountID != filter.AccountID {
			continue
		}
		if filter.RunID != nil && (asset.RunID == nil || *asset.RunID != *filter.RunID) {
			continue
		}
		if filter.Type != "" && asset.Type != filter.Type {
			continue
		}
		out = append(out, asset)
	}
	return page(out, filter.Limit, filter.Offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
