package domain

// RunStatus — статус pipeline run.
//
// Жизненный цикл:
//
//	pending → processing → completed
//	                     ↘ failed
//	                     ↘ partial → processing (resume)
//	                     ↘ cancelled (кооперативная отмена)
type RunStatus string

const (
	// RunStatusPending — run создан, кредиты списаны, выполнение не началось.
	RunStatusPending RunStatus = "pending"

	// RunStatusProcessing — run выполняется (одна из стадий в работе).
	RunStatusProcessing RunStatus = "processing"

	// RunStatusPartial — run остановился с частичным результатом:
	// часть стадий ждёт внешнего условия или fan-out завершился с ошибками.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCompleted — все стадии завершены успешно.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed — run упал на стадии с политикой stop_on_failure.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный.
// partial не финальный: его можно возобновить.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что строка — известный статус run.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusPartial,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus — статус одной стадии run.
//
// Статус монотонный: pending → processing → {completed, completed_with_failures,
// failed, skipped, deferred}. Из deferred стадию можно вернуть в processing
// явным resume.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"

	// StageStatusCompletedWithFailures — fan-out: часть sub-jobs упала, часть успешна.
	StageStatusCompletedWithFailures StageStatus = "completed_with_failures"

	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"

	// StageStatusDeferred — стадия ждёт внешнего условия (например, ключа провайдера).
	StageStatusDeferred StageStatus = "deferred"
)

// IsDone возвращает true, если стадию не нужно выполнять повторно.
func (s StageStatus) IsDone() bool {
	switch s {
	case StageStatusCompleted, StageStatusCompletedWithFailures, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// Succeeded возвращает true, если стадия дала результат (полностью или частично).
func (s StageStatus) Succeeded() bool {
	return s == StageStatusCompleted || s == StageStatusCompletedWithFailures
}

// CanTransition проверяет допустимость перехода статуса стадии.
func (s StageStatus) CanTransition(to StageStatus) bool {
	switch s {
	case StageStatusPending:
		return to == StageStatusProcessing || to == StageStatusSkipped || to == StageStatusDeferred
	case StageStatusProcessing:
		return to != StageStatusPending && to != StageStatusProcessing
	case StageStatusDeferred:
		return to == StageStatusProcessing || to == StageStatusSkipped
	default:
		return false
	}
}

// SubJobStatus — статус одной единицы fan-out работы.
type SubJobStatus string

const (
	SubJobStatusPending    SubJobStatus = "pending"
	SubJobStatusProcessing SubJobStatus = "processing"
	SubJobStatusCompleted  SubJobStatus = "completed"
	SubJobStatusFailed     SubJobStatus = "failed"

	// SubJobStatusAbandoned — run отменён во время ожидания.
	// Удалённая задача при этом не считается отменённой.
	SubJobStatusAbandoned SubJobStatus = "abandoned"
)

// IsTerminal возвращает true, если sub-job больше не будет опрашиваться.
func (s SubJobStatus) IsTerminal() bool {
	switch s {
	case SubJobStatusCompleted, SubJobStatusFailed, SubJobStatusAbandoned:
		return true
	default:
		return false
	}
}

// ErrorKind — класс ошибки sub-job (влияет на retry-политику).
type ErrorKind string

const (
	ErrorKindProvider    ErrorKind = "provider"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindParse       ErrorKind = "parse"
	ErrorKindPersistence ErrorKind = "persistence"
	ErrorKindDependency  ErrorKind = "dependency"
)

// TaskStatus — статус generation task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TransactionKind — вид записи в журнале кредитов.
type TransactionKind string

const (
	TransactionReserve TransactionKind = "reserve"
	TransactionConsume TransactionKind = "consume"
	TransactionRefund  TransactionKind = "refund"

	// TransactionGrant — пополнение баланса (начальный баланс счёта).
	TransactionGrant TransactionKind = "grant"
)
