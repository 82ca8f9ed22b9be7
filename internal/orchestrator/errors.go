package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyActive — run уже выполняется в этом процессе.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrRunLeased — run выполняет другой оркестратор.
	ErrRunLeased = errors.New("run is leased by another orchestrator")

	// ErrLeaseLost — причина отмены контекста run, аренду которого
	// перехватил другой оркестратор или не удалось продлить.
	ErrLeaseLost = errors.New("run lease lost")

	// ErrRunNotResumable — run нельзя продолжить: он завершён
	// или у него не осталось незавершённых стадий.
	ErrRunNotResumable = errors.New("run is not resumable")

	// ErrRunCancelled — причина отмены контекста run по запросу пользователя.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrPersistence — не удалось сохранить состояние run или вернуть кредиты.
	ErrPersistence = errors.New("run state persistence failed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
