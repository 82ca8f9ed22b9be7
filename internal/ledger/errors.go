package ledger

import (
	"errors"
	"fmt"
)

// Ошибки ledger.
var (
	// ErrInsufficientCredits — баланса не хватает. Никаких изменений не сделано.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConcurrencyConflict — баланс изменился между чтением и записью.
	// Вызывающий должен повторить резервирование целиком.
	ErrConcurrencyConflict = errors.New("credit balance changed concurrently")

	// ErrAccountNotFound — счёт не найден.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount — сумма должна быть положительной.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientCreditsError несёт текущий баланс для ответа клиенту.
type InsufficientCreditsError struct {
	Current   int64
	Requested int64
}

// Error реализует интерфейс error.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, requested %d", e.Current, e.Requested)
}

// Is позволяет проверять errors.Is(err, ErrInsufficientCredits).
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// PersistenceError — запись состояния после списания не удалась.
// К моменту возврата кредиты уже возвращены (если RefundErr == nil).
type PersistenceError struct {
	Op        string
	Err       error
	RefundErr error
}

// Error реализует интерфейс error.
func (e *PersistenceError) Error() string {
	if e.RefundErr != nil {
		return fmt.Sprintf("persistence failed during %s: %v (refund failed: %v)", e.Op, e.Err, e.RefundErr)
	}
	return fmt.Sprintf("persistence failed during %s: %v (credits refunded)", e.Op, e.Err)
}

// Unwrap возвращает обе ошибки для errors.Is/As.
func (e *PersistenceError) Unwrap() []error {
	if e.RefundErr != nil {
		return []error{e.Err, e.RefundErr}
	}
	return []error{e.Err}
}

// IsRetryable возвращает true для ошибок, после которых имеет смысл
// повторить резервирование целиком.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
