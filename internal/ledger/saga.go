package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Charge — списание, за которым следует зависимая запись.
type Charge struct {
	AccountID   uuid.UUID
	Amount      int64
	Description string

	// TaskID — задача, к которой привязаны consume и возможный refund.
	TaskID uuid.UUID

	// Op — название шага после списания (для ошибки).
	Op string
}

// ChargeThen списывает кредиты и выполняет fn. Конфликт при списании
// повторяется по политике ConflictRetry. Если fn вернула ошибку, кредиты
// возвращаются до того, как ошибка уйдёт вызывающему.
//
// Это компенсация между независимыми хранилищами (ledger и task store),
// а не одна транзакция: refund идемпотентен по TaskID, поэтому повторная
// компенсация безопасна.
func (l *Ledger) ChargeThen(ctx context.Context, c Charge, fn func(ctx context.Context) error) (int64, error) {
	taskID := c.TaskID
	remaining, err := l.ReserveWithRetry(ctx, c.AccountID, c.Amount, c.Description, &taskID)
	if err != nil {
		return 0, err
	}

	if err := fn(ctx); err != nil {
		// Возврат не должен зависеть от отмены исходного запроса.
		refundCtx := context.WithoutCancel(ctx)

		_, refundErr := l.Refund(refundCtx, c.AccountID, c.Amount, c.TaskID, "compensation: "+c.Description)
		if refundErr != nil {
			l.logger.Error("compensating refund failed",
				"account_id", c.AccountID,
				"task_id", c.TaskID,
				"amount", c.Amount,
				"error", refundErr,
			)
		}

		op := c.Op
		if op == "" {
			op = "post-charge write"
		}
		return 0, &PersistenceError{Op: op, Err: err, RefundErr: refundErr}
	}

	return remaining, nil
}
