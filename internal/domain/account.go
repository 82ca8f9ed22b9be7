package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account — счёт пользователя с балансом кредитов.
//
// Баланс никогда не бывает отрицательным. Изменяется только через
// CreditLedger: условная запись по ранее прочитанному значению.
type Account struct {
	ID            uuid.UUID `json:"id"`
	CreditBalance int64     `json:"credit_balance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreditTransaction — запись append-only журнала кредитов.
//
// Сумма всех транзакций счёта всегда равна его балансу.
type CreditTransaction struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`

	// Amount — знаковая сумма: consume < 0, refund > 0.
	Amount int64           `json:"amount"`
	Kind   TransactionKind `json:"kind"`

	Description string `json:"description"`

	// RelatedTaskID — задача, за которую списаны кредиты.
	// Для refund — ключ идемпотентности: не больше одного refund на задачу.
	RelatedTaskID *uuid.UUID `json:"related_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
