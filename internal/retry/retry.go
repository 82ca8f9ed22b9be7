// Package retry содержит политику повторов и расчёт задержек.
//
// Используется ledger (повтор резервирования при конфликте),
// poller (интервал опроса провайдера) и provider (повтор submit
// при временных ошибках).
package retry

import (
	"context"
	"time"
)

// Backoff — стратегия роста задержки.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy — политика повторов.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      Backoff       `yaml:"backoff"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Delay вычисляет задержку перед попыткой attempt (начиная с 1).
//
//	fixed:       InitialDelay
//	exponential: InitialDelay * 2^(attempt-1), но не больше MaxDelay
func (p Policy) Delay(attempt int) time.Duration {
	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// fixed или неизвестная стратегия
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// Attempts возвращает количество попыток (минимум 1).
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do выполняет fn, повторяя её пока retryable(err) == true и попытки не исчерпаны.
// Возвращает последнюю ошибку fn или ctx.Err(), если контекст отменён во время ожидания.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == p.Attempts() || !retryable(lastErr) {
			break
		}

		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep ждёт d или отмену контекста.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
