package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xKoRx/guard/sdk/domain"
)

// retryPolicy parámetros de reintento con backoff exponencial acotado.
type retryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 50 * time.Millisecond
	}
	bo.MaxInterval = p.MaxDelay
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = 2 * time.Second
	}
	bo.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// withPersistRetry ejecuta fn reintentando errores transitorios del store.
//
// onRetry se invoca antes de cada espera (attempt empieza en 1).
func withPersistRetry(ctx context.Context, policy retryPolicy, fn func(context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableStoreError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	if err := backoff.RetryNotify(op, policy.backOff(ctx), notify); err != nil {
		return fmt.Errorf("persist failed after %d attempts: %w", attempt, err)
	}
	return nil
}

func isRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := domain.CodeOf(err)
	return code == domain.ErrUnknown || domain.IsRetryable(code)
}
