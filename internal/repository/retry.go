package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/observability"
)

// RetryPolicy bounds how long a ledger call keeps retrying a busy partition.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a ledger is created with a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 25 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// run executes op, retrying transient store failures with exponential backoff.
// Every other failure is returned on first occurrence.
func (p RetryPolicy) run(ctx context.Context, op func() error) error {
	policy := p.normalised()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := classify(op())
		if err == nil {
			return nil
		}
		if apperror.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(error, time.Duration) {
		observability.StoreRetries().Inc()
	})
}

// classify maps driver errors onto the application taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperror.ErrNotFound),
		errors.Is(err, apperror.ErrAccessDenied),
		errors.Is(err, apperror.ErrInvalidArgument),
		errors.Is(err, apperror.ErrValidation),
		errors.Is(err, apperror.ErrTransientStore):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperror.NotFound("record")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	if isBusy(err) {
		return apperror.Transient(err)
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "sql: database is closed")
}
