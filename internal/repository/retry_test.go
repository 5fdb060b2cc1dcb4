package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWithRetrySerializationFailureRetried(t *testing.T) {
	r := &PostgresRepository{}

	attempts := 0
	lastAttemptState := ""
	err := r.withRetry(context.Background(), func() error {
		attempts++
		// Состояние попытки строится заново при каждом вызове; наружу
		// уходит только результат последней.
		lastAttemptState = "fresh"
		if attempts == 1 {
			lastAttemptState = "stale"
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if lastAttemptState != "fresh" {
		t.Errorf("last attempt state = %q, want fresh", lastAttemptState)
	}
}

func TestWithRetryNonRetryableError(t *testing.T) {
	r := &PostgresRepository{}

	wantErr := errors.New("constraint violation")
	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetryContextCanceled(t *testing.T) {
	r := &PostgresRepository{}

	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
