package database

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewStore(sqlx.NewDb(db, "postgres"), logger), mock
}

func TestWithinTx(t *testing.T) {
	t.Run("Commits On Success", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE availability_slots`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			ok, err := store.Slots().IncrementHeld(ctx, uuid.New(), 2)
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rolls Back On Error", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			return fmt.Errorf("boom")
		})
		assert.EqualError(t, err, "boom")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nested Calls Join The Outer Transaction", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			return store.WithinTx(ctx, func(ctx context.Context) error {
				calls++
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Begin Failure", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin().WillReturnError(fmt.Errorf("connection refused"))

		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestUniqueViolation(t *testing.T) {
	constraint, ok := uniqueViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505", Constraint: "payment_attempts_one_open"}))
	assert.True(t, ok)
	assert.Equal(t, "payment_attempts_one_open", constraint)

	_, ok = uniqueViolation(&pq.Error{Code: "23503"})
	assert.False(t, ok)

	_, ok = uniqueViolation(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestAfterCommit(t *testing.T) {
	t.Run("Runs After Outermost Commit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectCommit()

		var calls []string
		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			return store.WithinTx(ctx, func(ctx context.Context) error {
				store.AfterCommit(ctx, func() { calls = append(calls, "hook") })
				calls = append(calls, "body")
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"body", "hook"}, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Skipped On Rollback", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		ran := false
		err := store.WithinTx(context.Background(), func(ctx context.Context) error {
			store.AfterCommit(ctx, func() { ran = true })
			return fmt.Errorf("boom")
		})
		assert.Error(t, err)
		assert.False(t, ran)
	})

	t.Run("Runs Immediately Outside Transaction", func(t *testing.T) {
		store, _ := newMockStore(t)
		ran := false
		store.AfterCommit(context.Background(), func() { ran = true })
		assert.True(t, ran)
	})
}
