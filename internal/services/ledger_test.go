package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourdesk/reservation-backend/internal/models"
)

func TestLedgerHold(t *testing.T) {
	ctx := context.Background()

	t.Run("claims capacity", func(t *testing.T) {
		env := newTestEnv(t)
		slot := env.seedSlot(5)

		token, err := env.ledger.Hold(ctx, slot.ID, 3, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, slot.ID, token.SlotID)
		assert.Equal(t, 3, token.Quantity)
		assert.Equal(t, 3, env.store.slot(slot.ID).HeldCapacity)
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		env := newTestEnv(t)
		slot := env.seedSlot(5)

		_, err := env.ledger.Hold(ctx, slot.ID, 0, uuid.New())
		assert.ErrorIs(t, err, models.ErrInvalidQuantity)
		_, err = env.ledger.Hold(ctx, slot.ID, -2, uuid.New())
		assert.ErrorIs(t, err, models.ErrInvalidQuantity)
	})

	t.Run("unknown slot", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.ledger.Hold(ctx, uuid.New(), 1, uuid.New())
		assert.ErrorIs(t, err, models.ErrSlotNotFound)
	})

	t.Run("closed slot", func(t *testing.T) {
		env := newTestEnv(t)
		slot := env.seedSlot(5)
		slot.Closed = true
		env.store.addSlot(slot)

		_, err := env.ledger.Hold(ctx, slot.ID, 1, uuid.New())
		assert.ErrorIs(t, err, models.ErrSlotClosed)
	})

	t.Run("insufficient capacity leaves counters untouched", func(t *testing.T) {
		env := newTestEnv(t)
		slot := env.seedSlot(2)

		_, err := env.ledger.Hold(ctx, slot.ID, 2, uuid.New())
		require.NoError(t, err)

		_, err = env.ledger.Hold(ctx, slot.ID, 1, uuid.New())
		assert.ErrorIs(t, err, models.ErrInsufficientCapacity)
		assert.Equal(t, 2, env.store.slot(slot.ID).HeldCapacity)
	})
}

func TestLedgerConfirmAndRelease(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(4)

	kept, err := env.ledger.Hold(ctx, slot.ID, 3, uuid.New())
	require.NoError(t, err)
	dropped, err := env.ledger.Hold(ctx, slot.ID, 1, uuid.New())
	require.NoError(t, err)

	require.NoError(t, env.ledger.Confirm(ctx, kept.ID))
	require.NoError(t, env.ledger.Confirm(ctx, kept.ID), "confirming twice is a no-op")

	require.NoError(t, env.ledger.Release(ctx, dropped.ID))
	require.NoError(t, env.ledger.Release(ctx, dropped.ID), "releasing twice is a no-op")
	require.NoError(t, env.ledger.Release(ctx, kept.ID), "releasing a confirmed hold changes nothing")

	assert.ErrorIs(t, env.ledger.Confirm(ctx, dropped.ID), models.ErrTokenExpired)
	assert.ErrorIs(t, env.ledger.Confirm(ctx, uuid.New()), models.ErrTokenExpired)

	s := env.store.slot(slot.ID)
	assert.Equal(t, 0, s.HeldCapacity)
	assert.Equal(t, 3, s.BookedCapacity)
}

func TestLedgerHold_ConcurrentNeverOverbooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Hold(ctx, slot.ID, 1, uuid.New())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, models.ErrInsufficientCapacity) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 40, rejected)

	s := env.store.slot(slot.ID)
	assert.Equal(t, 10, s.HeldCapacity)
	assert.Equal(t, s.HeldCapacity, env.store.holdsFor(slot.ID, models.HoldStatusHeld))
}
