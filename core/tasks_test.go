package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunner(t *testing.T) {

	t.Run("submitted tasks run", func(t *testing.T) {
		runner := NewTaskRunner(discardLogger(), 4)
		defer runner.Close(context.Background())

		var ran atomic.Int32
		runner.Submit("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})

		require.Eventually(t, func() bool {
			return ran.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("a failed task does not stop the runner", func(t *testing.T) {
		runner := NewTaskRunner(discardLogger(), 4)
		defer runner.Close(context.Background())

		var ran atomic.Int32
		runner.Submit("fail", func(ctx context.Context) error {
			return errors.New("boom")
		})
		runner.Submit("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})

		require.Eventually(t, func() bool {
			return ran.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("close drains pending tasks", func(t *testing.T) {
		runner := NewTaskRunner(discardLogger(), 4)

		var ran atomic.Int32
		for i := 0; i < 4; i++ {
			runner.Submit("count", func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}
		runner.Close(context.Background())
		assert.Equal(t, int32(4), ran.Load())
	})

	t.Run("submit after close is dropped", func(t *testing.T) {
		runner := NewTaskRunner(discardLogger(), 4)
		runner.Close(context.Background())

		// must not panic
		runner.Submit("late", func(ctx context.Context) error {
			return nil
		})
	})
}
