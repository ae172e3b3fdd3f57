package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
)

func TestReserveWithinCap(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		require.NoError(t, r.TryReserve("org-1", 60, 100, 1000))

		reserved, err := r.GetReserved("org-1")
		require.NoError(t, err)
		assert.Equal(t, 60.0, reserved)

		globalReserved, err := r.GetGlobalReserved()
		require.NoError(t, err)
		assert.Equal(t, 60.0, globalReserved)
	})
}

func TestReserveBeyondOrgCapIsDenied(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		require.NoError(t, r.TryReserve("org-1", 60, 100, 1000))

		err := r.TryReserve("org-1", 60, 100, 1000)
		var quota *surgeerrors.ErrQuotaExceeded
		require.ErrorAs(t, err, &quota)
		assert.Equal(t, "organization", quota.Scope)

		// The denied request must not have consumed any budget.
		reserved, err := r.GetReserved("org-1")
		require.NoError(t, err)
		assert.Equal(t, 60.0, reserved)
	})
}

func TestReserveBeyondGlobalCapIsDenied(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		require.NoError(t, r.TryReserve("org-1", 60, 100, 100))

		err := r.TryReserve("org-2", 60, 100, 100)
		var quota *surgeerrors.ErrQuotaExceeded
		require.ErrorAs(t, err, &quota)
		assert.Equal(t, "global", quota.Scope)
	})
}

// Concurrent reservations for one organisation must never jointly exceed
// the cap, whatever the interleaving.
func TestConcurrentReservationsNeverOverrun(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		const workers = 10
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = r.TryReserve("org-1", 30, 100, 1000)
			}()
		}
		wg.Wait()

		reserved, err := r.GetReserved("org-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, reserved, 100.0)
	})
}

func TestReleaseReturnsBudget(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		require.NoError(t, r.TryReserve("org-1", 80, 100, 1000))
		require.NoError(t, r.Release("org-1", 80))

		require.NoError(t, r.TryReserve("org-1", 80, 100, 1000))
	})
}

func TestRecordAndGetObserved(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		require.NoError(t, r.RecordObserved("org-1", "exec-1", 42.5, time.Minute))
		require.NoError(t, r.RecordObserved("org-1", "exec-2", 17.5, time.Minute))

		observed, err := r.GetObserved("org-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"exec-1": 42.5, "exec-2": 17.5}, observed)
	})
}

func TestKillSwitch(t *testing.T) {
	withBudgetRepository(func(r *RedisRateBudgetRepository) {
		active, err := r.IsKillSwitchActive()
		require.NoError(t, err)
		assert.False(t, active)

		require.NoError(t, r.SetKillSwitch(true))
		active, err = r.IsKillSwitchActive()
		require.NoError(t, err)
		assert.True(t, active)

		require.NoError(t, r.SetKillSwitch(false))
		active, err = r.IsKillSwitchActive()
		require.NoError(t, err)
		assert.False(t, active)
	})
}

func withBudgetRepository(action func(r *RedisRateBudgetRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(NewRedisRateBudgetRepository(client))
}
