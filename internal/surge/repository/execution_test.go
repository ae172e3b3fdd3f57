package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/surge/domain"
)

func TestCreateAndUpdateExecution(t *testing.T) {
	withExecutionRepository(func(r *RedisExecutionRepository) {
		execution := testExecution("exec-1", "def-1", domain.ExecutionQueued)
		require.NoError(t, r.CreateExecution(execution))

		execution.State = domain.ExecutionRunning
		require.NoError(t, r.UpdateExecution(execution))

		retrieved, err := r.GetExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionRunning, retrieved.State)
	})
}

func TestGetExecutionsForDefinition(t *testing.T) {
	withExecutionRepository(func(r *RedisExecutionRepository) {
		require.NoError(t, r.CreateExecution(testExecution("exec-1", "def-1", domain.ExecutionQueued)))
		require.NoError(t, r.CreateExecution(testExecution("exec-2", "def-1", domain.ExecutionCompleted)))
		require.NoError(t, r.CreateExecution(testExecution("exec-3", "def-2", domain.ExecutionQueued)))

		executions, err := r.GetExecutionsForDefinition("def-1")
		require.NoError(t, err)
		assert.Len(t, executions, 2)
	})
}

func TestGetNonTerminalExecutions(t *testing.T) {
	withExecutionRepository(func(r *RedisExecutionRepository) {
		require.NoError(t, r.CreateExecution(testExecution("exec-1", "def-1", domain.ExecutionQueued)))
		require.NoError(t, r.CreateExecution(testExecution("exec-2", "def-1", domain.ExecutionRunning)))
		require.NoError(t, r.CreateExecution(testExecution("exec-3", "def-2", domain.ExecutionFailed)))

		executions, err := r.GetNonTerminalExecutions()
		require.NoError(t, err)
		require.Len(t, executions, 2)
		for _, e := range executions {
			assert.False(t, e.State.IsTerminal())
		}
	})
}

func TestSaveAndGetSnapshot(t *testing.T) {
	withExecutionRepository(func(r *RedisExecutionRepository) {
		snapshot := &domain.MetricSnapshot{
			ExecutionID:   "exec-1",
			Timestamp:     time.Now().UTC().Truncate(time.Second),
			TotalRequests: 1200,
			TotalErrors:   12,
			ErrorRate:     0.01,
			P95Latency:    480 * time.Millisecond,
			Throughput:    40,
		}
		require.NoError(t, r.SaveSnapshot(snapshot))

		retrieved, err := r.GetSnapshot("exec-1")
		require.NoError(t, err)
		assert.Equal(t, snapshot, retrieved)
	})
}

func testExecution(id string, definitionID string, state domain.ExecutionState) *domain.TestExecution {
	return &domain.TestExecution{
		ID:           id,
		DefinitionID: definitionID,
		OrgID:        "org-1",
		State:        state,
		Timeline: domain.StageTimeline{
			Stages: []domain.Stage{{Name: "hold", DurationSeconds: 60, TargetConcurrency: 10}},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func withExecutionRepository(action func(r *RedisExecutionRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(NewRedisExecutionRepository(client))
}
