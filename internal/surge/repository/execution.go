package repository

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
)

const (
	executionHashKey         = "Execution"
	definitionExecutionsKey  = "DefinitionExecutions:"
	executionSnapshotHashKey = "ExecutionSnapshot"
)

type ExecutionRepository interface {
	CreateExecution(execution *domain.TestExecution) error
	UpdateExecution(execution *domain.TestExecution) error
	GetExecution(id string) (*domain.TestExecution, error)
	GetExecutionsForDefinition(definitionID string) ([]*domain.TestExecution, error)
	GetNonTerminalExecutions() ([]*domain.TestExecution, error)
	SaveSnapshot(snapshot *domain.MetricSnapshot) error
	GetSnapshot(executionID string) (*domain.MetricSnapshot, error)
}

type RedisExecutionRepository struct {
	db redis.UniversalClient
}

func NewRedisExecutionRepository(db redis.UniversalClient) *RedisExecutionRepository {
	return &RedisExecutionRepository{db: db}
}

func (r *RedisExecutionRepository) CreateExecution(execution *domain.TestExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("[RedisExecutionRepository.CreateExecution] error marshalling execution: %s", err)
	}

	pipe := r.db.TxPipeline()
	pipe.HSet(executionHashKey, execution.ID, data)
	pipe.SAdd(definitionExecutionsKey+execution.DefinitionID, execution.ID)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisExecutionRepository.CreateExecution] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisExecutionRepository) UpdateExecution(execution *domain.TestExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("[RedisExecutionRepository.UpdateExecution] error marshalling execution: %s", err)
	}
	if err := r.db.HSet(executionHashKey, execution.ID, data).Err(); err != nil {
		return fmt.Errorf("[RedisExecutionRepository.UpdateExecution] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisExecutionRepository) GetExecution(id string) (*domain.TestExecution, error) {
	result, err := r.db.HGet(executionHashKey, id).Result()
	if err == redis.Nil {
		return nil, &surgeerrors.ErrNotFound{Type: "execution", Value: id}
	} else if err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetExecution] error reading from database: %s", err)
	}

	execution := &domain.TestExecution{}
	if err := json.Unmarshal([]byte(result), execution); err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetExecution] error unmarshalling execution: %s", err)
	}
	return execution, nil
}

func (r *RedisExecutionRepository) GetExecutionsForDefinition(definitionID string) ([]*domain.TestExecution, error) {
	ids, err := r.db.SMembers(definitionExecutionsKey + definitionID).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetExecutionsForDefinition] error reading from database: %s", err)
	}
	if len(ids) == 0 {
		return []*domain.TestExecution{}, nil
	}

	fields := make([]string, len(ids))
	copy(fields, ids)
	values, err := r.db.HMGet(executionHashKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetExecutionsForDefinition] error reading from database: %s", err)
	}

	executions := make([]*domain.TestExecution, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // id in the index but execution already archived
		}
		execution := &domain.TestExecution{}
		if err := json.Unmarshal([]byte(s), execution); err != nil {
			return nil, fmt.Errorf("[RedisExecutionRepository.GetExecutionsForDefinition] error unmarshalling execution: %s", err)
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

// GetNonTerminalExecutions returns every execution still in a queued or
// running state. Used by crash recovery and by the lifecycle manager's
// duplicate-run check.
func (r *RedisExecutionRepository) GetNonTerminalExecutions() ([]*domain.TestExecution, error) {
	result, err := r.db.HGetAll(executionHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetNonTerminalExecutions] error reading from database: %s", err)
	}

	executions := make([]*domain.TestExecution, 0)
	for _, v := range result {
		execution := &domain.TestExecution{}
		if err := json.Unmarshal([]byte(v), execution); err != nil {
			return nil, fmt.Errorf("[RedisExecutionRepository.GetNonTerminalExecutions] error unmarshalling execution: %s", err)
		}
		if !execution.State.IsTerminal() {
			executions = append(executions, execution)
		}
	}
	return executions, nil
}

func (r *RedisExecutionRepository) SaveSnapshot(snapshot *domain.MetricSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("[RedisExecutionRepository.SaveSnapshot] error marshalling snapshot: %s", err)
	}
	if err := r.db.HSet(executionSnapshotHashKey, snapshot.ExecutionID, data).Err(); err != nil {
		return fmt.Errorf("[RedisExecutionRepository.SaveSnapshot] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisExecutionRepository) GetSnapshot(executionID string) (*domain.MetricSnapshot, error) {
	result, err := r.db.HGet(executionSnapshotHashKey, executionID).Result()
	if err == redis.Nil {
		return nil, &surgeerrors.ErrNotFound{Type: "snapshot", Value: executionID}
	} else if err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetSnapshot] error reading from database: %s", err)
	}

	snapshot := &domain.MetricSnapshot{}
	if err := json.Unmarshal([]byte(result), snapshot); err != nil {
		return nil, fmt.Errorf("[RedisExecutionRepository.GetSnapshot] error unmarshalling snapshot: %s", err)
	}
	return snapshot, nil
}
