package repository

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
)

const (
	definitionHashKey        = "Definition"
	definitionVersionsPrefix = "DefinitionVersions:"
)

type ErrDefinitionAlreadyExists struct {
	DefinitionID string
}

func (err *ErrDefinitionAlreadyExists) Error() string {
	return fmt.Sprintf("definition %s already exists", err.DefinitionID)
}

type DefinitionRepository interface {
	CreateDefinition(definition *domain.TestDefinition) error
	UpdateDefinition(definition *domain.TestDefinition) error
	GetDefinition(id string) (*domain.TestDefinition, error)
	GetAllDefinitions() ([]*domain.TestDefinition, error)
	GetDefinitionVersions(id string) ([]*domain.TestDefinition, error)
	DeleteDefinition(id string) error
}

type RedisDefinitionRepository struct {
	db redis.UniversalClient
}

func NewRedisDefinitionRepository(db redis.UniversalClient) *RedisDefinitionRepository {
	return &RedisDefinitionRepository{db: db}
}

func (r *RedisDefinitionRepository) CreateDefinition(definition *domain.TestDefinition) error {
	definition.Version = 1
	data, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.CreateDefinition] error marshalling definition: %s", err)
	}

	// HSetNX sets the field only if it doesn't already exist, so a
	// duplicate create is detected without a separate read.
	created, err := r.db.HSetNX(definitionHashKey, definition.ID, data).Result()
	if err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.CreateDefinition] error writing to database: %s", err)
	}
	if !created {
		return &ErrDefinitionAlreadyExists{DefinitionID: definition.ID}
	}

	return r.appendVersion(definition.ID, data)
}

// UpdateDefinition stores a new version of an existing definition. The
// previous versions remain in the version history untouched.
func (r *RedisDefinitionRepository) UpdateDefinition(definition *domain.TestDefinition) error {
	current, err := r.GetDefinition(definition.ID)
	if err != nil {
		return err
	}
	definition.Version = current.Version + 1

	data, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.UpdateDefinition] error marshalling definition: %s", err)
	}
	if err := r.db.HSet(definitionHashKey, definition.ID, data).Err(); err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.UpdateDefinition] error writing to database: %s", err)
	}
	return r.appendVersion(definition.ID, data)
}

func (r *RedisDefinitionRepository) GetDefinition(id string) (*domain.TestDefinition, error) {
	result, err := r.db.HGet(definitionHashKey, id).Result()
	if err == redis.Nil {
		return nil, &surgeerrors.ErrNotFound{Type: "definition", Value: id}
	} else if err != nil {
		return nil, fmt.Errorf("[RedisDefinitionRepository.GetDefinition] error reading from database: %s", err)
	}

	definition := &domain.TestDefinition{}
	if err := json.Unmarshal([]byte(result), definition); err != nil {
		return nil, fmt.Errorf("[RedisDefinitionRepository.GetDefinition] error unmarshalling definition: %s", err)
	}
	return definition, nil
}

func (r *RedisDefinitionRepository) GetAllDefinitions() ([]*domain.TestDefinition, error) {
	result, err := r.db.HGetAll(definitionHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisDefinitionRepository.GetAllDefinitions] error reading from database: %s", err)
	}

	definitions := make([]*domain.TestDefinition, 0, len(result))
	for _, v := range result {
		definition := &domain.TestDefinition{}
		if err := json.Unmarshal([]byte(v), definition); err != nil {
			return nil, fmt.Errorf("[RedisDefinitionRepository.GetAllDefinitions] error unmarshalling definition: %s", err)
		}
		definitions = append(definitions, definition)
	}
	return definitions, nil
}

func (r *RedisDefinitionRepository) GetDefinitionVersions(id string) ([]*domain.TestDefinition, error) {
	result, err := r.db.LRange(definitionVersionsPrefix+id, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisDefinitionRepository.GetDefinitionVersions] error reading from database: %s", err)
	}
	if len(result) == 0 {
		return nil, &surgeerrors.ErrNotFound{Type: "definition", Value: id}
	}

	versions := make([]*domain.TestDefinition, 0, len(result))
	for _, v := range result {
		definition := &domain.TestDefinition{}
		if err := json.Unmarshal([]byte(v), definition); err != nil {
			return nil, fmt.Errorf("[RedisDefinitionRepository.GetDefinitionVersions] error unmarshalling definition: %s", err)
		}
		versions = append(versions, definition)
	}
	return versions, nil
}

func (r *RedisDefinitionRepository) DeleteDefinition(id string) error {
	pipe := r.db.TxPipeline()
	pipe.HDel(definitionHashKey, id)
	pipe.Del(definitionVersionsPrefix + id)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.DeleteDefinition] error deleting definition: %s", err)
	}
	return nil
}

func (r *RedisDefinitionRepository) appendVersion(id string, data []byte) error {
	if err := r.db.RPush(definitionVersionsPrefix+id, data).Err(); err != nil {
		return fmt.Errorf("[RedisDefinitionRepository.appendVersion] error writing version history: %s", err)
	}
	return nil
}
