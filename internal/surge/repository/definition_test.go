package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
)

func TestCreateAndGetDefinition(t *testing.T) {
	withDefinitionRepository(func(r *RedisDefinitionRepository) {
		definition := testDefinition("def-1")
		require.NoError(t, r.CreateDefinition(definition))

		retrieved, err := r.GetDefinition("def-1")
		require.NoError(t, err)
		assert.Equal(t, definition.Name, retrieved.Name)
		assert.Equal(t, 1, retrieved.Version)
	})
}

func TestCreateDuplicateDefinitionFails(t *testing.T) {
	withDefinitionRepository(func(r *RedisDefinitionRepository) {
		require.NoError(t, r.CreateDefinition(testDefinition("def-1")))

		err := r.CreateDefinition(testDefinition("def-1"))
		var alreadyExists *ErrDefinitionAlreadyExists
		assert.ErrorAs(t, err, &alreadyExists)
	})
}

func TestUpdateDefinitionCreatesNewVersion(t *testing.T) {
	withDefinitionRepository(func(r *RedisDefinitionRepository) {
		definition := testDefinition("def-1")
		require.NoError(t, r.CreateDefinition(definition))

		definition.Name = "renamed"
		require.NoError(t, r.UpdateDefinition(definition))

		latest, err := r.GetDefinition("def-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", latest.Name)
		assert.Equal(t, 2, latest.Version)

		versions, err := r.GetDefinitionVersions("def-1")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].Version)
		assert.Equal(t, 2, versions[1].Version)
	})
}

func TestGetMissingDefinitionReturnsNotFound(t *testing.T) {
	withDefinitionRepository(func(r *RedisDefinitionRepository) {
		_, err := r.GetDefinition("missing")
		var notFound *surgeerrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestDeleteDefinitionRemovesHistory(t *testing.T) {
	withDefinitionRepository(func(r *RedisDefinitionRepository) {
		require.NoError(t, r.CreateDefinition(testDefinition("def-1")))
		require.NoError(t, r.DeleteDefinition("def-1"))

		_, err := r.GetDefinition("def-1")
		var notFound *surgeerrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)

		_, err = r.GetDefinitionVersions("def-1")
		assert.ErrorAs(t, err, &notFound)
	})
}

func testDefinition(id string) *domain.TestDefinition {
	return &domain.TestDefinition{
		ID:        id,
		Name:      "checkout smoke",
		TargetURL: "https://example.com/checkout",
		Method:    "GET",
		Profile: domain.LoadProfile{
			Type:            domain.ProfileSteadyState,
			ConcurrentUsers: 10,
			DurationSeconds: 60,
		},
		Limits: domain.Limits{
			MaxRPS:        100,
			MaxErrorRate:  0.05,
			MaxP95Latency: 500 * time.Millisecond,
		},
		OrgID:     "org-1",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func withDefinitionRepository(action func(r *RedisDefinitionRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(NewRedisDefinitionRepository(client))
}
