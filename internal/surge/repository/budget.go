package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
)

const (
	reservedOrgPrefix = "RateBudget:Reserved:Org:"
	reservedGlobalKey = "RateBudget:Reserved:Global"
	observedOrgPrefix = "RateBudget:Observed:Org:"
	killSwitchKey     = "RateBudget:KillSwitch"

	// Reservations are retried on transaction conflict up to this many
	// times before the authorization attempt is failed.
	reserveMaxRetries = 20
)

// RateBudgetRepository owns the shared rate counters. Reservations are
// made with optimistic transactions so that concurrent authorization
// requests can never jointly overrun a cap.
type RateBudgetRepository interface {
	TryReserve(orgID string, requestedRPS float64, orgCap float64, globalCap float64) error
	Release(orgID string, reservedRPS float64) error
	GetReserved(orgID string) (float64, error)
	GetGlobalReserved() (float64, error)

	RecordObserved(orgID string, executionID string, observedRPS float64, window time.Duration) error
	GetObserved(orgID string) (map[string]float64, error)

	SetKillSwitch(active bool) error
	IsKillSwitchActive() (bool, error)
}

type RedisRateBudgetRepository struct {
	db redis.UniversalClient
}

func NewRedisRateBudgetRepository(db redis.UniversalClient) *RedisRateBudgetRepository {
	return &RedisRateBudgetRepository{db: db}
}

// TryReserve atomically adds requestedRPS to both the organisation and
// global reserved counters, or returns ErrQuotaExceeded without changing
// either. The two keys are watched so a concurrent reservation forces a
// retry rather than a lost update.
func (r *RedisRateBudgetRepository) TryReserve(orgID string, requestedRPS float64, orgCap float64, globalCap float64) error {
	orgKey := reservedOrgPrefix + orgID

	reserve := func(tx *redis.Tx) error {
		orgReserved, err := readFloat(tx.Get(orgKey))
		if err != nil {
			return err
		}
		globalReserved, err := readFloat(tx.Get(reservedGlobalKey))
		if err != nil {
			return err
		}

		if orgReserved+requestedRPS > orgCap {
			return &surgeerrors.ErrQuotaExceeded{
				OrgID:        orgID,
				RequestedRPS: requestedRPS,
				AvailableRPS: orgCap - orgReserved,
				Scope:        "organization",
			}
		}
		if globalReserved+requestedRPS > globalCap {
			return &surgeerrors.ErrQuotaExceeded{
				OrgID:        orgID,
				RequestedRPS: requestedRPS,
				AvailableRPS: globalCap - globalReserved,
				Scope:        "global",
			}
		}

		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.IncrByFloat(orgKey, requestedRPS)
			pipe.IncrByFloat(reservedGlobalKey, requestedRPS)
			return nil
		})
		return err
	}

	for i := 0; i < reserveMaxRetries; i++ {
		err := r.db.Watch(reserve, orgKey, reservedGlobalKey)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("[RedisRateBudgetRepository.TryReserve] too many conflicting reservations for organisation %s", orgID)
}

func (r *RedisRateBudgetRepository) Release(orgID string, reservedRPS float64) error {
	pipe := r.db.TxPipeline()
	pipe.IncrByFloat(reservedOrgPrefix+orgID, -reservedRPS)
	pipe.IncrByFloat(reservedGlobalKey, -reservedRPS)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisRateBudgetRepository.Release] error releasing budget: %s", err)
	}
	return nil
}

func (r *RedisRateBudgetRepository) GetReserved(orgID string) (float64, error) {
	return readFloat(r.db.Get(reservedOrgPrefix + orgID))
}

func (r *RedisRateBudgetRepository) GetGlobalReserved() (float64, error) {
	return readFloat(r.db.Get(reservedGlobalKey))
}

// RecordObserved stores the latest observed rate of one execution. The
// per-org observation hash expires with the budget window, so stale
// observations decay on their own.
func (r *RedisRateBudgetRepository) RecordObserved(orgID string, executionID string, observedRPS float64, window time.Duration) error {
	key := observedOrgPrefix + orgID
	pipe := r.db.TxPipeline()
	pipe.HSet(key, executionID, strconv.FormatFloat(observedRPS, 'f', -1, 64))
	pipe.Expire(key, window)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("[RedisRateBudgetRepository.RecordObserved] error recording consumption: %s", err)
	}
	return nil
}

func (r *RedisRateBudgetRepository) GetObserved(orgID string) (map[string]float64, error) {
	result, err := r.db.HGetAll(observedOrgPrefix + orgID).Result()
	if err != nil {
		return nil, fmt.Errorf("[RedisRateBudgetRepository.GetObserved] error reading from database: %s", err)
	}
	observed := make(map[string]float64, len(result))
	for executionID, v := range result {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("[RedisRateBudgetRepository.GetObserved] error parsing consumption: %s", err)
		}
		observed[executionID] = rps
	}
	return observed, nil
}

func (r *RedisRateBudgetRepository) SetKillSwitch(active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	if err := r.db.Set(killSwitchKey, value, 0).Err(); err != nil {
		return fmt.Errorf("[RedisRateBudgetRepository.SetKillSwitch] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisRateBudgetRepository) IsKillSwitchActive() (bool, error) {
	result, err := r.db.Get(killSwitchKey).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("[RedisRateBudgetRepository.IsKillSwitchActive] error reading from database: %s", err)
	}
	return result == "1", nil
}

func readFloat(cmd *redis.StringCmd) (float64, error) {
	result, err := cmd.Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result, 64)
}
