package repository

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

const auditStreamKey = "Audit"

// AuditEvent is the durable record of a lifecycle transition or an
// authorization denial. None of the orchestrator's errors are silently
// swallowed; each is attributed here to the execution it concerns.
type AuditEvent struct {
	Type        string
	ExecutionID string
	OrgID       string
	Principal   string
	Message     string
	Time        time.Time
}

type AuditRepository interface {
	AppendAuditEvent(event *AuditEvent) error
	GetAuditEventCount() (int64, error)
}

// RedisAuditRepository appends audit events to a capped Redis stream.
type RedisAuditRepository struct {
	db        redis.UniversalClient
	maxLength int64
}

func NewRedisAuditRepository(db redis.UniversalClient, maxLength int64) *RedisAuditRepository {
	return &RedisAuditRepository{db: db, maxLength: maxLength}
}

func (r *RedisAuditRepository) AppendAuditEvent(event *AuditEvent) error {
	err := r.db.XAdd(&redis.XAddArgs{
		Stream:       auditStreamKey,
		MaxLenApprox: r.maxLength,
		Values: map[string]interface{}{
			"type":        event.Type,
			"executionId": event.ExecutionID,
			"orgId":       event.OrgID,
			"principal":   event.Principal,
			"message":     event.Message,
			"time":        event.Time.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("[RedisAuditRepository.AppendAuditEvent] error writing to database: %s", err)
	}
	return nil
}

func (r *RedisAuditRepository) GetAuditEventCount() (int64, error) {
	count, err := r.db.XLen(auditStreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("[RedisAuditRepository.GetAuditEventCount] error reading from database: %s", err)
	}
	return count, nil
}
