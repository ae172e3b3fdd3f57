// Package aggregator turns the raw sample streams emitted by engine
// adapters into rolling per-execution metric snapshots. Percentiles come
// from an HDR histogram, so memory stays flat however long a soak run
// produces samples.
package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/util"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/surge/domain"
)

// SnapshotPersister stores the final snapshot of an execution when it is
// sealed. Implemented by the execution repository.
type SnapshotPersister interface {
	SaveSnapshot(snapshot *domain.MetricSnapshot) error
}

type Aggregator struct {
	config    configuration.AggregationConfig
	clock     util.Clock
	persister SnapshotPersister
	breaches  chan domain.ThresholdBreach

	mu         sync.RWMutex
	executions map[string]*executionMetrics
}

// executionMetrics has a single writer (the dispatcher's stream consumer
// for that execution); readers only ever touch the atomically swapped
// snapshot pointer.
type executionMetrics struct {
	mu     sync.Mutex
	limits domain.Limits
	sealed bool

	hist          *hdrhistogram.Histogram
	totalRequests int64
	totalErrors   int64
	concurrency   int

	buckets []throughputBucket
	// breached tracks which limits are currently crossed, so breach
	// events fire on the crossing edge rather than on every snapshot.
	breached map[domain.BreachKind]bool

	snapshot    atomic.Pointer[domain.MetricSnapshot]
	subscribers map[string]chan *domain.MetricSnapshot
}

type throughputBucket struct {
	second   int64
	requests int64
}

func New(config configuration.AggregationConfig, persister SnapshotPersister) *Aggregator {
	return NewWithClock(config, persister, &util.DefaultClock{})
}

func NewWithClock(config configuration.AggregationConfig, persister SnapshotPersister, clock util.Clock) *Aggregator {
	return &Aggregator{
		config:     config,
		clock:      clock,
		persister:  persister,
		breaches:   make(chan domain.ThresholdBreach, 64),
		executions: make(map[string]*executionMetrics),
	}
}

// Register starts tracking an execution. Must be called before the first
// sample for that execution arrives.
func (a *Aggregator) Register(executionID string, limits domain.Limits) {
	em := &executionMetrics{
		limits: limits,
		hist: hdrhistogram.New(
			a.config.HistogramMinLatency.Microseconds(),
			a.config.HistogramMaxLatency.Microseconds(),
			a.config.HistogramSigFigs),
		breached:    make(map[domain.BreachKind]bool),
		subscribers: make(map[string]chan *domain.MetricSnapshot),
	}
	em.snapshot.Store(&domain.MetricSnapshot{ExecutionID: executionID, Timestamp: a.clock.Now()})

	a.mu.Lock()
	a.executions[executionID] = em
	a.mu.Unlock()
}

// Ingest consumes one sample, recomputes the snapshot incrementally and
// re-evaluates thresholds. Samples for unknown or sealed executions are
// dropped; once an execution is terminal no sample may move its metrics.
func (a *Aggregator) Ingest(sample *domain.MetricSample) {
	a.mu.RLock()
	em, ok := a.executions[sample.ExecutionID]
	a.mu.RUnlock()
	if !ok {
		log.WithField("executionId", sample.ExecutionID).Debug("dropping sample for unknown execution")
		return
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	if em.sealed {
		log.WithField("executionId", sample.ExecutionID).Debug("dropping sample for sealed execution")
		return
	}

	em.totalRequests += sample.RequestsDelta
	em.totalErrors += sample.ErrorsDelta
	em.concurrency = sample.Concurrency
	for _, latency := range sample.Latencies {
		if err := em.hist.RecordValue(clamp(latency.Microseconds(), em.hist.LowestTrackableValue(), em.hist.HighestTrackableValue())); err != nil {
			log.WithError(err).Debug("failed to record latency observation")
		}
	}
	em.recordThroughput(sample.Timestamp, sample.RequestsDelta, a.config.ThroughputWindow)

	snapshot := em.buildSnapshot(sample.ExecutionID, a.clock.Now(), a.config.ThroughputWindow)
	em.snapshot.Store(snapshot)
	em.publish(snapshot)

	for _, breach := range em.evaluateThresholds(snapshot) {
		a.raiseBreach(breach)
	}
}

// Snapshot returns the current snapshot of an active execution.
func (a *Aggregator) Snapshot(executionID string) (*domain.MetricSnapshot, bool) {
	a.mu.RLock()
	em, ok := a.executions[executionID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return em.snapshot.Load(), true
}

// Subscribe returns a channel of snapshot updates for one execution,
// starting from the current snapshot, and a cancel function. The channel
// is closed when the execution is sealed. Subscriptions are not
// restartable; a new subscription starts from the current snapshot, not
// from history.
func (a *Aggregator) Subscribe(executionID string) (<-chan *domain.MetricSnapshot, func(), bool) {
	a.mu.RLock()
	em, ok := a.executions[executionID]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	id := uuid.NewString()
	ch := make(chan *domain.MetricSnapshot, 16)

	em.mu.Lock()
	if em.sealed {
		em.mu.Unlock()
		return nil, nil, false
	}
	em.subscribers[id] = ch
	// The initial send happens under em.mu so a concurrent Seal cannot
	// close ch first; ch was just created with spare capacity, so the
	// send cannot block.
	ch <- em.snapshot.Load()
	em.mu.Unlock()

	cancel := func() {
		em.mu.Lock()
		if _, live := em.subscribers[id]; live {
			delete(em.subscribers, id)
			close(ch)
		}
		em.mu.Unlock()
	}
	return ch, cancel, true
}

// Seal finalizes an execution's metrics: the last snapshot is persisted
// for historical reporting, subscriber streams are ended and any sample
// arriving later is dropped.
func (a *Aggregator) Seal(executionID string) {
	a.mu.Lock()
	em, ok := a.executions[executionID]
	delete(a.executions, executionID)
	a.mu.Unlock()
	if !ok {
		return
	}

	em.mu.Lock()
	em.sealed = true
	for id, ch := range em.subscribers {
		delete(em.subscribers, id)
		close(ch)
	}
	snapshot := em.snapshot.Load()
	em.mu.Unlock()

	err := retry.Do(
		func() error { return a.persister.SaveSnapshot(snapshot) },
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		log.WithError(err).WithField("executionId", executionID).Error("failed to persist final snapshot")
	}
}

// Breaches is the stream of edge-triggered threshold breach events.
func (a *Aggregator) Breaches() <-chan domain.ThresholdBreach {
	return a.breaches
}

// ActiveExecutions reports how many executions are currently tracked.
func (a *Aggregator) ActiveExecutions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.executions)
}

// ActiveExecutionIDs lists the executions currently tracked, for the
// consumption poll loop.
func (a *Aggregator) ActiveExecutionIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.executions))
	for id := range a.executions {
		ids = append(ids, id)
	}
	return ids
}

func (a *Aggregator) raiseBreach(breach domain.ThresholdBreach) {
	select {
	case a.breaches <- breach:
	default:
		log.WithField("executionId", breach.ExecutionID).Warn("breach channel full, dropping event")
	}
}

func (em *executionMetrics) recordThroughput(at time.Time, requests int64, window time.Duration) {
	second := at.Unix()
	if n := len(em.buckets); n > 0 && em.buckets[n-1].second == second {
		em.buckets[n-1].requests += requests
	} else {
		em.buckets = append(em.buckets, throughputBucket{second: second, requests: requests})
	}

	cutoff := second - int64(window.Seconds())
	trim := 0
	for trim < len(em.buckets) && em.buckets[trim].second < cutoff {
		trim++
	}
	em.buckets = em.buckets[trim:]
}

func (em *executionMetrics) buildSnapshot(executionID string, now time.Time, window time.Duration) *domain.MetricSnapshot {
	var windowed int64
	for _, b := range em.buckets {
		windowed += b.requests
	}

	errorRate := 0.0
	if em.totalRequests > 0 {
		errorRate = float64(em.totalErrors) / float64(em.totalRequests)
	}

	return &domain.MetricSnapshot{
		ExecutionID:   executionID,
		Timestamp:     now,
		TotalRequests: em.totalRequests,
		TotalErrors:   em.totalErrors,
		ErrorRate:     errorRate,
		P50Latency:    time.Duration(em.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95Latency:    time.Duration(em.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99Latency:    time.Duration(em.hist.ValueAtQuantile(99)) * time.Microsecond,
		Throughput:    float64(windowed) / window.Seconds(),
		Concurrency:   em.concurrency,
	}
}

func (em *executionMetrics) publish(snapshot *domain.MetricSnapshot) {
	for id, ch := range em.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Slow consumer; skip this update rather than block the
			// ingest path.
			log.WithField("subscriber", id).Debug("telemetry subscriber lagging, skipping update")
		}
	}
}

func (em *executionMetrics) evaluateThresholds(snapshot *domain.MetricSnapshot) []domain.ThresholdBreach {
	var breaches []domain.ThresholdBreach

	check := func(kind domain.BreachKind, limit float64, observed float64) {
		if limit <= 0 {
			return
		}
		over := observed > limit
		if over && !em.breached[kind] {
			em.breached[kind] = true
			breaches = append(breaches, domain.ThresholdBreach{
				ExecutionID: snapshot.ExecutionID,
				Kind:        kind,
				Limit:       limit,
				Observed:    observed,
				Timestamp:   snapshot.Timestamp,
				Hard:        em.limits.HardThresholds,
			})
		} else if !over {
			em.breached[kind] = false
		}
	}

	check(domain.BreachP95Latency, em.limits.MaxP95Latency.Seconds(), snapshot.P95Latency.Seconds())
	check(domain.BreachErrorRate, em.limits.MaxErrorRate, snapshot.ErrorRate)
	return breaches
}

func clamp(v int64, lo int64, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
