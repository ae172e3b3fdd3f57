package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/surgeproject/surge/internal/surge/domain"
)

// latencyReservoirSize bounds how many individual latency observations a
// flush window retains. Above it, observations are dropped rather than
// grow memory; the aggregator's percentiles remain statistically sound
// on the retained reservoir.
const latencyReservoirSize = 2048

// HighConcurrencyEngine trades per-request bookkeeping for scale: lock
// free counters and a bounded latency reservoir, for executions whose
// peak concurrency would make the default runner's mutex contention the
// bottleneck.
type HighConcurrencyEngine struct {
	client         *http.Client
	sampleInterval time.Duration
}

func NewHighConcurrencyEngine() *HighConcurrencyEngine {
	return &HighConcurrencyEngine{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4096,
				MaxIdleConnsPerHost: 4096,
				MaxConnsPerHost:     0,
			},
		},
		sampleInterval: defaultSampleInterval,
	}
}

func (e *HighConcurrencyEngine) Type() domain.EngineType {
	return domain.EngineHighConcurrency
}

func (e *HighConcurrencyEngine) Run(ctx context.Context, spec *Spec, samples chan<- *domain.MetricSample) error {
	counters := &atomicCounters{
		latencies: make([]int64, latencyReservoirSize),
	}

	flushCtx, stopFlushing := context.WithCancel(context.Background())
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		ticker := time.NewTicker(e.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				samples <- counters.flush(spec.ExecutionID)
			case <-flushCtx.Done():
				return
			}
		}
	}()

	var runErr error
	for _, stage := range spec.Timeline.Stages {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		counters.concurrency.Store(int64(stage.TargetConcurrency))
		e.runStage(ctx, spec, stage, counters)
	}

	stopFlushing()
	flushWG.Wait()
	samples <- counters.flush(spec.ExecutionID)

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func (e *HighConcurrencyEngine) runStage(ctx context.Context, spec *Spec, stage domain.Stage, counters *atomicCounters) {
	stageCtx, cancel := context.WithTimeout(ctx, time.Duration(stage.DurationSeconds)*time.Second)
	defer cancel()

	if stage.TargetConcurrency == 0 {
		<-stageCtx.Done()
		return
	}

	var pace time.Duration
	if spec.MaxRPS > 0 {
		pace = time.Duration(float64(time.Second) * float64(stage.TargetConcurrency) / spec.MaxRPS)
	}

	var wg sync.WaitGroup
	for i := 0; i < stage.TargetConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stageCtx.Err() == nil {
				e.fire(stageCtx, spec, counters)
				if pace > 0 {
					select {
					case <-time.After(pace):
					case <-stageCtx.Done():
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func (e *HighConcurrencyEngine) fire(ctx context.Context, spec *Spec, counters *atomicCounters) {
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.TargetURL, strings.NewReader(spec.Body))
	if err != nil {
		counters.requests.Add(1)
		counters.errors.Add(1)
		return
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)

	counters.requests.Add(1)
	if err != nil {
		counters.errors.Add(1)
	} else {
		if resp.StatusCode >= 400 {
			counters.errors.Add(1)
		}
		resp.Body.Close()
	}
	counters.observe(latency)
}

// atomicCounters is the lock-free sample state shared by all virtual
// users of one high-concurrency run.
type atomicCounters struct {
	concurrency atomic.Int64
	requests    atomic.Int64
	errors      atomic.Int64

	latencyIdx atomic.Int64
	latencies  []int64 // microseconds, reservoir of latencyReservoirSize
}

func (c *atomicCounters) observe(latency time.Duration) {
	idx := c.latencyIdx.Add(1) - 1
	if idx < int64(len(c.latencies)) {
		atomic.StoreInt64(&c.latencies[idx], latency.Microseconds())
	}
}

func (c *atomicCounters) flush(executionID string) *domain.MetricSample {
	requests := c.requests.Swap(0)
	errors := c.errors.Swap(0)

	n := c.latencyIdx.Swap(0)
	if n > int64(len(c.latencies)) {
		n = int64(len(c.latencies))
	}
	latencies := make([]time.Duration, 0, n)
	for i := int64(0); i < n; i++ {
		latencies = append(latencies, time.Duration(atomic.LoadInt64(&c.latencies[i]))*time.Microsecond)
	}

	return &domain.MetricSample{
		ExecutionID:   executionID,
		Timestamp:     time.Now(),
		Concurrency:   int(c.concurrency.Load()),
		RequestsDelta: requests,
		ErrorsDelta:   errors,
		Latencies:     latencies,
	}
}
