package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/surgeproject/surge/internal/surge/domain"
)

const defaultSampleInterval = time.Second

// AsyncRunnerEngine is the default in-process engine: a pool of virtual
// users issuing real HTTP requests, resized at each stage boundary.
type AsyncRunnerEngine struct {
	client         *http.Client
	sampleInterval time.Duration
}

func NewAsyncRunnerEngine() *AsyncRunnerEngine {
	return &AsyncRunnerEngine{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		sampleInterval: defaultSampleInterval,
	}
}

func (e *AsyncRunnerEngine) Type() domain.EngineType {
	return domain.EngineAsyncRunner
}

func (e *AsyncRunnerEngine) Run(ctx context.Context, spec *Spec, samples chan<- *domain.MetricSample) error {
	collector := newSampleCollector(spec.ExecutionID)

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
				samples <- collector.flush()
			case <-flushCtx.Done():
				return
			}
		}
	}()

	var runErr error
	for _, stage := range spec.Timeline.Stages {
		// Stage boundaries are cancellation points.
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		collector.setConcurrency(stage.TargetConcurrency)
		e.runStage(ctx, spec, stage, collector)
	}

	stopFlushing()
	flushWG.Wait()
	samples <- collector.flush()

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func (e *AsyncRunnerEngine) runStage(ctx context.Context, spec *Spec, stage domain.Stage, collector *sampleCollector) {
	stageCtx, cancel := context.WithTimeout(ctx, time.Duration(stage.DurationSeconds)*time.Second)
	defer cancel()

	if stage.TargetConcurrency == 0 {
		<-stageCtx.Done()
		return
	}

	// Per-VU pacing splits the execution's rate cap evenly.
	var pace time.Duration
	if spec.MaxRPS > 0 {
		pace = time.Duration(float64(time.Second) * float64(stage.TargetConcurrency) / spec.MaxRPS)
	}

	var wg sync.WaitGroup
	for i := 0; i < stage.TargetConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.virtualUser(stageCtx, spec, pace, collector)
		}()
	}
	wg.Wait()
}

func (e *AsyncRunnerEngine) virtualUser(ctx context.Context, spec *Spec, pace time.Duration, collector *sampleCollector) {
	for {
		if ctx.Err() != nil {
			return
		}
		latency, failed := e.doRequest(ctx, spec)
		collector.record(latency, failed)

		if pace > 0 {
			select {
			case <-time.After(pace):
			case <-ctx.Done():
				return
			}
		}
	}
}

// doRequest issues one request. Transport errors and 4xx/5xx responses
// count as errors in the sample stream; they are never orchestrator
// errors.
func (e *AsyncRunnerEngine) doRequest(ctx context.Context, spec *Spec) (time.Duration, bool) {
	reqCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, spec.Method, spec.TargetURL, strings.NewReader(spec.Body))
	if err != nil {
		return 0, true
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, true
	}
	defer resp.Body.Close()
	return latency, resp.StatusCode >= 400
}

// sampleCollector accumulates observations between flushes. One writer
// per virtual user, one reader (the flush loop).
type sampleCollector struct {
	executionID string

	mu          sync.Mutex
	requests    int64
	errors      int64
	latencies   []time.Duration
	concurrency int
}

func newSampleCollector(executionID string) *sampleCollector {
	return &sampleCollector{executionID: executionID}
}

func (c *sampleCollector) setConcurrency(concurrency int) {
	c.mu.Lock()
	c.concurrency = concurrency
	c.mu.Unlock()
}

func (c *sampleCollector) record(latency time.Duration, failed bool) {
	c.mu.Lock()
	c.requests++
	if failed {
		c.errors++
	}
	c.latencies = append(c.latencies, latency)
	c.mu.Unlock()
}

func (c *sampleCollector) flush() *domain.MetricSample {
	c.mu.Lock()
	sample := &domain.MetricSample{
		ExecutionID:   c.executionID,
		Timestamp:     time.Now(),
		Concurrency:   c.concurrency,
		RequestsDelta: c.requests,
		ErrorsDelta:   c.errors,
		Latencies:     c.latencies,
	}
	c.requests = 0
	c.errors = 0
	c.latencies = nil
	c.mu.Unlock()
	return sample
}
