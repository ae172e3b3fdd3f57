package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/surge/domain"
)

func TestAsyncRunnerGeneratesLoad(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewAsyncRunnerEngine()
	e.sampleInterval = 100 * time.Millisecond

	samples := make(chan *domain.MetricSample, 256)
	spec := &Spec{
		ExecutionID: "exec-1",
		TargetURL:   server.URL,
		Method:      http.MethodGet,
		Timeline: domain.StageTimeline{Stages: []domain.Stage{
			{Name: "hold", DurationSeconds: 1, TargetConcurrency: 2},
		}},
	}

	err := e.Run(context.Background(), spec, samples)
	require.NoError(t, err)
	close(samples)

	var requests, errors int64
	for sample := range samples {
		requests += sample.RequestsDelta
		errors += sample.ErrorsDelta
	}
	assert.Positive(t, requests)
	assert.Zero(t, errors)
	assert.Equal(t, requests, hits.Load())
}

func TestAsyncRunnerCountsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := NewAsyncRunnerEngine()
	e.sampleInterval = 100 * time.Millisecond

	samples := make(chan *domain.MetricSample, 256)
	spec := &Spec{
		ExecutionID: "exec-1",
		TargetURL:   server.URL,
		Method:      http.MethodGet,
		Timeline: domain.StageTimeline{Stages: []domain.Stage{
			{Name: "hold", DurationSeconds: 1, TargetConcurrency: 1},
		}},
	}

	require.NoError(t, e.Run(context.Background(), spec, samples))
	close(samples)

	var requests, errorCount int64
	for sample := range samples {
		requests += sample.RequestsDelta
		errorCount += sample.ErrorsDelta
	}
	assert.Positive(t, requests)
	assert.Equal(t, requests, errorCount)
}

func TestAsyncRunnerStopsOnCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	e := NewAsyncRunnerEngine()
	e.sampleInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	samples := make(chan *domain.MetricSample, 1024)
	spec := &Spec{
		ExecutionID: "exec-1",
		TargetURL:   server.URL,
		Method:      http.MethodGet,
		Timeline: domain.StageTimeline{Stages: []domain.Stage{
			{Name: "hold", DurationSeconds: 30, TargetConcurrency: 2},
		}},
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, spec, samples) }()
	go func() {
		for range samples {
		}
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestHighConcurrencyEngineGeneratesLoad(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	e := NewHighConcurrencyEngine()
	e.sampleInterval = 100 * time.Millisecond

	samples := make(chan *domain.MetricSample, 256)
	spec := &Spec{
		ExecutionID: "exec-1",
		TargetURL:   server.URL,
		Method:      http.MethodGet,
		Timeline: domain.StageTimeline{Stages: []domain.Stage{
			{Name: "hold", DurationSeconds: 1, TargetConcurrency: 4},
		}},
	}

	require.NoError(t, e.Run(context.Background(), spec, samples))
	close(samples)

	var requests int64
	var sawLatency bool
	for sample := range samples {
		requests += sample.RequestsDelta
		if len(sample.Latencies) > 0 {
			sawLatency = true
		}
	}
	assert.Positive(t, requests)
	assert.True(t, sawLatency)
}

func TestParseSampleLine(t *testing.T) {
	line := []byte(`{"timestamp":"2026-08-26T10:00:00Z","concurrency":25,"requests":120,"errors":3,"latenciesMs":[12.5,40,250.25]}`)

	sample, err := parseSampleLine("exec-1", line)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", sample.ExecutionID)
	assert.Equal(t, 25, sample.Concurrency)
	assert.Equal(t, int64(120), sample.RequestsDelta)
	assert.Equal(t, int64(3), sample.ErrorsDelta)
	require.Len(t, sample.Latencies, 3)
	assert.Equal(t, 12500*time.Microsecond, sample.Latencies[0])
}

func TestParseSampleLineRejectsGarbage(t *testing.T) {
	_, err := parseSampleLine("exec-1", []byte("not json"))
	assert.Error(t, err)
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, err := b.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, "efgh", b.String())
}
