// Package dispatch launches engine adapters under a bounded slot pool,
// pumps their sample streams into the aggregator and reports the outcome
// of every run back to the lifecycle manager.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/engine"
)

// SampleSink consumes the sample stream of a running engine. Implemented
// by the metric aggregator.
type SampleSink interface {
	Ingest(sample *domain.MetricSample)
}

// Reporter receives launch and completion callbacks. Implemented by the
// lifecycle manager, which owns all execution state transitions.
type Reporter interface {
	// ReportLaunching is called once a slot is acquired, immediately
	// before the engine starts. A non-nil error (e.g. a quota denial)
	// cancels the launch; the reporter has already finalized the
	// execution in that case.
	ReportLaunching(executionID string) error
	ReportCompleted(executionID string)
	ReportFailed(executionID string, failure error)
}

type launchRequest struct {
	spec       *engine.Spec
	engineType domain.EngineType
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Dispatcher struct {
	config   configuration.DispatchConfig
	adapters map[domain.EngineType]engine.Adapter
	sink     SampleSink
	reporter Reporter

	mu     sync.Mutex
	queue  []*launchRequest
	active map[string]*handle
}

func NewDispatcher(
	config configuration.DispatchConfig,
	adapters []engine.Adapter,
	sink SampleSink,
	reporter Reporter,
) *Dispatcher {
	byType := make(map[domain.EngineType]engine.Adapter, len(adapters))
	for _, adapter := range adapters {
		byType[adapter.Type()] = adapter
	}
	return &Dispatcher{
		config:   config,
		adapters: byType,
		sink:     sink,
		reporter: reporter,
		active:   make(map[string]*handle),
	}
}

// Route picks the engine variant for a timeline: very high peak
// concurrency goes to the high-concurrency engine, everything else to
// the configured default.
func (d *Dispatcher) Route(timeline domain.StageTimeline) domain.EngineType {
	if d.config.HighConcurrencyThreshold > 0 && timeline.PeakConcurrency() >= d.config.HighConcurrencyThreshold {
		if _, ok := d.adapters[domain.EngineHighConcurrency]; ok {
			return domain.EngineHighConcurrency
		}
	}
	if _, ok := d.adapters[d.config.DefaultEngine]; ok {
		return d.config.DefaultEngine
	}
	return domain.EngineAsyncRunner
}

// Launch queues an execution for its engine. If a slot is free the
// engine starts immediately, otherwise the request waits in FIFO order.
func (d *Dispatcher) Launch(spec *engine.Spec, engineType domain.EngineType) {
	d.mu.Lock()
	d.queue = append(d.queue, &launchRequest{spec: spec, engineType: engineType})
	d.mu.Unlock()
	d.pump()
}

// Abort cancels a running engine, or removes a still-queued execution
// without consuming a slot. It returns once the engine has stopped or
// the grace period has expired.
func (d *Dispatcher) Abort(executionID string) {
	d.mu.Lock()
	for i, req := range d.queue {
		if req.spec.ExecutionID == executionID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.mu.Unlock()
			return
		}
	}
	h, running := d.active[executionID]
	d.mu.Unlock()
	if !running {
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(d.config.AbortGracePeriod):
		// CommandContext has already killed any external runner at this
		// point; an in-process engine that ignores its context can only
		// be logged and abandoned.
		log.WithField("executionId", executionID).
			Warn("engine did not stop within the abort grace period")
	}
}

// QueueDepth reports how many launches are waiting for a slot.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// ActiveCount reports how many engines are currently running.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// pump starts queued launches while slots are free.
func (d *Dispatcher) pump() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || len(d.active) >= d.config.MaxActiveEngines {
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]

		ctx, cancel := context.WithCancel(context.Background())
		h := &handle{cancel: cancel, done: make(chan struct{})}
		d.active[req.spec.ExecutionID] = h
		d.mu.Unlock()

		go d.run(ctx, req, h)
	}
}

func (d *Dispatcher) run(ctx context.Context, req *launchRequest, h *handle) {
	defer func() {
		close(h.done)
		d.mu.Lock()
		delete(d.active, req.spec.ExecutionID)
		d.mu.Unlock()
		d.pump()
	}()

	executionID := req.spec.ExecutionID
	if err := d.reporter.ReportLaunching(executionID); err != nil {
		log.WithError(err).WithField("executionId", executionID).Info("launch denied")
		return
	}

	adapter, ok := d.adapters[req.engineType]
	if !ok {
		d.reporter.ReportFailed(executionID, &surgeerrors.ErrEngineFailure{
			ExecutionID: executionID,
			Engine:      string(req.engineType),
			Diagnostic:  "no adapter registered for engine",
		})
		return
	}

	samples := make(chan *domain.MetricSample, 256)
	var ingestWG sync.WaitGroup
	ingestWG.Add(1)
	go func() {
		defer ingestWG.Done()
		for sample := range samples {
			d.sink.Ingest(sample)
		}
	}()

	err := d.runAdapter(ctx, adapter, req.spec, samples)
	close(samples)
	ingestWG.Wait()

	switch {
	case err == nil:
		d.reporter.ReportCompleted(executionID)
	case errors.Is(err, context.Canceled):
		// Cooperative abort; the lifecycle manager already recorded the
		// terminal state before cancelling.
	default:
		d.reporter.ReportFailed(executionID, &surgeerrors.ErrEngineFailure{
			ExecutionID: executionID,
			Engine:      string(req.engineType),
			Diagnostic:  err.Error(),
		})
	}
}

// runAdapter converts an engine panic into an error so a crashing
// adapter cannot take the orchestrator down with it.
func (d *Dispatcher) runAdapter(
	ctx context.Context,
	adapter engine.Adapter,
	spec *engine.Spec,
	samples chan<- *domain.MetricSample,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("engine panicked: %v", r)
		}
	}()
	return adapter.Run(ctx, spec, samples)
}
