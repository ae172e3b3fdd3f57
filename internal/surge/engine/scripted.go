package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/surge/domain"
)

// stderrTailBytes is how much of the runner's stderr is kept as the
// diagnostic payload of an engine failure.
const stderrTailBytes = 8 * 1024

// ScriptedEngine shells out to an external load-script runner (a k6
// style binary). The spec is passed as JSON on stdin and samples are
// read back as one JSON object per stdout line.
type ScriptedEngine struct {
	binary string
	args   []string
}

func NewScriptedEngine(binary string, args []string) *ScriptedEngine {
	return &ScriptedEngine{binary: binary, args: args}
}

func (e *ScriptedEngine) Type() domain.EngineType {
	return domain.EngineScripted
}

func (e *ScriptedEngine) Run(ctx context.Context, spec *Spec, samples chan<- *domain.MetricSample) error {
	input, err := json.Marshal(spec)
	if err != nil {
		return errors.WithMessage(err, "failed to encode engine spec")
	}

	cmd := exec.CommandContext(ctx, e.binary, e.args...)
	cmd.Stdin = bytes.NewReader(input)

	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WithMessage(err, "failed to open runner stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.WithMessagef(err, "failed to launch runner %s", e.binary)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		sample, err := parseSampleLine(spec.ExecutionID, line)
		if err != nil {
			// A malformed line is a runner bug worth surfacing, but a
			// single one should not kill the run.
			continue
		}
		samples <- sample
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("runner %s exited with error: %v; stderr: %s", e.binary, err, stderr.String())
	}
	return ctx.Err()
}

// sampleLine is the wire format of one runner stdout line.
type sampleLine struct {
	Timestamp   time.Time `json:"timestamp"`
	Concurrency int       `json:"concurrency"`
	Requests    int64     `json:"requests"`
	Errors      int64     `json:"errors"`
	LatenciesMs []float64 `json:"latenciesMs"`
}

func parseSampleLine(executionID string, line []byte) (*domain.MetricSample, error) {
	var parsed sampleLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return nil, errors.WithMessage(err, "malformed sample line")
	}

	latencies := make([]time.Duration, 0, len(parsed.LatenciesMs))
	for _, ms := range parsed.LatenciesMs {
		latencies = append(latencies, time.Duration(ms*float64(time.Millisecond)))
	}

	timestamp := parsed.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return &domain.MetricSample{
		ExecutionID:   executionID,
		Timestamp:     timestamp,
		Concurrency:   parsed.Concurrency,
		RequestsDelta: parsed.Requests,
		ErrorsDelta:   parsed.Errors,
		Latencies:     latencies,
	}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
