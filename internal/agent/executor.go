package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	arawnbackoff "github.com/arawn/arawn/internal/backoff"
	"github.com/arawn/arawn/pkg/models"
)

// ExecutorConfig configures the parallel tool executor's concurrency,
// timeout, and retry behavior.
type ExecutorConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultRetries  int           `yaml:"default_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig holds per-tool overrides of the executor's defaults (§4.B:
// "tool executions have a per-tool default timeout"). Priority is reserved
// for callers that want to order a batch before dispatch; the executor
// itself runs a batch fully in parallel regardless of priority.
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Priority     int
}

// Executor dispatches tool calls against a ToolRegistry with concurrency
// limiting, per-tool timeout/retry overrides, and panic recovery.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex
	sem        chan struct{}
	metrics    *ExecutorMetrics
}

// ExecutorMetrics accumulates counters across the executor's lifetime and
// exports them as Prometheus gauges. Each Executor gets its own private
// prometheus.Registry (rather than registering on the global default one)
// because one process can hold many Executors at once — a subagent spawns
// a fresh one per delegation — and the default registerer panics on the
// second registration of the same metric name.
type ExecutorMetrics struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	executions prometheus.Gauge
	retries    prometheus.Gauge
	failures   prometheus.Gauge
	timeouts   prometheus.Gauge
	panics     prometheus.Gauge

	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

func newExecutorMetrics() *ExecutorMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &ExecutorMetrics{
		registry: registry,
		executions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arawn_executor_tool_executions_total",
			Help: "Total tool executions dispatched by this executor.",
		}),
		retries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arawn_executor_tool_retries_total",
			Help: "Total retry attempts across tool executions.",
		}),
		failures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arawn_executor_tool_failures_total",
			Help: "Total tool executions that ultimately failed.",
		}),
		timeouts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arawn_executor_tool_timeouts_total",
			Help: "Total tool executions that failed via timeout.",
		}),
		panics: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arawn_executor_tool_panics_total",
			Help: "Total tool executions that failed via panic.",
		}),
	}
}

// NewExecutor creates an Executor bound to registry. A nil config uses
// DefaultExecutorConfig.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
		metrics:    newExecutorMetrics(),
	}
}

// ConfigureTool sets a per-tool override.
func (e *Executor) ConfigureTool(name string, cfg *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = cfg
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolConfig[name]
}

// ExecutionResult is the outcome of one tool dispatch.
type ExecutionResult struct {
	ToolUseID string
	ToolName  string
	Result    *ToolResult
	Error     error
	Duration  time.Duration
	Attempts  int
}

// ExecuteAll dispatches every tool_use block in calls concurrently (bounded
// by MaxConcurrency) and returns results in the same order as calls. The
// LLM-visible ordering invariant (tool_result blocks matching tool_use
// order) is preserved because this order is never reshuffled.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ContentBlock) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ContentBlock) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, c)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute dispatches a single tool_use block with retry and timeout
// handling, acquiring a semaphore slot for backpressure.
func (e *Executor) Execute(ctx context.Context, call models.ContentBlock) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolUseID: call.ToolUseID, ToolName: call.ToolName}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = NewToolError(call.ToolName, ctx.Err()).WithType(ToolErrorTimeout).WithToolUseID(call.ToolUseID)
		result.Duration = time.Since(start)
		return result
	}

	tc := e.getToolConfig(call.ToolName)
	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	baseBackoff := e.config.RetryBackoff
	if tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			maxRetries = tc.Retries
		}
		if tc.RetryBackoff > 0 {
			baseBackoff = tc.RetryBackoff
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		execResult, execErr := e.executeWithTimeout(ctx, call, timeout)
		if execErr == nil {
			result.Result = execResult
			result.Duration = time.Since(start)
			e.metrics.record(attempt, false, nil)
			return result
		}

		lastErr = execErr
		if !IsToolRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		policy := arawnbackoff.BackoffPolicy{
			InitialMs: float64(baseBackoff.Milliseconds()),
			MaxMs:     float64(e.config.MaxRetryBackoff.Milliseconds()),
			Factor:    2,
			Jitter:    0.1,
		}
		sleep := arawnbackoff.ComputeBackoff(policy, attempt+1)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = NewToolError(call.ToolName, ctx.Err()).WithType(ToolErrorTimeout).WithToolUseID(call.ToolUseID)
		}
	}

	result.Error = lastErr
	result.Duration = time.Since(start)
	e.metrics.record(result.Attempts-1, true, lastErr)
	return result
}

func (m *ExecutorMetrics) record(retries int, failed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalExecutions++
	m.executions.Inc()
	if retries > 0 {
		m.TotalRetries += int64(retries)
		m.retries.Add(float64(retries))
	}
	if !failed {
		return
	}
	m.TotalFailures++
	m.failures.Inc()
	if toolErr, ok := GetToolError(err); ok {
		switch toolErr.Type {
		case ToolErrorTimeout:
			m.TotalTimeouts++
			m.timeouts.Inc()
		case ToolErrorPanic:
			m.TotalPanics++
			m.panics.Inc()
		}
	}
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ContentBlock, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ToolResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.ToolName, fmt.Errorf("panic: %v\n%s", r, debug.Stack())).
					WithType(ToolErrorPanic).WithToolUseID(call.ToolUseID)
				ch <- outcome{err: err}
			}
		}()
		result, err := e.registry.Execute(execCtx, call.ToolName, call.ToolInput)
		if err != nil {
			ch <- outcome{err: NewToolError(call.ToolName, err).WithToolUseID(call.ToolUseID)}
			return
		}
		ch <- outcome{result: result}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.ToolName, ctx.Err()).WithType(ToolErrorTimeout).WithToolUseID(call.ToolUseID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.ToolName, ErrToolTimeout).WithType(ToolErrorTimeout).WithToolUseID(call.ToolUseID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a copy-safe snapshot of the executor's counters.
func (e *Executor) Metrics() ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// Registry returns the Prometheus registry this executor's metrics are
// registered to, so a caller can fold it into a process-wide /metrics
// handler (e.g. via prometheus.Gatherers).
func (e *Executor) Registry() *prometheus.Registry {
	return e.metrics.registry
}

// ExecutorMetricsSnapshot is a point-in-time copy of ExecutorMetrics.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ResultsToToolResultBlocks converts execution results into tool_result
// content blocks in the same order as the originating tool_use blocks,
// which is the ordering invariant §8 requires.
func ResultsToToolResultBlocks(results []*ExecutionResult) []models.ContentBlock {
	blocks := make([]models.ContentBlock, len(results))
	for i, r := range results {
		switch {
		case r.Error != nil:
			blocks[i] = models.ToolResultBlock(r.ToolUseID, r.Error.Error(), true)
		case r.Result != nil:
			blocks[i] = models.ToolResultBlock(r.ToolUseID, r.Result.Content, r.Result.IsError)
		default:
			blocks[i] = models.ToolResultBlock(r.ToolUseID, "", true)
		}
	}
	return blocks
}

// AnyNonRecoverable reports whether any execution result represents a
// non-recoverable failure (configuration-level, not fed back to the model).
func AnyNonRecoverable(results []*ExecutionResult) bool {
	for _, r := range results {
		if r.Result != nil && r.Result.Kind == ResultError && !r.Result.Recoverable {
			return true
		}
		if r.Error == nil {
			continue
		}
		if toolErr, ok := GetToolError(r.Error); ok && !toolErr.Recoverable {
			return true
		}
	}
	return false
}
