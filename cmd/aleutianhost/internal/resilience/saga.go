// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package resilience provides the saga executor used by the deployment
pipeline: a sequence of forward steps (start tenant, publish route) paired
with compensations that undo them in reverse order when a later step fails.
*/
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// stepGracePeriod is how long runStep waits for an in-flight result after
// the step context fires before declaring the step abandoned.
const stepGracePeriod = 50 * time.Millisecond

// =============================================================================
// Saga Step
// =============================================================================

// SagaStep is one forward action with its undo.
//
// # Description
//
// Execute performs the forward action; Compensate undoes it when a later
// step fails. Compensations must be idempotent and must tolerate "already
// gone" states: a deployment can fail at any point and the same cleanup
// may run again on a retry.
type SagaStep struct {
	// Name identifies the step in logs and results.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil when nothing needs cleanup.
	Compensate func(ctx context.Context) error

	// Timeout overrides the saga's default step timeout when positive.
	Timeout time.Duration
}

// CompensationError records one failed compensation.
type CompensationError struct {
	// StepName is the step whose compensation failed.
	StepName string

	// Err is the compensation failure.
	Err error
}

// =============================================================================
// Saga Executor
// =============================================================================

// SagaConfig configures the executor.
type SagaConfig struct {
	// StepTimeout bounds each forward step. Default: 60s.
	StepTimeout time.Duration

	// CompensationTimeout bounds each compensation. Default: 30s.
	CompensationTimeout time.Duration

	// Logger receives step and compensation events.
	Logger *slog.Logger
}

// SagaExecutor runs multi-step operations with automatic rollback.
type SagaExecutor interface {
	AddStep(step SagaStep)
	Execute(ctx context.Context) error
	CompletedSteps() []string
	CompensationFailures() []CompensationError
	Reset()
}

// Saga implements SagaExecutor.
//
// Steps run sequentially in the order added. On failure the completed
// steps are compensated in reverse order under a fresh background context,
// so a cancelled deploy still gets its cleanup.
type Saga struct {
	cfg          SagaConfig
	steps        []SagaStep
	completed    []SagaStep
	compFailures []CompensationError
	mu           sync.Mutex
}

// NewSaga creates an empty saga. Zero config fields get defaults.
func NewSaga(cfg SagaConfig) *Saga {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Saga{cfg: cfg}
}

// AddStep appends a step. Steps execute in the order added.
func (s *Saga) AddStep(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs all steps sequentially.
//
// # Outputs
//
//   - error: nil when every step succeeded; otherwise the first failure,
//     wrapped with the failing step's name. Compensation errors do not
//     change the returned error; read them from CompensationFailures.
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]
	s.compFailures = nil

	for _, step := range s.steps {
		if ctx.Err() != nil {
			s.compensate()
			return fmt.Errorf("aborted before step %q: %w", step.Name, ctx.Err())
		}

		if err := s.runStep(ctx, step); err != nil {
			s.compensate()
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

// runStep executes one step under its timeout.
func (s *Saga) runStep(ctx context.Context, step SagaStep) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.cfg.Logger.Debug("executing step", "step", step.Name)
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- step.Execute(stepCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		// The step may have finished in the same instant the context
		// fired. A finished step must report its real outcome: calling it
		// abandoned here would drop a completed step from the rollback
		// set, leaving its side effects uncompensated.
		grace := time.NewTimer(stepGracePeriod)
		select {
		case err = <-done:
			grace.Stop()
		case <-grace.C:
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out after %v: %w", timeout, stepCtx.Err())
			}
			return fmt.Errorf("abandoned: %w", stepCtx.Err())
		}
	}

	if err != nil {
		s.cfg.Logger.Error("step failed",
			"step", step.Name, "duration", time.Since(start), "error", err)
		return err
	}
	s.cfg.Logger.Debug("step completed",
		"step", step.Name, "duration", time.Since(start))
	return nil
}

// compensate undoes completed steps in reverse order.
//
// Runs under a background context: the caller's context may already be
// cancelled, and abandoning cleanup would strand containers and networks.
func (s *Saga) compensate() {
	if len(s.completed) == 0 {
		return
	}
	s.cfg.Logger.Info("rolling back completed steps", "count", len(s.completed))

	budget := s.cfg.CompensationTimeout * time.Duration(len(s.completed))
	compCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}

		stepCtx, stepCancel := context.WithTimeout(compCtx, s.cfg.CompensationTimeout)
		err := step.Compensate(stepCtx)
		stepCancel()

		if err != nil {
			s.cfg.Logger.Warn("rollback failed", "step", step.Name, "error", err)
			s.compFailures = append(s.compFailures, CompensationError{
				StepName: step.Name,
				Err:      err,
			})
		} else {
			s.cfg.Logger.Info("rolled back step", "step", step.Name)
		}
	}
}

// CompletedSteps returns the names of steps that finished before any
// failure, in execution order.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}

// CompensationFailures returns the compensations that failed during the
// last Execute, if any. Partial cleanup leaves real resources behind, so
// callers should surface these to the operator.
func (s *Saga) CompensationFailures() []CompensationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompensationError, len(s.compFailures))
	copy(out, s.compFailures)
	return out
}

// Reset clears steps and state so the instance can be reused.
func (s *Saga) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
	s.completed = nil
	s.compFailures = nil
}

// Compile-time interface compliance check.
var _ SagaExecutor = (*Saga)(nil)
