// Package backend defines the core types shared across the orchestration
// engine: backend identity, capability descriptors, request contexts and the
// capability interface every model worker must satisfy.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a registered backend. Immutable once assigned.
type ID string

// NewID returns a fresh backend identifier.
func NewID() ID { return ID(uuid.NewString()) }

// TaskType classifies the work a request carries.
type TaskType string

const (
	TaskCompletion     TaskType = "completion"
	TaskChat           TaskType = "chat"
	TaskGeneration     TaskType = "generation"
	TaskAnalysis       TaskType = "analysis"
	TaskRefactoring    TaskType = "refactoring"
	TaskClassification TaskType = "classification"
	TaskTranslation    TaskType = "translation"
)

// Priority orders requests from least to most urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Weight returns the scoring multiplier for a priority level.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityLow:
		return 0.7
	default:
		return 1.0
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// Complexity is the caller's estimate of how hard a request is.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityMedium
	ComplexityComplex
)

// Hardware is an optional placement hint.
type Hardware string

const (
	HardwareCPU Hardware = "cpu"
	HardwareGPU Hardware = "gpu"
)

// Capability describes what a backend can do. Set at registration time and
// never mutated afterwards.
type Capability struct {
	Tasks            []TaskType `json:"tasks"`
	MaxContextLength int        `json:"max_context_length"`
	Languages        []string   `json:"languages,omitempty"`
	Hardware         []Hardware `json:"hardware,omitempty"`
}

// Supports reports whether the capability covers the given task type.
func (c Capability) Supports(t TaskType) bool {
	for _, task := range c.Tasks {
		if task == t {
			return true
		}
	}
	return false
}

// Fits reports whether a request is compatible with this capability.
func (c Capability) Fits(rc RequestContext) bool {
	if !c.Supports(rc.TaskType) {
		return false
	}
	if c.MaxContextLength > 0 && rc.InputLength > c.MaxContextLength {
		return false
	}
	return true
}

// RequestContext carries the per-call routing inputs. Immutable.
type RequestContext struct {
	TaskType          TaskType      `json:"task_type"`
	InputLength       int           `json:"input_length"`
	Priority          Priority      `json:"priority"`
	Complexity        Complexity    `json:"complexity"`
	AcceptableLatency time.Duration `json:"acceptable_latency"`
	PreferredHardware Hardware      `json:"preferred_hardware,omitempty"`
	RequireConsensus  bool          `json:"require_consensus,omitempty"`
}

// ErrInvalidContext is returned when a request context fails validation.
var ErrInvalidContext = errors.New("invalid request context")

// Validate checks the context before any routing decision is made.
func (rc RequestContext) Validate() error {
	switch rc.TaskType {
	case TaskCompletion, TaskChat, TaskGeneration, TaskAnalysis,
		TaskRefactoring, TaskClassification, TaskTranslation:
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidContext, rc.TaskType)
	}
	if rc.InputLength < 0 {
		return fmt.Errorf("%w: negative input length", ErrInvalidContext)
	}
	if rc.AcceptableLatency < 0 {
		return fmt.Errorf("%w: negative latency budget", ErrInvalidContext)
	}
	return nil
}

// Request couples a routing context with the opaque payload handed to the
// chosen backend.
type Request struct {
	Context RequestContext `json:"context"`
	Payload string         `json:"payload"`
}

// Answer is what a backend returns from a single invocation.
type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Response is the engine's final result for a request.
type Response struct {
	Answer     string    `json:"answer"`
	Confidence float64   `json:"confidence"`
	Backend    ID        `json:"backend"`
	Stale      bool      `json:"stale,omitempty"`
	ServedAt   time.Time `json:"served_at"`
}

// Backend is the opaque async capability supplied by the inference layer.
// Invoke and HealthProbe must honor context cancellation.
type Backend interface {
	Invoke(ctx context.Context, payload string) (Answer, error)
	HealthProbe(ctx context.Context) error
}

// Func adapts plain functions to the Backend interface. Used heavily in
// tests and for in-process backends.
type Func struct {
	InvokeFn func(ctx context.Context, payload string) (Answer, error)
	ProbeFn  func(ctx context.Context) error
}

func (f Func) Invoke(ctx context.Context, payload string) (Answer, error) {
	return f.InvokeFn(ctx, payload)
}

func (f Func) HealthProbe(ctx context.Context) error {
	if f.ProbeFn == nil {
		return nil
	}
	return f.ProbeFn(ctx)
}
