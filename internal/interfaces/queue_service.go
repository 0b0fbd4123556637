package interfaces

import (
	"context"
	"encoding/json"
)

// Queue job names used by the render pipeline.
const (
	JobNameRenderBatch = "vector:render:batch"
	JobNameRenderMerge = "vector:render:merge"
)

// FlowJob is one dispatched unit of work. For parent jobs ChildResults
// carries the return value of every child, in child order.
type FlowJob struct {
	ID           string            `json:"id"`
	FlowID       string            `json:"flow_id"`
	Name         string            `json:"name"`
	Payload      json.RawMessage   `json:"payload"`
	ChildResults []json.RawMessage `json:"child_results,omitempty"`
	Attempt      int               `json:"attempt"`
}

// FlowHandler processes a job and returns its result payload. The
// result of a child job is surfaced to its parent at dispatch time.
type FlowHandler func(ctx context.Context, job *FlowJob) (json.RawMessage, error)

// FailureHandler observes a job's final failed attempt.
type FailureHandler func(ctx context.Context, job *FlowJob, err error)

// FlowChild describes one job inside a flow.
type FlowChild struct {
	Name     string
	Payload  interface{}
	Attempts int // <= 0 means a single attempt
}

// FlowSpec is a fan-out/fan-in unit: children run in parallel; the
// parent is dispatched only after every child reports a terminal
// result, and observes all child return values.
type FlowSpec struct {
	ID       string
	Parent   FlowChild
	Children []FlowChild
}

// FlowQueue is an at-least-once job queue with parent/child flow
// semantics.
type FlowQueue interface {
	// RegisterHandler binds a handler to a job name.
	RegisterHandler(name string, handler FlowHandler)

	// RegisterFailureHandler binds a callback invoked when a job
	// exhausts its attempts.
	RegisterFailureHandler(name string, handler FailureHandler)

	// EnqueueFlow persists and schedules a flow.
	EnqueueFlow(ctx context.Context, flow FlowSpec) error

	// Start launches the worker poll loops.
	Start() error

	// Stop drains the workers.
	Stop() error
}
