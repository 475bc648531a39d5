// Package dispatch hands node work off to external workers and carries
// their results back as callbacks.
package dispatch

import (
	"context"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
)

// Dispatch is the unit of work handed to an external worker. NodeKey is the
// run's state key, so a parallel instance dispatches as "worker_2" while
// WorkerType stays the template's worker type.
type Dispatch struct {
	RunID      string         `json:"run_id"`
	NodeKey    string         `json:"node_key"`
	WorkerType string         `json:"worker_type"`
	Config     map[string]any `json:"config,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// Callback is the worker's asynchronous result report.
type Callback struct {
	RunID   string            `json:"run_id"`
	NodeKey string            `json:"node_key"`
	Status  models.NodeStatus `json:"status"`
	Output  any               `json:"output,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Dispatcher delivers work to whatever executes it. Delivery failure is a
// node failure, not a run failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, work Dispatch) error
}
