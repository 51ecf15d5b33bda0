// Package actions routes approved automation jobs to pluggable adapters
// behind a uniform result contract. Adapters are stateless between calls
// apart from injected collaborators.
package actions

import (
	"context"
	"fmt"

	"procurement-automation/internal/models"
)

// Adapter executes one action type. Business failures are reported through
// the result, never by panicking or by infrastructure errors.
type Adapter interface {
	Execute(ctx context.Context, job models.AutomationJob) models.ActionResult
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, job models.AutomationJob) models.ActionResult

func (f AdapterFunc) Execute(ctx context.Context, job models.AutomationJob) models.ActionResult {
	return f(ctx, job)
}

// Dispatcher maps action types to adapters.
type Dispatcher struct {
	adapters     map[string]Adapter
	compensators map[string]Adapter
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		adapters:     make(map[string]Adapter),
		compensators: make(map[string]Adapter),
	}
}

// Register binds an adapter to an action type.
func (d *Dispatcher) Register(actionType string, adapter Adapter) {
	if actionType == "" || adapter == nil {
		return
	}
	d.adapters[actionType] = adapter
}

// RegisterCompensator binds the compensating adapter dispatched when a
// failed action's fallback is "compensate".
func (d *Dispatcher) RegisterCompensator(actionType string, adapter Adapter) {
	if actionType == "" || adapter == nil {
		return
	}
	d.compensators[actionType] = adapter
}

// Dispatch runs the adapter for the job's action type. An unregistered type
// is an infrastructure error, not a business failure.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.AutomationJob) (models.ActionResult, error) {
	adapter, ok := d.adapters[job.ActionType]
	if !ok {
		return models.ActionResult{}, fmt.Errorf("no adapter registered for action type %q", job.ActionType)
	}
	return adapter.Execute(ctx, job), nil
}

// Compensator returns the compensating adapter for an action type, if any.
func (d *Dispatcher) Compensator(actionType string) (Adapter, bool) {
	a, ok := d.compensators[actionType]
	return a, ok
}
