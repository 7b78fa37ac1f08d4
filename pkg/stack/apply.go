// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecorp/shipyard/pkg/graph"
	"github.com/ecorp/shipyard/pkg/state"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusApplied   Status = "applied"
	StatusDeleted   Status = "deleted"
	StatusNoOp      Status = "no-op"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// NodeResult is the outcome of a single planned change.
type NodeResult struct {
	Address string
	Action  Action
	Status  Status
	Err     error
}

// Result of an apply or destroy.
type Result struct {
	Plan *Plan
	// Nodes are in plan order.
	Nodes   []NodeResult
	Outputs map[string]state.Output
	State   *state.State
}

func (result *Result) Status(address string) Status {
	for _, node := range result.Nodes {
		if node.Address == address {
			return node.Status
		}
	}
	return ""
}

// Err aggregates the errors of all failed nodes.
func (result *Result) Err() error {
	var errs []error
	for _, node := range result.Nodes {
		if node.Err != nil {
			errs = append(errs, node.Err)
		}
	}
	return errors.Join(errs...)
}

type executor struct {
	stack *Stack
	plan  *Plan
	scope *scope

	// mu guards state, results and backend writes.
	mu      sync.Mutex
	state   *state.State
	results map[string]*NodeResult
	done    map[string]chan struct{}
	writes  []error

	// pending holds the deletes which did not succeed yet.
	pending graph.DependencyGraph[Change]
}

func (stack *Stack) execute(
	ctx context.Context,
	plan *Plan,
	prior *state.State,
	vars map[string]cty.Value,
	destroy bool,
) (*Result, error) {
	baseDir := "."
	if stack.Config != nil {
		baseDir = stack.Config.BaseDir
	}
	exec := &executor{
		stack:   stack,
		plan:    plan,
		scope:   newScope(baseDir, vars),
		state:   prior.DeepCopy(),
		results: make(map[string]*NodeResult, len(plan.Changes)),
		done:    make(map[string]chan struct{}, len(plan.Changes)),
		pending: graph.NewDependencyGraph[Change](),
	}
	for _, change := range plan.Changes {
		exec.results[change.Address] = &NodeResult{
			Address: change.Address,
			Action:  change.Action,
		}
		exec.done[change.Address] = make(chan struct{})
		if change.Action == ActionDelete {
			if err := exec.pending.Insert(change); err != nil {
				return nil, err
			}
		}
	}

	exec.deleteAll(ctx)
	if destroy {
		exec.clearOutputs(ctx)
	} else {
		exec.applyAll(ctx)
		exec.writeOutputs(ctx)
	}

	result := &Result{
		Plan:    plan,
		Nodes:   make([]NodeResult, 0, len(plan.Changes)),
		Outputs: exec.state.Outputs,
		State:   exec.state,
	}
	for _, change := range plan.Changes {
		result.Nodes = append(result.Nodes, *exec.results[change.Address])
	}
	return result, errors.Join(append([]error{result.Err()}, exec.writes...)...)
}

// deleteAll runs the deletes sequentially.
// A resource stays if one of its dependents could not be deleted.
func (exec *executor) deleteAll(ctx context.Context) {
	for _, change := range exec.plan.Changes {
		if change.Action != ActionDelete {
			continue
		}
		result := exec.results[change.Address]
		switch {
		case len(exec.pending.Dependents(change.Address)) > 0:
			result.Status = StatusSkipped
			continue
		case ctx.Err() != nil:
			result.Status = StatusCancelled
			continue
		}

		exec.stack.Log.Info("Deleting", "address", change.Address)
		if err := exec.delete(ctx, change); err != nil {
			exec.stack.Log.Error(err, "Deleting failed", "address", change.Address)
			result.Status = StatusFailed
			result.Err = &NodeError{Address: change.Address, Action: ActionDelete, Err: err}
			continue
		}
		result.Status = StatusDeleted
		exec.pending.Delete(change.Address)
		exec.mu.Lock()
		delete(exec.state.Resources, change.Address)
		exec.writeState(ctx)
		exec.mu.Unlock()
	}
}

func (exec *executor) delete(ctx context.Context, change Change) error {
	provider, err := exec.stack.Registry.Get(change.Type)
	if err != nil {
		return err
	}
	prev := exec.state.Resources[change.Address]
	return provider.Delete(ctx, ResourceRequest{
		Address:      change.Address,
		Type:         change.Type,
		Name:         change.Name,
		Inputs:       prev.Inputs,
		PriorInputs:  prev.Inputs,
		PriorOutputs: prev.Outputs,
	})
}

// applyAll runs creates and updates with a bounded worker pool.
// Goroutines are started in topological order, so every dependency holds or held a worker before its dependents.
func (exec *executor) applyAll(ctx context.Context) {
	eg := errgroup.Group{}
	eg.SetLimit(exec.stack.workerPoolSize())
	for _, change := range exec.plan.Changes {
		if change.Action == ActionDelete {
			continue
		}
		eg.Go(func() error {
			defer close(exec.done[change.Address])
			exec.applyNode(ctx, change)
			return nil
		})
	}
	_ = eg.Wait()
}

func (exec *executor) applyNode(ctx context.Context, change Change) {
	result := exec.results[change.Address]
	for _, dep := range change.Dependencies {
		select {
		case <-exec.done[dep]:
		case <-ctx.Done():
			exec.setStatus(result, StatusCancelled, nil)
			return
		}
		exec.mu.Lock()
		depStatus := exec.results[dep].Status
		exec.mu.Unlock()
		if depStatus == StatusFailed || depStatus == StatusSkipped || depStatus == StatusCancelled {
			exec.stack.Log.Info("Skipping", "address", change.Address, "dependency", dep, "dependencyStatus", depStatus)
			exec.setStatus(result, StatusSkipped, nil)
			return
		}
	}

	resource := exec.stack.Config.Resources[change.Address]
	if change.Action == ActionNoOp {
		exec.mu.Lock()
		prev := exec.state.Resources[change.Address]
		exec.mu.Unlock()
		value, err := resourceValue(prev.Inputs, prev.Outputs)
		if err != nil {
			exec.setStatus(result, StatusFailed, &NodeError{Address: change.Address, Action: change.Action, Err: err})
			return
		}
		exec.scope.set(resource.Type, resource.Name, value)
		exec.setStatus(result, StatusNoOp, nil)
		return
	}

	if ctx.Err() != nil {
		exec.setStatus(result, StatusCancelled, nil)
		return
	}

	exec.stack.Log.Info("Applying", "address", change.Address, "action", change.Action)
	record, err := exec.apply(ctx, change, resource)
	if err != nil {
		exec.stack.Log.Error(err, "Applying failed", "address", change.Address, "action", change.Action)
		exec.setStatus(result, StatusFailed, &NodeError{Address: change.Address, Action: change.Action, Err: err})
		return
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.state.Resources[change.Address] = *record
	result.Status = StatusApplied
	exec.writeState(ctx)
}

func (exec *executor) apply(ctx context.Context, change Change, resource *Resource) (*state.Resource, error) {
	provider, err := exec.stack.Registry.Get(change.Type)
	if err != nil {
		return nil, err
	}
	value, err := exec.scope.evalAttributes(resource.Attributes)
	if err != nil {
		return nil, err
	}
	if !value.IsWhollyKnown() {
		return nil, fmt.Errorf("%w: inputs depend on values of unapplied resources", ErrUnknownValue)
	}
	inputs := toGoMap(value)

	exec.mu.Lock()
	prev := exec.state.Resources[change.Address]
	exec.mu.Unlock()
	req := ResourceRequest{
		Address:      change.Address,
		Type:         change.Type,
		Name:         change.Name,
		Inputs:       inputs,
		PriorInputs:  prev.Inputs,
		PriorOutputs: prev.Outputs,
	}
	inputsDigest, err := resourceDigest(ctx, provider, req)
	if err != nil {
		return nil, err
	}
	var outputs map[string]interface{}
	if change.Action == ActionCreate {
		outputs, err = provider.Create(ctx, req)
	} else {
		outputs, err = provider.Update(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if outputs == nil {
		outputs = map[string]interface{}{}
	}

	refValue, err := resourceValue(inputs, outputs)
	if err != nil {
		return nil, err
	}
	exec.scope.set(resource.Type, resource.Name, refValue)
	return &state.Resource{
		Type:         change.Type,
		Name:         change.Name,
		Inputs:       inputs,
		Outputs:      outputs,
		Dependencies: change.Dependencies,
		Digest:       inputsDigest,
	}, nil
}

func (exec *executor) setStatus(result *NodeResult, status Status, err error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	result.Status = status
	if err != nil {
		result.Err = err
	}
}

// writeOutputs evaluates the outputs against the applied resources.
// An output referencing a resource which was not applied keeps its previous value.
func (exec *executor) writeOutputs(ctx context.Context) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	outputs := map[string]state.Output{}
	for _, name := range sortedKeys(exec.stack.Config.Outputs) {
		output := exec.stack.Config.Outputs[name]
		value, err := exec.scope.eval(output.Expr)
		if err != nil || !value.IsWhollyKnown() {
			if prev, found := exec.state.Outputs[name]; found {
				outputs[name] = prev
			}
			continue
		}
		outputs[name] = state.Output{
			Value:     toGo(value),
			Sensitive: output.Sensitive,
		}
	}
	exec.state.Outputs = outputs
	exec.writeState(ctx)
}

func (exec *executor) clearOutputs(ctx context.Context) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.state.Outputs = map[string]state.Output{}
	exec.writeState(ctx)
}

// writeState has to be called with mu held.
func (exec *executor) writeState(ctx context.Context) {
	// resources which have been applied must be recorded even when ctx got cancelled
	if err := exec.stack.Backend.Write(context.WithoutCancel(ctx), exec.state); err != nil {
		exec.writes = append(exec.writes, fmt.Errorf("writing state: %w", err))
	}
}
