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
	"fmt"
	"slices"

	"github.com/ecorp/shipyard/pkg/graph"
	"github.com/ecorp/shipyard/pkg/state"
	"github.com/zclconf/go-cty/cty"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNoOp   Action = "no-op"
)

// Change is the planned action for a single resource instance.
type Change struct {
	Address string
	Type    string
	Name    string
	Action  Action
	// Before are the inputs recorded in the state.
	Before map[string]interface{}
	// After are the planned inputs. Values depending on changing resources are UnknownValue.
	After        map[string]interface{}
	Dependencies []string
	// Digest of After and of what the provider reads beyond it, empty if After is not wholly known.
	Digest string
}

func (change Change) GetID() string {
	return change.Address
}

func (change Change) GetDependencies() []string {
	return change.Dependencies
}

// Plan is the ordered list of changes needed to reconcile the state with the declarations.
// Deletes come first, dependents before their dependencies, followed by all declared resources in topological order.
type Plan struct {
	Changes []Change
	// Outputs are the planned output values.
	Outputs map[string]interface{}
}

// HasChanges reports whether applying the plan would call any provider.
func (plan *Plan) HasChanges() bool {
	for _, change := range plan.Changes {
		if change.Action != ActionNoOp {
			return true
		}
	}
	return false
}

// Diffs returns all changes except no-ops.
func (plan *Plan) Diffs() []Change {
	diffs := make([]Change, 0, len(plan.Changes))
	for _, change := range plan.Changes {
		if change.Action != ActionNoOp {
			diffs = append(diffs, change)
		}
	}
	return diffs
}

func (plan *Plan) Change(address string) (Change, bool) {
	for _, change := range plan.Changes {
		if change.Address == address {
			return change, true
		}
	}
	return Change{}, false
}

func (plan *Plan) Summary() string {
	var create, update, del int
	for _, change := range plan.Changes {
		switch change.Action {
		case ActionCreate:
			create++
		case ActionUpdate:
			update++
		case ActionDelete:
			del++
		}
	}
	return fmt.Sprintf("Plan: %d to add, %d to change, %d to destroy.", create, update, del)
}

// planResources computes the plan of the declared resources against the prior state.
func planResources(ctx context.Context, config *Config, registry *Registry, vars map[string]cty.Value, prior *state.State) (*Plan, error) {
	if err := config.Validate(registry); err != nil {
		return nil, err
	}
	resolved, err := resolveVariables(config.Variables, vars)
	if err != nil {
		return nil, err
	}
	ordered, err := sortResources(config)
	if err != nil {
		return nil, err
	}

	deletes, err := planDeletes(prior, func(address string) bool {
		_, declared := config.Resources[address]
		return declared
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Changes: deletes,
		Outputs: map[string]interface{}{},
	}
	sc := newScope(config.BaseDir, resolved)
	actions := make(map[string]Action, len(ordered))
	for _, resource := range ordered {
		address := resource.Address()
		prev, inState := prior.Resources[address]

		inputs, err := sc.evalAttributes(resource.Attributes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", address, err)
		}
		change := Change{
			Address:      address,
			Type:         resource.Type,
			Name:         resource.Name,
			After:        toGoMap(inputs),
			Dependencies: resource.GetDependencies(),
		}
		if inState {
			change.Before = prev.Inputs
		}
		if inputs.IsWhollyKnown() {
			provider, err := registry.Get(resource.Type)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", address, err)
			}
			req := ResourceRequest{
				Address: address,
				Type:    resource.Type,
				Name:    resource.Name,
				Inputs:  change.After,
			}
			if inState {
				req.PriorInputs = prev.Inputs
				req.PriorOutputs = prev.Outputs
			}
			change.Digest, err = resourceDigest(ctx, provider, req)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", address, err)
			}
		}

		upstreamChanged := slices.ContainsFunc(change.Dependencies, func(dep string) bool {
			return actions[dep] != ActionNoOp
		})
		switch {
		case !inState:
			change.Action = ActionCreate
		case change.Digest != "" && change.Digest == prev.Digest && !upstreamChanged:
			change.Action = ActionNoOp
		default:
			change.Action = ActionUpdate
		}

		if change.Action == ActionNoOp {
			value, err := resourceValue(prev.Inputs, prev.Outputs)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", address, err)
			}
			sc.set(resource.Type, resource.Name, value)
		} else {
			sc.set(resource.Type, resource.Name, cty.DynamicVal)
		}
		actions[address] = change.Action
		plan.Changes = append(plan.Changes, change)
	}

	for _, name := range sortedKeys(config.Outputs) {
		output := config.Outputs[name]
		value, err := sc.eval(output.Expr)
		if err != nil {
			return nil, fmt.Errorf("output.%s: %w", name, err)
		}
		if output.Sensitive {
			plan.Outputs[name] = "(sensitive)"
			continue
		}
		plan.Outputs[name] = toGo(value)
	}
	return plan, nil
}

// planDestroy plans the deletion of every resource in the state.
func planDestroy(prior *state.State) (*Plan, error) {
	deletes, err := planDeletes(prior, func(string) bool { return false })
	if err != nil {
		return nil, err
	}
	return &Plan{
		Changes: deletes,
		Outputs: map[string]interface{}{},
	}, nil
}

func sortResources(config *Config) ([]*Resource, error) {
	dag := graph.NewDependencyGraph[*Resource]()
	for _, address := range sortedKeys(config.Resources) {
		if err := dag.Insert(config.Resources[address]); err != nil {
			return nil, err
		}
	}
	return dag.TopologicalSort()
}

type stateNode struct {
	address      string
	dependencies []string
}

var _ graph.Node = stateNode{}

func (node stateNode) GetID() string {
	return node.address
}

func (node stateNode) GetDependencies() []string {
	return node.dependencies
}

// planDeletes orders the recorded resources which are not kept, dependents first.
func planDeletes(prior *state.State, keep func(address string) bool) ([]Change, error) {
	deleted := map[string]bool{}
	for _, address := range prior.Addresses() {
		if !keep(address) {
			deleted[address] = true
		}
	}
	dag := graph.NewDependencyGraph[stateNode]()
	for _, address := range prior.Addresses() {
		if !deleted[address] {
			continue
		}
		var deps []string
		for _, dep := range prior.Resources[address].Dependencies {
			if deleted[dep] {
				deps = append(deps, dep)
			}
		}
		if err := dag.Insert(stateNode{address: address, dependencies: deps}); err != nil {
			return nil, err
		}
	}
	ordered, err := dag.TopologicalSort()
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		node := ordered[i]
		prev := prior.Resources[node.address]
		changes = append(changes, Change{
			Address:      node.address,
			Type:         prev.Type,
			Name:         prev.Name,
			Action:       ActionDelete,
			Before:       prev.Inputs,
			Dependencies: node.dependencies,
		})
	}
	return changes, nil
}
