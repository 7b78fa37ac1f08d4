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

	"github.com/ecorp/shipyard/pkg/state"
	"github.com/go-logr/logr"
	"github.com/zclconf/go-cty/cty"
)

const DefaultWorkerPoolSize = 4

// Stack plans and applies declared resources against the state of a backend.
type Stack struct {
	Log logr.Logger

	Config *Config

	// Registry resolves the provider of each resource type.
	Registry *Registry

	// Backend stores the state. Apply and Destroy hold its lock for their whole run.
	Backend state.Backend

	// Variables are assigned to the declared variables, overriding their defaults.
	Variables map[string]cty.Value

	// Defines the concurrency level of apply operations.
	WorkerPoolSize int
}

func (stack *Stack) workerPoolSize() int {
	if stack.WorkerPoolSize <= 0 {
		return DefaultWorkerPoolSize
	}
	return stack.WorkerPoolSize
}

// Plan reads the current state and computes the changes needed to reach the declared one.
// Plan does not lock the state and never changes a resource.
func (stack *Stack) Plan(ctx context.Context) (*Plan, error) {
	prior, err := stack.Backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	return planResources(ctx, stack.Config, stack.Registry, stack.Variables, prior)
}

// Apply plans and applies under the state lock.
// The returned Result is non-nil whenever the plan could be computed, even if some nodes failed.
func (stack *Stack) Apply(ctx context.Context) (*Result, error) {
	var result *Result
	err := state.WithLock(ctx, stack.Backend, "apply", func(ctx context.Context) error {
		prior, err := stack.Backend.Read(ctx)
		if err != nil {
			return err
		}
		plan, err := planResources(ctx, stack.Config, stack.Registry, stack.Variables, prior)
		if err != nil {
			return err
		}
		vars, err := resolveVariables(stack.Config.Variables, stack.Variables)
		if err != nil {
			return err
		}
		stack.Log.Info("Applying plan", "summary", plan.Summary())
		result, err = stack.execute(ctx, plan, prior, vars, false)
		return err
	})
	return result, err
}

// Destroy deletes every resource recorded in the state, dependents first.
func (stack *Stack) Destroy(ctx context.Context) (*Result, error) {
	var result *Result
	err := state.WithLock(ctx, stack.Backend, "destroy", func(ctx context.Context) error {
		prior, err := stack.Backend.Read(ctx)
		if err != nil {
			return err
		}
		plan, err := planDestroy(prior)
		if err != nil {
			return err
		}
		stack.Log.Info("Destroying", "summary", plan.Summary())
		result, err = stack.execute(ctx, plan, prior, map[string]cty.Value{}, true)
		return err
	})
	return result, err
}

// PlanDestroy computes the plan Destroy would execute.
func (stack *Stack) PlanDestroy(ctx context.Context) (*Plan, error) {
	prior, err := stack.Backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	return planDestroy(prior)
}

// Outputs returns the outputs recorded by the last apply.
func (stack *Stack) Outputs(ctx context.Context) (map[string]state.Output, error) {
	current, err := stack.Backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	return current.Outputs, nil
}
