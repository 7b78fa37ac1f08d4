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

package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrCyclicDependency  = errors.New("Cyclic dependency detected")
	ErrDuplicateID       = errors.New("Duplicate node ID")
	ErrUnknownDependency = errors.New("Unknown dependency")
)

// Node is a vertex of a DependencyGraph.
// GetDependencies returns the ids of the nodes this node has edges to.
type Node interface {
	GetID() string
	GetDependencies() []string
}

// CycleError reports the path of a dependency cycle.
// The first and the last element of Path are the same id.
type CycleError struct {
	Path []string
}

func (err *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(err.Path, " -> "))
}

func (err *CycleError) Unwrap() error {
	return ErrCyclicDependency
}

// DependencyGraph is an adjacency list which represents the directed acyclic graph of node dependencies.
type DependencyGraph[T Node] struct {
	set map[string]T
}

func NewDependencyGraph[T Node]() DependencyGraph[T] {
	return DependencyGraph[T]{
		set: make(map[string]T),
	}
}

func (dag DependencyGraph[T]) Insert(nodes ...T) error {
	for _, node := range nodes {
		if _, found := dag.set[node.GetID()]; found {
			return fmt.Errorf("%w: %s already exists in set", ErrDuplicateID, node.GetID())
		}
		dag.set[node.GetID()] = node
	}
	return nil
}

func (dag DependencyGraph[T]) Delete(id string) {
	delete(dag.set, id)
}

func (dag DependencyGraph[T]) Get(id string) (T, bool) {
	node, found := dag.set[id]
	return node, found
}

func (dag DependencyGraph[T]) Len() int {
	return len(dag.set)
}

// IDs returns all node ids in lexical order.
func (dag DependencyGraph[T]) IDs() []string {
	ids := make([]string, 0, len(dag.set))
	for id := range dag.set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dependents returns the ids of all nodes having a direct edge to the given id, in lexical order.
func (dag DependencyGraph[T]) Dependents(id string) []string {
	dependents := []string{}
	for _, nodeID := range dag.IDs() {
		if slices.Contains(dag.set[nodeID].GetDependencies(), id) {
			dependents = append(dependents, nodeID)
		}
	}
	return dependents
}

// TopologicalSort performs a topological sort on the dependency graph and returns the sorted order.
// Dependencies always precede their dependents and nodes are visited in lexical order,
// so equal graphs always produce equal results.
// It returns a *CycleError if a cycle is detected.
func (dag DependencyGraph[T]) TopologicalSort() ([]T, error) {
	inProcessing := make(map[string]struct{})
	visited := make(map[string]struct{}, len(dag.set))
	result := make([]T, 0, len(dag.set))
	stack := make([]string, 0)
	var walk func(nodeID string) error
	walk = func(nodeID string) error {
		if _, found := inProcessing[nodeID]; found {
			start := slices.Index(stack, nodeID)
			path := append(slices.Clone(stack[start:]), nodeID)
			return &CycleError{Path: path}
		}
		if _, found := visited[nodeID]; found {
			return nil
		}
		node, found := dag.set[nodeID]
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, nodeID)
		}
		inProcessing[nodeID] = struct{}{}
		stack = append(stack, nodeID)
		dependencies := slices.Clone(node.GetDependencies())
		slices.Sort(dependencies)
		for _, dependency := range dependencies {
			if _, found := dag.set[dependency]; !found {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, nodeID, dependency)
			}
			if err := walk(dependency); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(inProcessing, nodeID)
		visited[nodeID] = struct{}{}
		result = append(result, node)
		return nil
	}
	for _, id := range dag.IDs() {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	return result, nil
}
