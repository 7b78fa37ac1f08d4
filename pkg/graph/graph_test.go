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

package graph_test

import (
	"errors"
	"testing"

	"github.com/ecorp/shipyard/pkg/graph"
	"gotest.tools/v3/assert"
)

type node struct {
	ID           string
	Dependencies []string
}

func (n node) GetID() string             { return n.ID }
func (n node) GetDependencies() []string { return n.Dependencies }

func TestDependencyGraph_Insert(t *testing.T) {
	testCases := []struct {
		name        string
		nodes       []node
		expectedErr error
	}{
		{
			name: "NoConflict",
			nodes: []node{
				{ID: "google_compute_network.vpc"},
				{ID: "google_compute_instance.vm", Dependencies: []string{"google_compute_network.vpc"}},
			},
		},
		{
			name: "Conflict",
			nodes: []node{
				{ID: "google_compute_network.vpc"},
				{ID: "google_compute_network.vpc", Dependencies: []string{"chart.web"}},
				{ID: "shouldntmatter.x"},
			},
			expectedErr: graph.ErrDuplicateID,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dag := graph.NewDependencyGraph[node]()
			err := dag.Insert(tc.nodes...)
			if tc.expectedErr == nil {
				assert.NilError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.expectedErr)
			}
		})
	}
}

func TestDependencyGraph_GetDelete(t *testing.T) {
	dag := graph.NewDependencyGraph[node]()
	err := dag.Insert(
		node{ID: "a"},
		node{ID: "b", Dependencies: []string{"a"}},
	)
	assert.NilError(t, err)
	_, found := dag.Get("a")
	assert.Assert(t, found)
	dag.Delete("a")
	_, found = dag.Get("a")
	assert.Assert(t, !found)
	b, found := dag.Get("b")
	assert.Assert(t, found)
	assert.Equal(t, b.ID, "b")
	assert.Equal(t, dag.Len(), 1)
}

func TestDependencyGraph_Dependents(t *testing.T) {
	dag := graph.NewDependencyGraph[node]()
	err := dag.Insert(
		node{ID: "network"},
		node{ID: "vm", Dependencies: []string{"network"}},
		node{ID: "firewall", Dependencies: []string{"network"}},
		node{ID: "dns", Dependencies: []string{"vm"}},
	)
	assert.NilError(t, err)
	assert.DeepEqual(t, dag.Dependents("network"), []string{"firewall", "vm"})
	assert.DeepEqual(t, dag.Dependents("dns"), []string{})
}

func TestDependencyGraph_TopologicalSort(t *testing.T) {
	testCases := []struct {
		name  string
		nodes []node
		err   error
	}{
		{
			name: "Positive",
			nodes: []node{
				{ID: "prometheus"},
				{ID: "linkerd", Dependencies: []string{"certmanager"}},
				{ID: "certmanager"},
				{ID: "emissaryingress", Dependencies: []string{"certmanager"}},
				{ID: "keda", Dependencies: []string{"prometheus"}},
			},
		},
		{
			name: "UnknownDependencyID",
			nodes: []node{
				{ID: "prometheus"},
				{ID: "linkerd", Dependencies: []string{"certmanager"}},
			},
			err: graph.ErrUnknownDependency,
		},
		{
			name: "Cycle",
			nodes: []node{
				{ID: "prometheus"},
				{ID: "linkerd", Dependencies: []string{"certmanager"}},
				{ID: "certmanager", Dependencies: []string{"linkerd"}},
			},
			err: graph.ErrCyclicDependency,
		},
		{
			name: "DistantCycle",
			nodes: []node{
				{ID: "prometheus", Dependencies: []string{"keda"}},
				{ID: "linkerd", Dependencies: []string{"certmanager"}},
				{ID: "certmanager"},
				{ID: "keda", Dependencies: []string{"prometheus"}},
			},
			err: graph.ErrCyclicDependency,
		},
		{
			name: "SelfCycle",
			nodes: []node{
				{ID: "prometheus", Dependencies: []string{"prometheus"}},
			},
			err: graph.ErrCyclicDependency,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dag := graph.NewDependencyGraph[node]()
			err := dag.Insert(tc.nodes...)
			assert.NilError(t, err)
			result, err := dag.TopologicalSort()
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, len(result), len(tc.nodes))
			visited := make(map[string]struct{})
			for _, n := range result {
				for _, dep := range n.Dependencies {
					_, found := visited[dep]
					assert.Assert(t, found, "%s visited before %s", n.ID, dep)
				}
				visited[n.ID] = struct{}{}
			}
		})
	}
}

func TestDependencyGraph_TopologicalSortDeterministic(t *testing.T) {
	build := func() []string {
		dag := graph.NewDependencyGraph[node]()
		err := dag.Insert(
			node{ID: "c"},
			node{ID: "a", Dependencies: []string{"c"}},
			node{ID: "b"},
			node{ID: "d", Dependencies: []string{"b", "a"}},
		)
		assert.NilError(t, err)
		sorted, err := dag.TopologicalSort()
		assert.NilError(t, err)
		ids := make([]string, 0, len(sorted))
		for _, n := range sorted {
			ids = append(ids, n.ID)
		}
		return ids
	}
	first := build()
	assert.DeepEqual(t, first, []string{"c", "a", "b", "d"})
	for range 10 {
		assert.DeepEqual(t, build(), first)
	}
}

func TestCycleError_Path(t *testing.T) {
	dag := graph.NewDependencyGraph[node]()
	err := dag.Insert(
		node{ID: "a", Dependencies: []string{"b"}},
		node{ID: "b", Dependencies: []string{"a"}},
	)
	assert.NilError(t, err)
	_, err = dag.TopologicalSort()
	var cycleErr *graph.CycleError
	assert.Assert(t, errors.As(err, &cycleErr))
	assert.DeepEqual(t, cycleErr.Path, []string{"a", "b", "a"})
}
