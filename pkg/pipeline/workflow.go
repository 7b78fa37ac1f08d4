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

package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/ecorp/shipyard/pkg/graph"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidWorkflow = errors.New("Invalid workflow")
	ErrUnknownAction   = errors.New("Unknown action")
)

// Workflow is a CI definition in the GitHub Actions document shape.
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]*Job   `yaml:"jobs"`
}

type Triggers struct {
	Push        *BranchFilter `yaml:"push"`
	PullRequest *BranchFilter `yaml:"pull_request"`
}

// BranchFilter matches branches by name or path.Match pattern. No branches matches every branch.
type BranchFilter struct {
	Branches []string `yaml:"branches"`
}

func (filter *BranchFilter) matches(branch string) bool {
	if filter == nil {
		return false
	}
	if len(filter.Branches) == 0 {
		return true
	}
	for _, pattern := range filter.Branches {
		if matched, err := path.Match(pattern, branch); err == nil && matched {
			return true
		}
	}
	return false
}

const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Event is what happened in the repository. Branch is the pushed branch or the pull request base.
type Event struct {
	Name   string
	Branch string
}

// Triggered reports whether the event starts the workflow.
func (workflow *Workflow) Triggered(event Event) bool {
	switch event.Name {
	case EventPush:
		return workflow.On.Push.matches(event.Branch)
	case EventPullRequest:
		return workflow.On.PullRequest.matches(event.Branch)
	}
	return false
}

type Job struct {
	ID     string            `yaml:"-"`
	Name   string            `yaml:"name"`
	RunsOn string            `yaml:"runs-on"`
	Needs  StringList        `yaml:"needs"`
	Env    map[string]string `yaml:"env"`
	Steps  []Step            `yaml:"steps"`
}

var _ graph.Node = (*Job)(nil)

func (job *Job) GetID() string {
	return job.ID
}

func (job *Job) GetDependencies() []string {
	return job.Needs
}

func (job *Job) DisplayName() string {
	if job.Name != "" {
		return job.Name
	}
	return job.ID
}

type Step struct {
	Name             string            `yaml:"name"`
	Run              string            `yaml:"run"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working-directory"`
}

func (step *Step) DisplayName(index int) string {
	switch {
	case step.Name != "":
		return step.Name
	case step.Uses != "":
		return step.Uses
	case step.Run != "":
		return strings.SplitN(strings.TrimSpace(step.Run), "\n", 2)[0]
	}
	return fmt.Sprintf("step %d", index+1)
}

// ActionName strips the version suffix, actions/checkout@v4 becomes actions/checkout.
func (step *Step) ActionName() string {
	name, _, _ := strings.Cut(step.Uses, "@")
	return name
}

// StringList accepts a scalar or a sequence.
type StringList []string

func (list *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*list = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*list = values
		return nil
	}
	return fmt.Errorf("%w: line %d: expected a string or a list of strings", ErrInvalidWorkflow, node.Line)
}

// Parse decodes and validates a workflow document.
func Parse(content []byte) (*Workflow, error) {
	var workflow Workflow
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&workflow); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	for id, job := range workflow.Jobs {
		if job == nil {
			job = &Job{}
			workflow.Jobs[id] = job
		}
		job.ID = id
	}
	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	return &workflow, nil
}

func Load(file string) (*Workflow, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Validate checks structure and job dependencies, so broken workflows fail before anything runs.
func (workflow *Workflow) Validate() error {
	if len(workflow.Jobs) == 0 {
		return fmt.Errorf("%w: no jobs", ErrInvalidWorkflow)
	}
	for _, id := range workflow.JobIDs() {
		job := workflow.Jobs[id]
		if len(job.Steps) == 0 {
			return fmt.Errorf("%w: job %s has no steps", ErrInvalidWorkflow, id)
		}
		for i, step := range job.Steps {
			if (step.Run == "") == (step.Uses == "") {
				return fmt.Errorf(
					"%w: step %d of job %s needs exactly one of run or uses",
					ErrInvalidWorkflow,
					i+1,
					id,
				)
			}
		}
	}
	_, err := workflow.Graph()
	return err
}

// Graph returns the jobs in topological order of their needs.
func (workflow *Workflow) Graph() ([]*Job, error) {
	dag := graph.NewDependencyGraph[*Job]()
	for _, id := range workflow.JobIDs() {
		if err := dag.Insert(workflow.Jobs[id]); err != nil {
			return nil, err
		}
	}
	return dag.TopologicalSort()
}

func (workflow *Workflow) JobIDs() []string {
	ids := make([]string, 0, len(workflow.Jobs))
	for id := range workflow.Jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Actions returns the names of all actions used by the workflow.
func (workflow *Workflow) Actions() []string {
	actions := []string{}
	for _, id := range workflow.JobIDs() {
		for _, step := range workflow.Jobs[id].Steps {
			if step.Uses != "" && !slices.Contains(actions, step.ActionName()) {
				actions = append(actions, step.ActionName())
			}
		}
	}
	slices.Sort(actions)
	return actions
}
