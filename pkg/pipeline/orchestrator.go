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
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/ecorp/shipyard/pkg/vcs"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkerPoolSize = 4

var (
	ErrJobFailed = errors.New("Job failed")
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

type StepResult struct {
	Name   string
	Status Status
	Err    error
}

type JobResult struct {
	ID       string
	Status   Status
	Err      error
	Steps    []StepResult
	Started  time.Time
	Finished time.Time
}

// JobError reports the failing step of a job.
type JobError struct {
	Job  string
	Step string
	Err  error
}

func (err *JobError) Error() string {
	return fmt.Sprintf("%s: job %s, step %q: %s", ErrJobFailed, err.Job, err.Step, err.Err)
}

func (err *JobError) Unwrap() []error {
	return []error{ErrJobFailed, err.Err}
}

type Result struct {
	Jobs map[string]*JobResult
	// Order is the topological order jobs were scheduled in.
	Order []string
}

func (result *Result) Status(job string) Status {
	if jobResult, found := result.Jobs[job]; found {
		return jobResult.Status
	}
	return ""
}

func (result *Result) Succeeded() bool {
	for _, job := range result.Jobs {
		if job.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Err joins the errors of all failed jobs.
func (result *Result) Err() error {
	var errs []error
	for _, id := range result.Order {
		if err := result.Jobs[id].Err; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Orchestrator runs a workflow: jobs in topological order of their needs,
// independent jobs concurrently, steps of a job sequentially.
type Orchestrator struct {
	Log       logr.Logger
	Workspace string
	Actions   Actions
	Runner    ShellRunner
	// Secrets and Git are exposed to expressions.
	Secrets map[string]string
	Git     GitContext
	// Reporter publishes a commit status per job, if set.
	Reporter       vcs.StatusReporter
	WorkerPoolSize int
}

type jobRun struct {
	result *JobResult
	done   chan struct{}
}

// Run executes the workflow. The returned error reports invalid workflows, failed jobs are reported in the Result.
func (orchestrator *Orchestrator) Run(ctx context.Context, workflow *Workflow) (*Result, error) {
	jobs, err := workflow.Graph()
	if err != nil {
		return nil, err
	}
	actions := orchestrator.Actions
	if actions == nil {
		actions = DefaultActions()
	}
	if err := actions.Validate(workflow); err != nil {
		return nil, err
	}
	workspace, err := filepath.Abs(orchestrator.Workspace)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Jobs:  make(map[string]*JobResult, len(jobs)),
		Order: make([]string, 0, len(jobs)),
	}
	runs := make(map[string]*jobRun, len(jobs))
	for _, job := range jobs {
		result.Order = append(result.Order, job.ID)
		jobResult := &JobResult{ID: job.ID}
		result.Jobs[job.ID] = jobResult
		runs[job.ID] = &jobRun{
			result: jobResult,
			done:   make(chan struct{}),
		}
	}

	workerPoolSize := orchestrator.WorkerPoolSize
	if workerPoolSize <= 0 {
		workerPoolSize = DefaultWorkerPoolSize
	}
	var mu sync.Mutex
	eg := errgroup.Group{}
	eg.SetLimit(workerPoolSize)
	orchestrator.Log.Info("Running workflow", "workflow", workflow.Name, "jobs", len(jobs))
	// Launching in topological order means every dependency already holds a worker or is done,
	// so waiting on dependencies never starves the pool.
	for _, job := range jobs {
		run := runs[job.ID]
		eg.Go(func() error {
			defer close(run.done)
			status, err := orchestrator.await(ctx, job, runs, &mu)
			if status == "" {
				status, err = orchestrator.runJob(ctx, workflow, job, actions, workspace, run.result)
			}
			mu.Lock()
			run.result.Status = status
			run.result.Err = err
			mu.Unlock()
			orchestrator.report(ctx, job, status)
			return nil
		})
	}
	_ = eg.Wait()

	for _, id := range result.Order {
		jobResult := result.Jobs[id]
		orchestrator.Log.Info("Job finished", "job", id, "status", jobResult.Status)
	}
	return result, nil
}

// await blocks until all needs of the job are done. A non-empty status means the job must not run.
func (orchestrator *Orchestrator) await(
	ctx context.Context,
	job *Job,
	runs map[string]*jobRun,
	mu *sync.Mutex,
) (Status, error) {
	for _, need := range job.Needs {
		select {
		case <-runs[need].done:
		case <-ctx.Done():
			return StatusCancelled, ctx.Err()
		}
		mu.Lock()
		status := runs[need].result.Status
		mu.Unlock()
		switch status {
		case StatusSucceeded:
		case StatusCancelled:
			return StatusCancelled, nil
		default:
			orchestrator.Log.Info("Skipping job", "job", job.ID, "need", need, "needStatus", status)
			return StatusSkipped, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return StatusCancelled, err
	}
	return "", nil
}

func (orchestrator *Orchestrator) runJob(
	ctx context.Context,
	workflow *Workflow,
	job *Job,
	actions Actions,
	workspace string,
	result *JobResult,
) (Status, error) {
	log := orchestrator.Log.WithValues("job", job.ID)
	log.Info("Starting job", "name", job.DisplayName())
	orchestrator.report(ctx, job, "")
	result.Started = time.Now()
	defer func() {
		result.Finished = time.Now()
	}()

	baseExpressions := Expressions{
		Secrets: orchestrator.Secrets,
		GitHub:  orchestrator.Git,
	}
	env, err := expandEnv(baseExpressions, nil, workflow.Env, job.Env)
	if err != nil {
		return StatusFailed, &JobError{Job: job.ID, Step: "env", Err: err}
	}

	steps := make([]StepResult, 0, len(job.Steps))
	defer func() {
		result.Steps = steps
	}()
	for i, step := range job.Steps {
		stepName := step.DisplayName(i)
		stepLog := log.WithValues("step", stepName)
		if err := ctx.Err(); err != nil {
			steps = append(steps, StepResult{Name: stepName, Status: StatusCancelled, Err: err})
			return StatusCancelled, err
		}

		stepCtx, err := orchestrator.stepContext(stepLog, workspace, env, step)
		if err == nil {
			stepLog.Info("Running step")
			if step.Run != "" {
				var script string
				script, err = Expressions{
					Secrets: orchestrator.Secrets,
					Env:     stepCtx.Env,
					GitHub:  orchestrator.Git,
				}.Expand(step.Run)
				if err == nil {
					err = orchestrator.Runner.Run(ctx, script, stepCtx)
				}
			} else {
				err = actions[step.ActionName()].Run(ctx, stepCtx)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				steps = append(steps, StepResult{Name: stepName, Status: StatusCancelled, Err: err})
				return StatusCancelled, &JobError{Job: job.ID, Step: stepName, Err: err}
			}
			stepLog.Error(err, "Step failed")
			steps = append(steps, StepResult{Name: stepName, Status: StatusFailed, Err: err})
			return StatusFailed, &JobError{Job: job.ID, Step: stepName, Err: err}
		}
		steps = append(steps, StepResult{Name: stepName, Status: StatusSucceeded})
	}
	log.Info("Job succeeded")
	return StatusSucceeded, nil
}

func (orchestrator *Orchestrator) stepContext(
	log logr.Logger,
	workspace string,
	jobEnv map[string]string,
	step Step,
) (StepContext, error) {
	expressions := Expressions{
		Secrets: orchestrator.Secrets,
		Env:     jobEnv,
		GitHub:  orchestrator.Git,
	}
	env, err := expandEnv(expressions, jobEnv, step.Env)
	if err != nil {
		return StepContext{}, err
	}
	expressions.Env = env
	with, err := expressions.ExpandMap(step.With)
	if err != nil {
		return StepContext{}, err
	}
	workingDirectory, err := expressions.Expand(step.WorkingDirectory)
	if err != nil {
		return StepContext{}, err
	}
	if !filepath.IsAbs(workingDirectory) {
		workingDirectory = filepath.Join(workspace, workingDirectory)
	}
	return StepContext{
		Log:              log,
		Workspace:        workspace,
		WorkingDirectory: workingDirectory,
		Env:              env,
		With:             with,
	}, nil
}

// expandEnv expands overrides, which may reference the base env, and merges them onto base.
func expandEnv(expressions Expressions, base map[string]string, overrides ...map[string]string) (map[string]string, error) {
	env := maps.Clone(base)
	if env == nil {
		env = map[string]string{}
	}
	for _, override := range overrides {
		expressions.Env = env
		expanded, err := expressions.ExpandMap(override)
		if err != nil {
			return nil, err
		}
		maps.Copy(env, expanded)
	}
	return env, nil
}

func (orchestrator *Orchestrator) report(ctx context.Context, job *Job, status Status) {
	if orchestrator.Reporter == nil || orchestrator.Git.SHA == "" {
		return
	}
	commitStatus := vcs.CommitStatus{
		SHA:     orchestrator.Git.SHA,
		Context: "shipyard/" + job.ID,
	}
	switch status {
	case "":
		commitStatus.State = vcs.StatePending
		commitStatus.Description = "Running"
	case StatusSucceeded:
		commitStatus.State = vcs.StateSuccess
		commitStatus.Description = "Succeeded"
	case StatusSkipped:
		commitStatus.State = vcs.StateSkipped
		commitStatus.Description = "Skipped, a needed job did not succeed"
	case StatusCancelled:
		commitStatus.State = vcs.StateCancelled
		commitStatus.Description = "Cancelled"
	default:
		commitStatus.State = vcs.StateFailure
		commitStatus.Description = "Failed"
	}
	// statuses are best effort and must outlive a cancelled run
	if err := orchestrator.Reporter.ReportStatus(context.WithoutCancel(ctx), commitStatus); err != nil {
		orchestrator.Log.Error(err, "Unable to report commit status", "job", job.ID)
	}
}
