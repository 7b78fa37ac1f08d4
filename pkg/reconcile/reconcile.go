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

package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/ecorp/shipyard/pkg/state"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/zclconf/go-cty/cty"
)

const (
	DefaultInterval = 5 * time.Minute
	// file events arriving within this window trigger a single run
	debounce = 500 * time.Millisecond
)

// Reconciler loads the stack of a directory and applies it whenever the declared state drifts from the recorded one.
type Reconciler struct {
	Log logr.Logger

	// Dir contains the *.hcl files of the stack. It is reloaded on every run.
	Dir string

	Registry       *stack.Registry
	Backend        state.Backend
	Variables      map[string]cty.Value
	WorkerPoolSize int

	// Interval between periodic runs. Defaults to DefaultInterval.
	Interval time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

type ReconcileResult struct {
	Plan *stack.Plan
	// Result is nil if the plan had no changes.
	Result *stack.Result
}

// Reconcile plans the stack and applies the plan if it has changes.
func (reconciler *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	log := reconciler.Log
	start := time.Now()
	result, err := reconciler.reconcile(ctx)
	reconciler.Metrics.observe(result, err, time.Since(start))
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			log.Info("State is locked, retrying on next run", "error", err.Error())
		} else {
			log.Error(err, "Reconciliation failed", "dir", reconciler.Dir)
		}
		return result, err
	}
	if result.Result == nil {
		log.V(1).Info("No changes", "dir", reconciler.Dir)
	} else {
		log.Info("Reconciled", "dir", reconciler.Dir, "summary", result.Plan.Summary())
	}
	return result, nil
}

func (reconciler *Reconciler) reconcile(ctx context.Context) (*ReconcileResult, error) {
	config, err := stack.Load(reconciler.Dir)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(reconciler.Registry); err != nil {
		return nil, err
	}
	stk := &stack.Stack{
		Log:            reconciler.Log,
		Config:         config,
		Registry:       reconciler.Registry,
		Backend:        reconciler.Backend,
		Variables:      reconciler.Variables,
		WorkerPoolSize: reconciler.WorkerPoolSize,
	}
	plan, err := stk.Plan(ctx)
	if err != nil {
		return nil, err
	}
	result := &ReconcileResult{Plan: plan}
	if !plan.HasChanges() {
		return result, nil
	}
	result.Result, err = stk.Apply(ctx)
	if result.Result != nil {
		// apply replans under the lock
		result.Plan = result.Result.Plan
	}
	return result, err
}

// Run reconciles immediately, then on every interval and whenever a stack file changes, until ctx is done.
// Failed runs are logged and retried on the next trigger.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(reconciler.Dir); err != nil {
		return err
	}

	interval := reconciler.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// stopped until the first relevant file event
	changed := time.NewTimer(debounce)
	if !changed.Stop() {
		<-changed.C
	}
	defer changed.Stop()

	_, _ = reconciler.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = reconciler.Reconcile(ctx)
		case <-changed.C:
			reconciler.Log.Info("Stack files changed")
			_, _ = reconciler.Reconcile(ctx)
			ticker.Reset(interval)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isStackFile(event) {
				continue
			}
			reconciler.Log.V(1).Info("File event", "file", event.Name, "op", event.Op.String())
			changed.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			reconciler.Log.Error(err, "Watching stack files failed")
		}
	}
}

func isStackFile(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return strings.HasSuffix(filepath.Base(event.Name), ".hcl")
}
