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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	ErrStepFailed   = errors.New("Step failed")
	ErrMissingInput = errors.New("Missing action input")
)

// StepContext is everything a step sees once expressions are expanded.
type StepContext struct {
	Log logr.Logger
	// Workspace is the absolute repository root.
	Workspace string
	// WorkingDirectory is the absolute directory the step runs in.
	WorkingDirectory string
	// Env merges workflow, job and step env, later ones winning.
	Env  map[string]string
	With map[string]string
}

// Path resolves a possibly relative path against the working directory.
func (step StepContext) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(step.WorkingDirectory, p)
}

// Input returns a required with entry.
func (step StepContext) Input(name string) (string, error) {
	value := strings.TrimSpace(step.With[name])
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	return value, nil
}

// Action implements a uses step.
type Action interface {
	Run(ctx context.Context, step StepContext) error
}

type ActionFunc func(ctx context.Context, step StepContext) error

func (f ActionFunc) Run(ctx context.Context, step StepContext) error {
	return f(ctx, step)
}

// Actions maps uses names without version suffix to their implementation.
type Actions map[string]Action

// Validate fails with ErrUnknownAction for the first action of the workflow missing in the registry.
func (actions Actions) Validate(workflow *Workflow) error {
	for _, name := range workflow.Actions() {
		if _, found := actions[name]; !found {
			return fmt.Errorf("%w: %s", ErrUnknownAction, name)
		}
	}
	return nil
}

// Checkout is a no-op, the workspace already is a checkout.
var Checkout = ActionFunc(func(ctx context.Context, step StepContext) error {
	step.Log.V(1).Info("Workspace already checked out", "workspace", step.Workspace)
	return nil
})

// ShellRunner runs run steps through a shell.
type ShellRunner struct {
	Shell string
}

func (runner ShellRunner) Run(ctx context.Context, script string, step StepContext) error {
	shell := runner.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = step.WorkingDirectory
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(step.Env))
	for key := range step.Env {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, step.Env[key]))
	}
	stdout := newLogWriter(step.Log, "stdout")
	stderr := newLogWriter(step.Log, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit code %d", ErrStepFailed, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %w", ErrStepFailed, err)
	}
	return nil
}

// logWriter emits every complete line as a log entry.
type logWriter struct {
	mu     sync.Mutex
	log    logr.Logger
	stream string
	buf    bytes.Buffer
}

func newLogWriter(log logr.Logger, stream string) *logWriter {
	return &logWriter{
		log:    log,
		stream: stream,
	}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.log.Info(strings.TrimRight(line, "\r\n"), "stream", w.stream)
	}
	return len(p), nil
}

func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	scanner := bufio.NewScanner(&w.buf)
	for scanner.Scan() {
		w.log.Info(scanner.Text(), "stream", w.stream)
	}
	w.buf.Reset()
}
