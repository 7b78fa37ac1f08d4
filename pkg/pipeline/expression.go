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
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrUnknownSecret     = errors.New("Unknown secret")
	ErrInvalidExpression = errors.New("Invalid expression")
)

var expressionPattern = regexp.MustCompile(`\$\{\{\s*([^}]*?)\s*\}\}`)

// GitContext is exposed to expressions as github.*.
type GitContext struct {
	SHA        string
	ShortSHA   string
	Ref        string
	RefName    string
	Repository string
	EventName  string
	Actor      string
}

func (git GitContext) lookup(key string) (string, bool) {
	switch key {
	case "sha":
		return git.SHA, true
	case "short_sha":
		return git.ShortSHA, true
	case "ref":
		return git.Ref, true
	case "ref_name":
		return git.RefName, true
	case "repository":
		return git.Repository, true
	case "event_name":
		return git.EventName, true
	case "actor":
		return git.Actor, true
	}
	return "", false
}

// Expressions resolves ${{ ... }} placeholders.
type Expressions struct {
	Secrets map[string]string
	Env     map[string]string
	GitHub  GitContext
}

// Expand replaces every placeholder in s.
// Unknown env entries expand to the empty string, unknown secrets fail.
func (expressions Expressions) Expand(s string) (string, error) {
	var errs []error
	expanded := expressionPattern.ReplaceAllStringFunc(s, func(match string) string {
		expression := expressionPattern.FindStringSubmatch(match)[1]
		value, err := expressions.evaluate(expression)
		if err != nil {
			errs = append(errs, err)
			return match
		}
		return value
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return expanded, nil
}

func (expressions Expressions) ExpandMap(values map[string]string) (map[string]string, error) {
	expanded := make(map[string]string, len(values))
	for key, value := range values {
		v, err := expressions.Expand(value)
		if err != nil {
			return nil, err
		}
		expanded[key] = v
	}
	return expanded, nil
}

func (expressions Expressions) evaluate(expression string) (string, error) {
	scope, key, found := strings.Cut(expression, ".")
	if !found || key == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidExpression, expression)
	}
	switch scope {
	case "secrets":
		value, found := expressions.Secrets[key]
		if !found {
			return "", fmt.Errorf("%w: %s", ErrUnknownSecret, key)
		}
		return value, nil
	case "env":
		return expressions.Env[key], nil
	case "github":
		value, found := expressions.GitHub.lookup(key)
		if !found {
			return "", fmt.Errorf("%w: unknown github context %s", ErrInvalidExpression, key)
		}
		return value, nil
	}
	return "", fmt.Errorf("%w: unknown context %s", ErrInvalidExpression, scope)
}

// SecretNames returns the secrets referenced anywhere in the workflow.
func (workflow *Workflow) SecretNames() []string {
	names := []string{}
	collect := func(s string) {
		for _, match := range expressionPattern.FindAllStringSubmatch(s, -1) {
			scope, key, found := strings.Cut(match[1], ".")
			if found && scope == "secrets" && !slices.Contains(names, key) {
				names = append(names, key)
			}
		}
	}
	collectMap := func(m map[string]string) {
		for _, value := range m {
			collect(value)
		}
	}
	collectMap(workflow.Env)
	for _, job := range workflow.Jobs {
		collectMap(job.Env)
		for _, step := range job.Steps {
			collect(step.Run)
			collect(step.WorkingDirectory)
			collectMap(step.With)
			collectMap(step.Env)
		}
	}
	slices.Sort(names)
	return names
}

// CollectSecrets resolves the referenced secrets, preferring the decrypted secrets file over the environment.
// Secrets found in neither stay absent and fail on expansion.
func CollectSecrets(
	workflow *Workflow,
	file map[string]string,
	lookupEnv func(string) (string, bool),
) map[string]string {
	secrets := map[string]string{}
	for _, name := range workflow.SecretNames() {
		if value, found := file[name]; found {
			secrets[name] = value
			continue
		}
		if lookupEnv == nil {
			continue
		}
		if value, found := lookupEnv(name); found {
			secrets[name] = value
		}
	}
	return secrets
}
