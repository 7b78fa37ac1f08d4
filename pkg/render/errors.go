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

package render

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrMissingValue = errors.New("Missing value")
	ErrRender       = errors.New("Render failed")
)

// MissingValueError is returned when a template requires a value the values document does not provide.
type MissingValueError struct {
	Template string
	// Key is the absent key, if known.
	Key string
	// Message is the message passed to the required function, if any.
	Message string
}

func (err *MissingValueError) Error() string {
	subject := err.Message
	if subject == "" {
		subject = fmt.Sprintf("key %q not found", err.Key)
	}
	if err.Template == "" {
		return fmt.Sprintf("%s: %s", ErrMissingValue, subject)
	}
	return fmt.Sprintf("%s in %s: %s", ErrMissingValue, err.Template, subject)
}

func (err *MissingValueError) Is(target error) bool {
	return target == ErrMissingValue
}

// RenderError is returned when a template can't be parsed or executed
// or when its output is not a valid YAML manifest.
type RenderError struct {
	Template string
	Err      error
}

func (err *RenderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRender, err.Template, err.Err)
}

func (err *RenderError) Unwrap() error {
	return err.Err
}

func (err *RenderError) Is(target error) bool {
	return target == ErrRender
}

var (
	missingKeyPattern = regexp.MustCompile(`map has no entry for key "([^"]+)"`)
	nilPointerPattern = regexp.MustCompile(`nil pointer evaluating interface \{\}\.(\w+)`)
	// Helm reports failed required calls as "execution error at (<template>:<line>:<col>): <message>".
	requiredPattern = regexp.MustCompile(`execution error at \(([^:()]+)(?::\d+)*\): (.*)`)
	locationPattern = regexp.MustCompile(`(?:template: |at \()([^:()"]+):\d+`)
)

// classify converts Helm engine errors into MissingValueError or RenderError.
// The engine flattens template errors into messages, so they are matched by text.
func classify(chartName string, err error) error {
	message := err.Error()
	templateName := chartName
	if match := locationPattern.FindStringSubmatch(message); match != nil {
		templateName = match[1]
	}
	if match := requiredPattern.FindStringSubmatch(message); match != nil {
		return &MissingValueError{Template: match[1], Message: match[2]}
	}
	if match := missingKeyPattern.FindStringSubmatch(message); match != nil {
		return &MissingValueError{Template: templateName, Key: match[1]}
	}
	if match := nilPointerPattern.FindStringSubmatch(message); match != nil {
		return &MissingValueError{Template: templateName, Key: match[1]}
	}
	return &RenderError{Template: templateName, Err: err}
}
