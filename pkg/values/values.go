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

package values

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"helm.sh/helm/v3/pkg/strvals"
	"sigs.k8s.io/yaml"
)

var (
	ErrUnsupportedFormat = errors.New("Unsupported values format")
	ErrNotATable         = errors.New("Value is not a table")
)

// Values is a document of configuration keys like ingress.host or service.port.
// It is consumed read-only by templates and stack declarations.
type Values map[string]interface{}

// Load reads a values document from a yaml, json or cue file.
func Load(path string) (Values, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		vals, err := Parse(content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return vals, nil
	case ".cue":
		vals, err := ParseCUE(content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// Parse reads a yaml or json document.
// An empty document results in empty Values.
func Parse(content []byte) (Values, error) {
	vals := Values{}
	if err := yaml.Unmarshal(content, &vals); err != nil {
		return nil, err
	}
	if vals == nil {
		vals = Values{}
	}
	return vals, nil
}

// ParseCUE evaluates a cue document and returns its concrete content.
func ParseCUE(content []byte) (Values, error) {
	value := cuecontext.New().CompileBytes(content)
	if err := value.Err(); err != nil {
		return nil, err
	}
	if err := value.Validate(); err != nil {
		return nil, err
	}
	vals := Values{}
	if err := value.Decode(&vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// ParseSet applies helm style --set expressions, like "ingress.host=example.com,service.port=80", onto vals.
func ParseSet(vals Values, expressions ...string) error {
	for _, expression := range expressions {
		if err := strvals.ParseInto(expression, vals); err != nil {
			return err
		}
	}
	return nil
}

// Merge deep merges overrides into a copy of base.
// Later documents win. Tables are merged recursively, every other value is replaced.
func Merge(base Values, overrides ...Values) Values {
	result := copyTable(base)
	for _, override := range overrides {
		mergeInto(result, override)
	}
	return result
}

func mergeInto(dst map[string]interface{}, src map[string]interface{}) {
	for key, srcValue := range src {
		srcTable, srcIsTable := asTable(srcValue)
		dstTable, dstIsTable := asTable(dst[key])
		if srcIsTable && dstIsTable {
			merged := copyTable(dstTable)
			mergeInto(merged, srcTable)
			dst[key] = merged
			continue
		}
		dst[key] = copyValue(srcValue)
	}
}

func copyTable(table map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(table))
	for key, value := range table {
		result[key] = copyValue(value)
	}
	return result
}

func copyValue(value interface{}) interface{} {
	switch value := value.(type) {
	case Values:
		return copyTable(value)
	case map[string]interface{}:
		return copyTable(value)
	case []interface{}:
		list := make([]interface{}, len(value))
		for i, item := range value {
			list[i] = copyValue(item)
		}
		return list
	default:
		return value
	}
}

func asTable(value interface{}) (map[string]interface{}, bool) {
	switch value := value.(type) {
	case Values:
		return value, true
	case map[string]interface{}:
		return value, true
	}
	return nil, false
}

// Lookup returns the value under a dotted path like "ingress.host".
func (vals Values) Lookup(path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(vals)
	for _, key := range strings.Split(path, ".") {
		table, ok := asTable(current)
		if !ok {
			return nil, false
		}
		current, ok = table[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Table returns the table under a dotted path.
func (vals Values) Table(path string) (Values, error) {
	value, found := vals.Lookup(path)
	if !found {
		return nil, fmt.Errorf("%w: %s not found", ErrNotATable, path)
	}
	table, ok := asTable(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrNotATable, path, value)
	}
	return table, nil
}

// AsMap returns the plain map representation, as expected by helm and text/template.
func (vals Values) AsMap() map[string]interface{} {
	return copyTable(vals)
}
