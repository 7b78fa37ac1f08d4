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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// UnknownValue is shown in place of values which are only known after apply.
const UnknownValue = "(known after apply)"

// scope holds the values expressions are evaluated against.
// Resource values are set concurrently during apply.
type scope struct {
	mu        sync.RWMutex
	variables map[string]cty.Value
	resources map[string]map[string]cty.Value
	functions map[string]function.Function
}

func newScope(baseDir string, variables map[string]cty.Value) *scope {
	return &scope{
		variables: variables,
		resources: map[string]map[string]cty.Value{},
		functions: functions(baseDir),
	}
}

func (sc *scope) set(resourceType string, name string, value cty.Value) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	byName, found := sc.resources[resourceType]
	if !found {
		byName = map[string]cty.Value{}
		sc.resources[resourceType] = byName
	}
	byName[name] = value
}

func (sc *scope) evalContext() *hcl.EvalContext {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	vars := map[string]cty.Value{
		"var": objectVal(sc.variables),
	}
	for resourceType, byName := range sc.resources {
		vars[resourceType] = objectVal(byName)
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: sc.functions,
	}
}

// evalAttributes evaluates the inputs of a resource.
// The result is an object value, which may contain unknown values.
func (sc *scope) evalAttributes(attrs hcl.Attributes) (cty.Value, error) {
	ctx := sc.evalContext()
	values := make(map[string]cty.Value, len(attrs))
	var diags hcl.Diagnostics
	for name, attr := range attrs {
		value, valDiags := attr.Expr.Value(ctx)
		diags = append(diags, valDiags...)
		values[name] = value
	}
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return objectVal(values), nil
}

func (sc *scope) eval(expr hcl.Expression) (cty.Value, error) {
	value, diags := expr.Value(sc.evalContext())
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return value, nil
}

func objectVal(attrs map[string]cty.Value) cty.Value {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(attrs)
}

// resourceValue is the value a resource exposes to references: its inputs overlaid by its outputs.
func resourceValue(inputs map[string]interface{}, outputs map[string]interface{}) (cty.Value, error) {
	merged := make(map[string]interface{}, len(inputs)+len(outputs))
	for key, value := range inputs {
		merged[key] = value
	}
	for key, value := range outputs {
		merged[key] = value
	}
	return toCty(merged)
}

func functions(baseDir string) map[string]function.Function {
	return map[string]function.Function{
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"join":       stdlib.JoinFunc,
		"format":     stdlib.FormatFunc,
		"concat":     stdlib.ConcatFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"length":     stdlib.LengthFunc,
		"merge":      stdlib.MergeFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"file":       fileFunc(baseDir),
	}
}

func fileFunc(baseDir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			path := args[0].AsString()
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(string(content)), nil
		},
	})
}

// toGo converts a cty value into plain Go values.
// Unknown values become UnknownValue.
func toGo(value cty.Value) interface{} {
	value, _ = value.UnmarkDeep()
	if !value.IsKnown() {
		return UnknownValue
	}
	if value.IsNull() {
		return nil
	}
	ty := value.Type()
	switch {
	case ty == cty.String:
		return value.AsString()
	case ty == cty.Bool:
		return value.True()
	case ty == cty.Number:
		bf := value.AsBigFloat()
		if bf.IsInt() {
			if i, accuracy := bf.Int64(); accuracy == big.Exact {
				return i
			}
		}
		f, _ := bf.Float64()
		return f
	case ty.IsListType(), ty.IsTupleType(), ty.IsSetType():
		list := make([]interface{}, 0, value.LengthInt())
		for it := value.ElementIterator(); it.Next(); {
			_, element := it.Element()
			list = append(list, toGo(element))
		}
		return list
	case ty.IsMapType(), ty.IsObjectType():
		table := make(map[string]interface{}, value.LengthInt())
		for it := value.ElementIterator(); it.Next(); {
			key, element := it.Element()
			table[key.AsString()] = toGo(element)
		}
		return table
	}
	return nil
}

func toGoMap(value cty.Value) map[string]interface{} {
	table, ok := toGo(value).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return table
}

// toCty converts plain Go values, as they are decoded from JSON, into cty values.
func toCty(value interface{}) (cty.Value, error) {
	switch v := value.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return v, nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int32:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float32:
		return cty.NumberFloatVal(float64(v)), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case json.Number:
		return cty.ParseNumberVal(v.String())
	case []string:
		list := make([]interface{}, 0, len(v))
		for _, item := range v {
			list = append(list, item)
		}
		return toCty(list)
	case []interface{}:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elements := make([]cty.Value, 0, len(v))
		for _, item := range v {
			element, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			elements = append(elements, element)
		}
		return cty.TupleVal(elements), nil
	case map[string]string:
		table := make(map[string]interface{}, len(v))
		for key, item := range v {
			table[key] = item
		}
		return toCty(table)
	case map[string]interface{}:
		attrs := make(map[string]cty.Value, len(v))
		for key, item := range v {
			attr, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = attr
		}
		return objectVal(attrs), nil
	}
	content, err := json.Marshal(value)
	if err != nil {
		return cty.NilVal, err
	}
	var generic interface{}
	if err := json.Unmarshal(content, &generic); err != nil {
		return cty.NilVal, err
	}
	return toCty(generic)
}

// digest hashes the canonical JSON encoding of resource inputs.
// Map keys are sorted by encoding/json, and numbers encode the same whether they are int64 or float64.
func digest(inputs map[string]interface{}) (string, error) {
	content, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// ParseVariables parses name=value assignments.
// Values are converted to the type of the variable default during planning.
func ParseVariables(assignments ...string) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(assignments))
	for _, assignment := range assignments {
		name, value, found := strings.Cut(assignment, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: invalid assignment %q, expected name=value", ErrUnknownVariable, assignment)
		}
		vars[name] = cty.StringVal(value)
	}
	return vars, nil
}

// VariablesFromMap converts a decoded document, e.g. a values file, into variable assignments.
func VariablesFromMap(table map[string]interface{}) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(table))
	for name, value := range table {
		ctyValue, err := toCty(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		vars[name] = ctyValue
	}
	return vars, nil
}

// resolveVariables combines the declared defaults with the given assignments.
func resolveVariables(declared map[string]*Variable, assigned map[string]cty.Value) (map[string]cty.Value, error) {
	for _, name := range sortedKeys(assigned) {
		if _, found := declared[name]; !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
	}
	resolved := make(map[string]cty.Value, len(declared))
	var missing []string
	for _, name := range sortedKeys(declared) {
		variable := declared[name]
		value, assignedFound := assigned[name]
		switch {
		case assignedFound && variable.HasDefault && !variable.Default.IsNull():
			converted, err := convert.Convert(value, variable.Default.Type())
			if err != nil {
				return nil, fmt.Errorf("var.%s: %w", name, err)
			}
			resolved[name] = converted
		case assignedFound:
			resolved[name] = value
		case variable.HasDefault:
			resolved[name] = variable.Default
		default:
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}
	return resolved, nil
}
