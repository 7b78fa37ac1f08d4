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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ecorp/shipyard/pkg/graph"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

const dependsOnAttribute = "depends_on"

var fileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "default"},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "value", Required: true},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

// Config is the parsed set of declarations of a stack.
type Config struct {
	// BaseDir is the directory relative paths in functions like file() are resolved against.
	BaseDir   string
	Variables map[string]*Variable
	Resources map[string]*Resource
	Outputs   map[string]*Output
}

type Variable struct {
	Name        string
	Default     cty.Value
	HasDefault  bool
	Description string
	Sensitive   bool
}

// Resource is a declared resource instance, addressed by <type>.<name>.
type Resource struct {
	Type       string
	Name       string
	Attributes hcl.Attributes
	// DependsOn are the explicit dependencies, declared with depends_on.
	DependsOn []string
	// References are the resources referenced by any attribute expression.
	References []string
	Variables  []string
	DeclRange  hcl.Range
}

var _ graph.Node = (*Resource)(nil)

func (r *Resource) Address() string {
	return r.Type + "." + r.Name
}

func (r *Resource) GetID() string {
	return r.Address()
}

// GetDependencies returns the union of references and explicit dependencies.
func (r *Resource) GetDependencies() []string {
	deps := append(slices.Clone(r.References), r.DependsOn...)
	slices.Sort(deps)
	return slices.Compact(deps)
}

type Output struct {
	Name        string
	Expr        hcl.Expression
	Description string
	Sensitive   bool
	References  []string
	Variables   []string
}

// Load parses all *.hcl files of a directory, *.shp.hcl included.
func Load(dir string) (*Config, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	files := make(map[string][]byte, len(matches))
	for _, match := range matches {
		content, err := os.ReadFile(match)
		if err != nil {
			return nil, err
		}
		files[match] = content
	}
	config, err := Parse(files)
	if err != nil {
		return nil, err
	}
	config.BaseDir = dir
	return config, nil
}

// Parse parses the given files, keyed by file name.
func Parse(files map[string][]byte) (*Config, error) {
	config := &Config{
		BaseDir:   ".",
		Variables: map[string]*Variable{},
		Resources: map[string]*Resource{},
		Outputs:   map[string]*Output{},
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	for _, name := range names {
		file, fileDiags := parser.ParseHCL(files[name], name)
		diags = append(diags, fileDiags...)
		if fileDiags.HasErrors() {
			continue
		}
		diags = append(diags, config.decodeFile(file)...)
	}
	if diags.HasErrors() {
		return nil, diags
	}
	if err := config.validateReferences(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) decodeFile(file *hcl.File) hcl.Diagnostics {
	content, diags := file.Body.Content(fileSchema)
	for _, block := range content.Blocks {
		switch block.Type {
		case "variable":
			diags = append(diags, config.decodeVariable(block)...)
		case "resource":
			diags = append(diags, config.decodeResource(block)...)
		case "output":
			diags = append(diags, config.decodeOutput(block)...)
		}
	}
	return diags
}

func (config *Config) decodeVariable(block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]
	if _, found := config.Variables[name]; found {
		return duplicate("variable", name, block.DefRange)
	}
	content, diags := block.Body.Content(variableSchema)
	variable := &Variable{
		Name:    name,
		Default: cty.NilVal,
	}
	if attr, found := content.Attributes["default"]; found {
		value, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		variable.Default = value
		variable.HasDefault = true
	}
	if attr, found := content.Attributes["description"]; found {
		diags = append(diags, decodeString(attr, &variable.Description)...)
	}
	if attr, found := content.Attributes["sensitive"]; found {
		diags = append(diags, decodeBool(attr, &variable.Sensitive)...)
	}
	config.Variables[name] = variable
	return diags
}

func (config *Config) decodeResource(block *hcl.Block) hcl.Diagnostics {
	resource := &Resource{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		DeclRange: block.DefRange,
	}
	if _, found := config.Resources[resource.Address()]; found {
		return duplicate("resource", resource.Address(), block.DefRange)
	}
	attrs, diags := block.Body.JustAttributes()
	if dependsOn, found := attrs[dependsOnAttribute]; found {
		delete(attrs, dependsOnAttribute)
		exprs, listDiags := hcl.ExprList(dependsOn.Expr)
		diags = append(diags, listDiags...)
		for _, expr := range exprs {
			traversal, travDiags := hcl.AbsTraversalForExpr(expr)
			diags = append(diags, travDiags...)
			if travDiags.HasErrors() {
				continue
			}
			address, err := resourceAddress(traversal)
			if err != nil {
				diags = append(diags, invalidReference(err, expr.Range()))
				continue
			}
			resource.DependsOn = append(resource.DependsOn, address)
		}
	}
	resource.Attributes = attrs
	for _, attr := range attrs {
		refs, vars, refDiags := references(attr.Expr)
		diags = append(diags, refDiags...)
		resource.References = append(resource.References, refs...)
		resource.Variables = append(resource.Variables, vars...)
	}
	resource.References = sortedUnique(resource.References)
	resource.Variables = sortedUnique(resource.Variables)
	config.Resources[resource.Address()] = resource
	return diags
}

func (config *Config) decodeOutput(block *hcl.Block) hcl.Diagnostics {
	name := block.Labels[0]
	if _, found := config.Outputs[name]; found {
		return duplicate("output", name, block.DefRange)
	}
	content, diags := block.Body.Content(outputSchema)
	if diags.HasErrors() {
		return diags
	}
	output := &Output{
		Name: name,
		Expr: content.Attributes["value"].Expr,
	}
	if attr, found := content.Attributes["description"]; found {
		diags = append(diags, decodeString(attr, &output.Description)...)
	}
	if attr, found := content.Attributes["sensitive"]; found {
		diags = append(diags, decodeBool(attr, &output.Sensitive)...)
	}
	refs, vars, refDiags := references(output.Expr)
	diags = append(diags, refDiags...)
	output.References = sortedUnique(refs)
	output.Variables = sortedUnique(vars)
	config.Outputs[name] = output
	return diags
}

func (config *Config) validateReferences() error {
	var errs []string
	check := func(owner string, vars []string) {
		for _, name := range vars {
			if _, found := config.Variables[name]; !found {
				errs = append(errs, fmt.Sprintf("%s references var.%s", owner, name))
			}
		}
	}
	for _, address := range sortedKeys(config.Resources) {
		check(address, config.Resources[address].Variables)
	}
	for _, name := range sortedKeys(config.Outputs) {
		output := config.Outputs[name]
		check("output."+name, output.Variables)
		for _, ref := range output.References {
			if _, found := config.Resources[ref]; !found {
				return fmt.Errorf("%w: output.%s references undeclared resource %s", ErrInvalidReference, name, ref)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, strings.Join(errs, ", "))
	}
	return nil
}

// Validate checks that every resource type has a registered provider.
func (config *Config) Validate(registry *Registry) error {
	for _, address := range sortedKeys(config.Resources) {
		if _, err := registry.Get(config.Resources[address].Type); err != nil {
			return fmt.Errorf("%s: %w", address, err)
		}
	}
	return nil
}

// references splits the traversals of an expression into resource addresses and variable names.
func references(expr hcl.Expression) ([]string, []string, hcl.Diagnostics) {
	var refs, vars []string
	var diags hcl.Diagnostics
	for _, traversal := range expr.Variables() {
		if traversal.RootName() == "var" {
			name, ok := attrName(traversal, 1)
			if !ok {
				diags = append(diags, invalidReference(fmt.Errorf("var requires a name"), traversal.SourceRange()))
				continue
			}
			vars = append(vars, name)
			continue
		}
		address, err := resourceAddress(traversal)
		if err != nil {
			diags = append(diags, invalidReference(err, traversal.SourceRange()))
			continue
		}
		refs = append(refs, address)
	}
	return refs, vars, diags
}

func resourceAddress(traversal hcl.Traversal) (string, error) {
	name, ok := attrName(traversal, 1)
	if !ok {
		return "", fmt.Errorf("%s is not a resource address", traversal.RootName())
	}
	return traversal.RootName() + "." + name, nil
}

func attrName(traversal hcl.Traversal, index int) (string, bool) {
	if len(traversal) <= index {
		return "", false
	}
	attr, ok := traversal[index].(hcl.TraverseAttr)
	if !ok {
		return "", false
	}
	return attr.Name, true
}

func invalidReference(err error, rng hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  ErrInvalidReference.Error(),
		Detail:   err.Error(),
		Subject:  rng.Ptr(),
	}
}

func duplicate(kind string, name string, rng hcl.Range) hcl.Diagnostics {
	return hcl.Diagnostics{
		&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("Duplicate %s", kind),
			Detail:   fmt.Sprintf("%s %s is declared more than once", kind, name),
			Subject:  rng.Ptr(),
		},
	}
}

func decodeString(attr *hcl.Attribute, target *string) hcl.Diagnostics {
	value, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return diags
	}
	if value.Type() != cty.String || value.IsNull() {
		return hcl.Diagnostics{typeMismatch(attr, "string")}
	}
	*target = value.AsString()
	return nil
}

func decodeBool(attr *hcl.Attribute, target *bool) hcl.Diagnostics {
	value, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return diags
	}
	if value.Type() != cty.Bool || value.IsNull() {
		return hcl.Diagnostics{typeMismatch(attr, "bool")}
	}
	*target = value.True()
	return nil
}

func typeMismatch(attr *hcl.Attribute, expected string) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Incorrect attribute value type",
		Detail:   fmt.Sprintf("%s must be a %s", attr.Name, expected),
		Subject:  attr.Expr.Range().Ptr(),
	}
}

func sortedUnique(items []string) []string {
	slices.Sort(items)
	return slices.Compact(items)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
