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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/ecorp/shipyard/pkg/values"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	helmEngine "helm.sh/helm/v3/pkg/engine"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

// Release identifies the installation a chart is rendered for.
type Release struct {
	Name      string
	Namespace string
}

// Manifest is a single rendered Kubernetes object.
type Manifest struct {
	// Template is the chart qualified name of the template which produced the object, like app/templates/ingress.yaml.
	Template string
	// Content is the rendered YAML document as produced by the template.
	Content []byte
	Object  *unstructured.Unstructured
}

// Result is the ordered set of manifests produced by a render.
type Result struct {
	Manifests []Manifest
}

// Bytes joins all manifests into one multi document YAML stream.
func (result *Result) Bytes() []byte {
	buf := &bytes.Buffer{}
	for _, manifest := range result.Manifests {
		buf.WriteString("---\n# Source: ")
		buf.WriteString(manifest.Template)
		buf.WriteString("\n")
		buf.Write(manifest.Content)
	}
	return buf.Bytes()
}

// Objects returns the decoded objects of all manifests.
func (result *Result) Objects() []*unstructured.Unstructured {
	objects := make([]*unstructured.Unstructured, 0, len(result.Manifests))
	for _, manifest := range result.Manifests {
		objects = append(objects, manifest.Object)
	}
	return objects
}

// Engine renders chart templates with a values document through Helm's template engine.
// Rendering is a pure, single pass transformation: equal inputs produce byte identical results.
type Engine struct {
	// Strict fails rendering with a MissingValueError on every access to an absent key.
	// Otherwise only the required function reports missing values.
	Strict bool
}

// Render coalesces the chart default values with vals and renders every template of the chart and its enabled dependencies.
// Manifests are ordered by template name, partials and NOTES.txt are dropped.
func (engine Engine) Render(chrt *chart.Chart, release Release, vals values.Values) (*Result, error) {
	if release.Name == "" {
		release.Name = chrt.Name()
	}
	if release.Namespace == "" {
		release.Namespace = "default"
	}
	if err := chartutil.ProcessDependencies(chrt, vals.AsMap()); err != nil {
		return nil, &RenderError{Template: chrt.Name(), Err: err}
	}
	renderValues, err := chartutil.ToRenderValues(chrt, vals.AsMap(), chartutil.ReleaseOptions{
		Name:      release.Name,
		Namespace: release.Namespace,
		Revision:  1,
		IsInstall: true,
	}, nil)
	if err != nil {
		return nil, &RenderError{Template: chrt.Name(), Err: err}
	}

	rendered, err := helmEngine.Engine{Strict: engine.Strict}.Render(chrt, renderValues)
	if err != nil {
		return nil, classify(chrt.Name(), err)
	}

	names := make([]string, 0, len(rendered))
	for name := range rendered {
		if isPartial(name) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	result := &Result{}
	for _, name := range names {
		manifests, err := splitManifests(name, rendered[name])
		if err != nil {
			return nil, err
		}
		result.Manifests = append(result.Manifests, manifests...)
	}
	return result, nil
}

func isPartial(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "_") || strings.HasSuffix(base, ".txt")
}

// splitManifests splits a rendered template into its YAML documents and decodes them.
// Documents containing only whitespace or comments are dropped.
func splitManifests(templateName string, output string) ([]Manifest, error) {
	reader := k8syaml.NewYAMLReader(bufio.NewReader(strings.NewReader(output)))
	manifests := []Manifest{}
	for {
		doc, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &RenderError{Template: templateName, Err: err}
		}
		content := strings.TrimSpace(string(doc))
		content = strings.TrimPrefix(content, "---")
		content = strings.Trim(content, "\n")
		if isBlank(content) {
			continue
		}
		obj := map[string]interface{}{}
		if err := yaml.Unmarshal([]byte(content), &obj); err != nil {
			return nil, &RenderError{Template: templateName, Err: err}
		}
		if len(obj) == 0 {
			continue
		}
		if obj["kind"] == nil || obj["apiVersion"] == nil {
			return nil, &RenderError{
				Template: templateName,
				Err:      fmt.Errorf("manifest is missing kind or apiVersion"),
			}
		}
		jsonContent, err := yaml.YAMLToJSON([]byte(content))
		if err != nil {
			return nil, &RenderError{Template: templateName, Err: err}
		}
		unstr := &unstructured.Unstructured{}
		if err := unstr.UnmarshalJSON(jsonContent); err != nil {
			return nil, &RenderError{Template: templateName, Err: err}
		}
		manifests = append(manifests, Manifest{
			Template: templateName,
			Content:  []byte(content + "\n"),
			Object:   unstr,
		})
	}
	return manifests, nil
}

func isBlank(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return true
}
