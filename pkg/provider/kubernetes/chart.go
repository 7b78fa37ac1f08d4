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

package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/render"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/ecorp/shipyard/pkg/values"
	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/chart"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const ChartResourceType = "chart"

type chartInputs struct {
	// Release defaults to the resource name.
	Release   string                 `input:"release"`
	Namespace string                 `input:"namespace"`
	Path      string                 `input:"path"`
	Values    map[string]interface{} `input:"values"`
	Strict    bool                   `input:"strict"`
}

// ChartProvider renders a chart and applies every rendered object.
// Objects rendered by a previous apply but not anymore are deleted.
type ChartProvider struct {
	Log          logr.Logger
	Client       kube.Client
	FieldManager string
}

var (
	_ stack.Provider      = (*ChartProvider)(nil)
	_ stack.InputDigester = (*ChartProvider)(nil)
)

func (provider *ChartProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	return provider.reconcile(ctx, req)
}

func (provider *ChartProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	return provider.reconcile(ctx, req)
}

func (provider *ChartProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	return provider.collect(ctx, priorObjects(req.PriorOutputs), nil)
}

// DigestInputs digests the files of the referenced chart, so that changing a template plans an update.
func (provider *ChartProvider) DigestInputs(_ context.Context, req stack.ResourceRequest) (string, error) {
	return DigestChart(req)
}

// DigestChart loads the chart referenced by the inputs of a chart resource and digests its files.
// It does not need a cluster.
func DigestChart(req stack.ResourceRequest) (string, error) {
	inputs := &chartInputs{}
	if err := stack.DecodeInputs(req.Inputs, inputs); err != nil {
		return "", err
	}
	chrt, err := render.LoadChart(inputs.Path)
	if err != nil {
		return "", err
	}
	hash := sha256.New()
	writeChart(hash, "", chrt)
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func writeChart(w io.Writer, prefix string, chrt *chart.Chart) {
	files := make([]*chart.File, 0, len(chrt.Raw)+len(chrt.Templates)+len(chrt.Files))
	files = append(files, chrt.Raw...)
	files = append(files, chrt.Templates...)
	files = append(files, chrt.Files...)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	if chrt.Metadata != nil {
		fmt.Fprintf(w, "%smetadata %s %s\n", prefix, chrt.Metadata.Name, chrt.Metadata.Version)
	}
	for _, file := range files {
		fmt.Fprintf(w, "%s%s %d\n", prefix, file.Name, len(file.Data))
		_, _ = w.Write(file.Data)
	}
	for _, dep := range chrt.Dependencies() {
		writeChart(w, prefix+dep.Name()+"/", dep)
	}
}

func (provider *ChartProvider) reconcile(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	inputs := &chartInputs{}
	if err := stack.DecodeInputs(req.Inputs, inputs); err != nil {
		return nil, err
	}
	if inputs.Release == "" {
		inputs.Release = req.Name
	}
	if inputs.Namespace == "" {
		inputs.Namespace = "default"
	}

	chrt, err := render.LoadChart(inputs.Path)
	if err != nil {
		return nil, err
	}
	engine := render.Engine{Strict: inputs.Strict}
	result, err := engine.Render(chrt, render.Release{
		Name:      inputs.Release,
		Namespace: inputs.Namespace,
	}, values.Values(inputs.Values))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(result.Manifests))
	for _, obj := range result.Objects() {
		if obj.GetNamespace() == "" {
			namespaced, err := provider.isNamespaced(obj)
			if err != nil {
				return nil, err
			}
			if namespaced {
				obj.SetNamespace(inputs.Namespace)
			}
		}
		provider.Log.V(1).Info(
			"Applying manifest",
			"namespace",
			obj.GetNamespace(),
			"name",
			obj.GetName(),
			"kind",
			obj.GetKind(),
		)
		if _, err := provider.Client.Apply(ctx, obj, fieldManager(provider.FieldManager)); err != nil {
			return nil, err
		}
		keys = append(keys, kube.ObjectKey(obj))
	}

	if err := provider.collect(ctx, priorObjects(req.PriorOutputs), keys); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(result.Bytes())
	objects := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		objects = append(objects, key)
	}
	return map[string]interface{}{
		"digest":  hex.EncodeToString(sum[:]),
		"objects": objects,
	}, nil
}

// collect deletes all prior objects which are not kept, in reverse apply order.
func (provider *ChartProvider) collect(ctx context.Context, prior []string, keep []string) error {
	var errs []error
	for i := len(prior) - 1; i >= 0; i-- {
		key := prior[i]
		if slices.Contains(keep, key) {
			continue
		}
		obj, err := kube.ObjectFromKey(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		provider.Log.Info("Collecting unreferenced object", "object", key)
		if err := provider.Client.Delete(ctx, obj); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func priorObjects(outputs map[string]interface{}) []string {
	list, _ := outputs["objects"].([]interface{})
	keys := make([]string, 0, len(list))
	for _, item := range list {
		if key, ok := item.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// isNamespaced asks the cluster for the scope of the object.
// Kinds the cluster does not know yet, like custom resources of a definition in the same chart, are namespaced.
func (provider *ChartProvider) isNamespaced(obj *unstructured.Unstructured) (bool, error) {
	namespaced, err := provider.Client.IsNamespaced(obj)
	if err != nil {
		if meta.IsNoMatchError(err) {
			return true, nil
		}
		return false, err
	}
	return namespaced, nil
}
