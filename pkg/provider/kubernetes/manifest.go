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
	"fmt"

	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const ManifestResourceType = "kubernetes_manifest"

type manifestInputs struct {
	Manifest map[string]interface{} `input:"manifest"`
}

// ManifestProvider applies a single Kubernetes object.
type ManifestProvider struct {
	Log    logr.Logger
	Client kube.Client
	// Managers identify distinct workflows that are modifying the object.
	FieldManager string
}

var _ stack.Provider = (*ManifestProvider)(nil)

func (provider *ManifestProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	return provider.apply(ctx, req)
}

func (provider *ManifestProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	if len(req.PriorInputs) > 0 {
		prior, err := decodeManifest(req.PriorInputs)
		if err != nil {
			return nil, err
		}
		desired, err := decodeManifest(req.Inputs)
		if err != nil {
			return nil, err
		}
		// identity changed, the old object would be orphaned otherwise
		if kube.ObjectKey(prior) != kube.ObjectKey(desired) {
			provider.Log.Info("Replacing object", "old", kube.ObjectKey(prior), "new", kube.ObjectKey(desired))
			if err := provider.Client.Delete(ctx, prior); err != nil {
				return nil, err
			}
		}
	}
	return provider.apply(ctx, req)
}

func (provider *ManifestProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	obj, err := decodeManifest(req.Inputs)
	if err != nil {
		return err
	}
	provider.Log.Info("Deleting object", "object", kube.ObjectKey(obj))
	return provider.Client.Delete(ctx, obj)
}

func (provider *ManifestProvider) apply(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	obj, err := decodeManifest(req.Inputs)
	if err != nil {
		return nil, err
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
	applied, err := provider.Client.Apply(ctx, obj, fieldManager(provider.FieldManager))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"uid":              string(applied.GetUID()),
		"name":             applied.GetName(),
		"namespace":        applied.GetNamespace(),
		"resource_version": applied.GetResourceVersion(),
		"key":              kube.ObjectKey(applied),
	}, nil
}

func decodeManifest(inputs map[string]interface{}) (*unstructured.Unstructured, error) {
	decoded := &manifestInputs{}
	if err := stack.DecodeInputs(inputs, decoded); err != nil {
		return nil, err
	}
	obj := &unstructured.Unstructured{Object: decoded.Manifest}
	if obj.GetKind() == "" || obj.GetAPIVersion() == "" || obj.GetName() == "" {
		return nil, fmt.Errorf("manifest requires apiVersion, kind and metadata.name")
	}
	return obj, nil
}

func fieldManager(name string) string {
	if name == "" {
		return kube.FieldManager
	}
	return name
}
