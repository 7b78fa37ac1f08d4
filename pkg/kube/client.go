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

package kube

import (
	"context"

	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

const (
	FieldManager = "shipyard"
)

// Client connects to a Kubernetes cluster to create, read, update and delete unstructured manifests/objects.
type Client interface {
	// Apply creates the object or updates it, if it already exists, and returns the object as stored by the cluster.
	Apply(ctx context.Context, obj *unstructured.Unstructured, fieldManager string) (*unstructured.Unstructured, error)
	// Get returns the current state of the object identified by kind, apiVersion, name and namespace.
	Get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, obj *unstructured.Unstructured) error
	// IsNamespaced reports whether the kind of the object is namespace scoped, as known by the cluster.
	IsNamespaced(obj *unstructured.Unstructured) (bool, error)
}

// ControllerClient implements Client on top of a controller-runtime client.
type ControllerClient struct {
	client client.Client
}

var _ Client = (*ControllerClient)(nil)

func NewControllerClient(c client.Client) *ControllerClient {
	return &ControllerClient{
		client: c,
	}
}

// NewRuntimeClient builds a controller-runtime client for the given rest config, with the client-go scheme registered.
func NewRuntimeClient(cfg *rest.Config) (client.Client, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	return client.New(cfg, client.Options{Scheme: scheme})
}

// NewClient builds a Client for the given rest config.
func NewClient(cfg *rest.Config) (*ControllerClient, error) {
	c, err := NewRuntimeClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewControllerClient(c), nil
}

// LoadConfig resolves the kubeconfig the same way kubectl does
// (--kubeconfig flag, KUBECONFIG, in-cluster, $HOME/.kube/config).
func LoadConfig() (*rest.Config, error) {
	return config.GetConfig()
}

// NewClientFromKubeconfig builds a Client for the kubeconfig resolved by LoadConfig.
func NewClientFromKubeconfig() (*ControllerClient, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

func (c *ControllerClient) Apply(
	ctx context.Context,
	obj *unstructured.Unstructured,
	fieldManager string,
) (*unstructured.Unstructured, error) {
	desired := obj.DeepCopy()
	existing, err := c.Get(ctx, desired)
	if err != nil {
		if !k8sErrors.IsNotFound(err) {
			return nil, err
		}
		if err := c.client.Create(ctx, desired, client.FieldOwner(fieldManager)); err != nil {
			return nil, err
		}
		return desired, nil
	}
	desired.SetResourceVersion(existing.GetResourceVersion())
	if err := c.client.Update(ctx, desired, client.FieldOwner(fieldManager)); err != nil {
		return nil, err
	}
	return desired, nil
}

func (c *ControllerClient) Get(
	ctx context.Context,
	obj *unstructured.Unstructured,
) (*unstructured.Unstructured, error) {
	current := &unstructured.Unstructured{}
	current.SetGroupVersionKind(obj.GroupVersionKind())
	if err := c.client.Get(ctx, client.ObjectKeyFromObject(obj), current); err != nil {
		return nil, err
	}
	return current, nil
}

func (c *ControllerClient) Delete(
	ctx context.Context,
	obj *unstructured.Unstructured,
) error {
	target := &unstructured.Unstructured{}
	target.SetGroupVersionKind(obj.GroupVersionKind())
	target.SetName(obj.GetName())
	target.SetNamespace(obj.GetNamespace())
	if err := c.client.Delete(ctx, target); err != nil {
		return client.IgnoreNotFound(err)
	}
	return nil
}

func (c *ControllerClient) IsNamespaced(obj *unstructured.Unstructured) (bool, error) {
	return c.client.IsObjectNamespaced(obj)
}
