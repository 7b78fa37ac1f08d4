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
	"context"
	"fmt"
	"slices"
	"sync"
)

// ResourceRequest is what a provider receives for a single resource instance.
type ResourceRequest struct {
	// Address is <type>.<name>.
	Address string
	Type    string
	Name    string
	// Inputs are the evaluated, fully known attributes of the declaration.
	// On delete these are the inputs recorded in the state.
	Inputs map[string]interface{}
	// PriorInputs and PriorOutputs are empty on create.
	PriorInputs  map[string]interface{}
	PriorOutputs map[string]interface{}
}

// Provider reconciles one resource type.
// Create and Update return the outputs of the resource, which other resources can reference.
type Provider interface {
	Create(ctx context.Context, req ResourceRequest) (map[string]interface{}, error)
	Update(ctx context.Context, req ResourceRequest) (map[string]interface{}, error)
	Delete(ctx context.Context, req ResourceRequest) error
}

// InputDigester is implemented by providers whose resources depend on more than their declared inputs,
// like files referenced by path. A changed digest plans an update.
// DigestInputs must not change any remote object.
type InputDigester interface {
	DigestInputs(ctx context.Context, req ResourceRequest) (string, error)
}

// resourceDigest digests the inputs of a request together with the external digest of its provider, if any.
func resourceDigest(ctx context.Context, provider Provider, req ResourceRequest) (string, error) {
	inputsDigest, err := digest(req.Inputs)
	if err != nil {
		return "", err
	}
	digester, ok := provider.(InputDigester)
	if !ok {
		return inputsDigest, nil
	}
	external, err := digester.DigestInputs(ctx, req)
	if err != nil {
		return "", err
	}
	return digest(map[string]interface{}{
		"inputs":   inputsDigest,
		"external": external,
	})
}

// Registry maps resource types to their providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: map[string]Provider{},
	}
}

func (registry *Registry) Register(resourceType string, provider Provider) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.providers[resourceType] = provider
}

func (registry *Registry) Get(resourceType string) (Provider, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	provider, found := registry.providers[resourceType]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, resourceType)
	}
	return provider, nil
}

func (registry *Registry) Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	types := make([]string, 0, len(registry.providers))
	for resourceType := range registry.providers {
		types = append(types, resourceType)
	}
	slices.Sort(types)
	return types
}
