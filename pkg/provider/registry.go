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

package provider

import (
	"context"
	"sync"

	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/provider/google"
	"github.com/ecorp/shipyard/pkg/provider/helm"
	"github.com/ecorp/shipyard/pkg/provider/kubernetes"
	"github.com/ecorp/shipyard/pkg/provider/local"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/go-logr/logr"
	"google.golang.org/api/option"
)

type Options struct {
	Log logr.Logger

	// BaseDir resolves relative local file names.
	BaseDir string

	FieldManager string

	// HelmCacheDir stores pulled chart archives.
	HelmCacheDir string

	// KubeClient is created from the kubeconfig of the environment, unless set.
	KubeClient func() (kube.Client, error)

	// HelmActionConfig defaults to the kubeconfig of the environment.
	HelmActionConfig helm.ActionConfigFactory

	// GoogleOptions configure the compute API client.
	GoogleOptions []option.ClientOption
}

// NewRegistry registers every built-in resource type.
// Kubernetes and Google clients are created on first use,
// so stacks not using them work without credentials.
func NewRegistry(ctx context.Context, opts Options) *stack.Registry {
	if opts.KubeClient == nil {
		opts.KubeClient = func() (kube.Client, error) {
			return kube.NewClientFromKubeconfig()
		}
	}
	if opts.HelmActionConfig == nil {
		opts.HelmActionConfig = helm.NewActionConfigFactory(opts.Log)
	}
	if opts.FieldManager == "" {
		opts.FieldManager = kube.FieldManager
	}

	registry := stack.NewRegistry()
	registry.Register(local.FileResourceType, &local.FileProvider{BaseDir: opts.BaseDir})
	registry.Register(helm.ResourceType, &helm.ReleaseProvider{
		Log:          opts.Log,
		ActionConfig: opts.HelmActionConfig,
		CacheDir:     opts.HelmCacheDir,
	})

	kubeClient := sync.OnceValues(opts.KubeClient)
	registry.Register(kubernetes.ManifestResourceType, Lazy(func() (stack.Provider, error) {
		client, err := kubeClient()
		if err != nil {
			return nil, err
		}
		return &kubernetes.ManifestProvider{Log: opts.Log, Client: client, FieldManager: opts.FieldManager}, nil
	}))
	registry.Register(kubernetes.ChartResourceType, LazyDigester(func() (stack.Provider, error) {
		client, err := kubeClient()
		if err != nil {
			return nil, err
		}
		return &kubernetes.ChartProvider{Log: opts.Log, Client: client, FieldManager: opts.FieldManager}, nil
	}, func(_ context.Context, req stack.ResourceRequest) (string, error) {
		return kubernetes.DigestChart(req)
	}))

	// the client outlives the ctx of the first call
	computeCtx := context.WithoutCancel(ctx)
	compute := sync.OnceValues(func() (*google.Compute, error) {
		return google.NewCompute(computeCtx, opts.Log, opts.GoogleOptions...)
	})
	registry.Register(google.InstanceResourceType, Lazy(func() (stack.Provider, error) {
		c, err := compute()
		if err != nil {
			return nil, err
		}
		return &google.InstanceProvider{Compute: c}, nil
	}))
	registry.Register(google.FirewallResourceType, Lazy(func() (stack.Provider, error) {
		c, err := compute()
		if err != nil {
			return nil, err
		}
		return &google.FirewallProvider{Compute: c}, nil
	}))
	registry.Register(google.AddressResourceType, Lazy(func() (stack.Provider, error) {
		c, err := compute()
		if err != nil {
			return nil, err
		}
		return &google.AddressProvider{Compute: c}, nil
	}))
	return registry
}

type lazyProvider struct {
	get func() (stack.Provider, error)
}

var _ stack.Provider = (*lazyProvider)(nil)

// Lazy defers creating a provider until one of its operations is called.
// A failed initialization fails every call.
func Lazy(init func() (stack.Provider, error)) stack.Provider {
	return &lazyProvider{get: sync.OnceValues(init)}
}

func (provider *lazyProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	p, err := provider.get()
	if err != nil {
		return nil, err
	}
	return p.Create(ctx, req)
}

func (provider *lazyProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	p, err := provider.get()
	if err != nil {
		return nil, err
	}
	return p.Update(ctx, req)
}

func (provider *lazyProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	p, err := provider.get()
	if err != nil {
		return err
	}
	return p.Delete(ctx, req)
}

type lazyDigester struct {
	*lazyProvider
	digest func(ctx context.Context, req stack.ResourceRequest) (string, error)
}

var _ stack.InputDigester = (*lazyDigester)(nil)

// LazyDigester is Lazy for providers implementing stack.InputDigester.
// Digesting does not initialize the provider, so planning works without a connection.
func LazyDigester(
	init func() (stack.Provider, error),
	digest func(ctx context.Context, req stack.ResourceRequest) (string, error),
) stack.Provider {
	return &lazyDigester{
		lazyProvider: &lazyProvider{get: sync.OnceValues(init)},
		digest:       digest,
	}
}

func (provider *lazyDigester) DigestInputs(ctx context.Context, req stack.ResourceRequest) (string, error) {
	return provider.digest(ctx, req)
}
