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

package google

import (
	"context"
	"fmt"

	"github.com/ecorp/shipyard/pkg/stack"
	compute "google.golang.org/api/compute/v1"
)

type firewallAllow struct {
	Protocol string   `input:"protocol"`
	Ports    []string `input:"ports"`
}

type firewallInputs struct {
	Project      string          `input:"project"`
	Name         string          `input:"name"`
	Network      string          `input:"network"`
	Description  string          `input:"description"`
	Allow        []firewallAllow `input:"allow"`
	SourceRanges []string        `input:"source_ranges"`
	TargetTags   []string        `input:"target_tags"`
}

func decodeFirewall(inputs map[string]interface{}) (*firewallInputs, error) {
	in := &firewallInputs{}
	if err := stack.DecodeInputs(inputs, in); err != nil {
		return nil, err
	}
	if in.Project == "" || in.Name == "" {
		return nil, fmt.Errorf("project and name are required")
	}
	if in.Network == "" {
		in.Network = defaultNetwork
	}
	return in, nil
}

func (in *firewallInputs) firewall() *compute.Firewall {
	allowed := make([]*compute.FirewallAllowed, 0, len(in.Allow))
	for _, allow := range in.Allow {
		allowed = append(allowed, &compute.FirewallAllowed{
			IPProtocol: allow.Protocol,
			Ports:      allow.Ports,
		})
	}
	return &compute.Firewall{
		Name:         in.Name,
		Network:      in.Network,
		Description:  in.Description,
		Allowed:      allowed,
		SourceRanges: in.SourceRanges,
		TargetTags:   in.TargetTags,
	}
}

// FirewallProvider manages VPC firewall rules, e.g. opening the application port for tagged instances.
type FirewallProvider struct {
	*Compute
}

var _ stack.Provider = (*FirewallProvider)(nil)

func (provider *FirewallProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := decodeFirewall(req.Inputs)
	if err != nil {
		return nil, err
	}
	provider.Log.Info("Creating firewall", "name", in.Name)
	op, err := provider.Service.Firewalls.Insert(in.Project, in.firewall()).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if err := provider.wait(ctx, operationScope{project: in.Project}, op); err != nil {
		return nil, err
	}
	return provider.read(ctx, in)
}

func (provider *FirewallProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := decodeFirewall(req.Inputs)
	if err != nil {
		return nil, err
	}
	prior, err := decodeFirewall(req.PriorInputs)
	if err != nil {
		return nil, err
	}
	if prior.Project != in.Project || prior.Name != in.Name || prior.Network != in.Network {
		if err := provider.delete(ctx, prior); err != nil {
			return nil, err
		}
		return provider.Create(ctx, req)
	}
	provider.Log.Info("Updating firewall", "name", in.Name)
	op, err := provider.Service.Firewalls.Update(in.Project, in.Name, in.firewall()).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if err := provider.wait(ctx, operationScope{project: in.Project}, op); err != nil {
		return nil, err
	}
	return provider.read(ctx, in)
}

func (provider *FirewallProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	in, err := decodeFirewall(req.Inputs)
	if err != nil {
		return err
	}
	return provider.delete(ctx, in)
}

func (provider *FirewallProvider) delete(ctx context.Context, in *firewallInputs) error {
	provider.Log.Info("Deleting firewall", "name", in.Name)
	op, err := provider.Service.Firewalls.Delete(in.Project, in.Name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return provider.wait(ctx, operationScope{project: in.Project}, op)
}

func (provider *FirewallProvider) read(ctx context.Context, in *firewallInputs) (map[string]interface{}, error) {
	firewall, err := provider.Service.Firewalls.Get(in.Project, in.Name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":      firewall.Name,
		"self_link": firewall.SelfLink,
	}, nil
}
