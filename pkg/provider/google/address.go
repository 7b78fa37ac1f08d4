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

type addressInputs struct {
	Project     string `input:"project"`
	Region      string `input:"region"`
	Name        string `input:"name"`
	Description string `input:"description"`
}

func decodeAddress(inputs map[string]interface{}) (*addressInputs, error) {
	in := &addressInputs{}
	if err := stack.DecodeInputs(inputs, in); err != nil {
		return nil, err
	}
	if in.Project == "" || in.Region == "" || in.Name == "" {
		return nil, fmt.Errorf("project, region and name are required")
	}
	return in, nil
}

// AddressProvider reserves static external IPs.
// Addresses are immutable, every change replaces them.
type AddressProvider struct {
	*Compute
}

var _ stack.Provider = (*AddressProvider)(nil)

func (provider *AddressProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := decodeAddress(req.Inputs)
	if err != nil {
		return nil, err
	}
	provider.Log.Info("Reserving address", "name", in.Name, "region", in.Region)
	op, err := provider.Service.Addresses.Insert(in.Project, in.Region, &compute.Address{
		Name:        in.Name,
		Description: in.Description,
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if err := provider.wait(ctx, operationScope{project: in.Project, region: in.Region}, op); err != nil {
		return nil, err
	}
	address, err := provider.Service.Addresses.Get(in.Project, in.Region, in.Name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":      address.Name,
		"address":   address.Address,
		"self_link": address.SelfLink,
	}, nil
}

func (provider *AddressProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	if err := provider.Delete(ctx, stack.ResourceRequest{Inputs: req.PriorInputs}); err != nil {
		return nil, err
	}
	return provider.Create(ctx, req)
}

func (provider *AddressProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	in, err := decodeAddress(req.Inputs)
	if err != nil {
		return err
	}
	provider.Log.Info("Releasing address", "name", in.Name, "region", in.Region)
	op, err := provider.Service.Addresses.Delete(in.Project, in.Region, in.Name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return provider.wait(ctx, operationScope{project: in.Project, region: in.Region}, op)
}
