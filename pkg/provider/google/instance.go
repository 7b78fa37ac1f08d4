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
	"maps"
	"slices"

	"github.com/ecorp/shipyard/pkg/stack"
	compute "google.golang.org/api/compute/v1"
)

const startupScriptKey = "startup-script"

type instanceInputs struct {
	Project       string            `input:"project"`
	Zone          string            `input:"zone"`
	Name          string            `input:"name"`
	MachineType   string            `input:"machine_type"`
	BootImage     string            `input:"boot_image"`
	DiskSizeGB    int64             `input:"disk_size_gb"`
	StartupScript string            `input:"startup_script"`
	Tags          []string          `input:"tags"`
	Labels        map[string]string `input:"labels"`
	Network       string            `input:"network"`
	// Address is a reserved external IP. An ephemeral one is assigned when empty.
	Address string `input:"address"`
}

// replaceKey contains all inputs which cannot be changed on a running instance.
func (in *instanceInputs) replaceKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		in.Project, in.Zone, in.Name, in.MachineType, in.BootImage, in.DiskSizeGB, in.Network, in.Address)
}

func decodeInstance(inputs map[string]interface{}) (*instanceInputs, error) {
	in := &instanceInputs{}
	if err := stack.DecodeInputs(inputs, in); err != nil {
		return nil, err
	}
	if in.Project == "" || in.Zone == "" || in.Name == "" || in.MachineType == "" || in.BootImage == "" {
		return nil, fmt.Errorf("project, zone, name, machine_type and boot_image are required")
	}
	if in.Network == "" {
		in.Network = defaultNetwork
	}
	return in, nil
}

// InstanceProvider manages standalone VMs.
// Machine type, zone, image and network changes replace the instance, startup script, tags and labels are updated in place.
type InstanceProvider struct {
	*Compute
}

var _ stack.Provider = (*InstanceProvider)(nil)

func (provider *InstanceProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := decodeInstance(req.Inputs)
	if err != nil {
		return nil, err
	}
	return provider.create(ctx, in)
}

func (provider *InstanceProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	desired, err := decodeInstance(req.Inputs)
	if err != nil {
		return nil, err
	}
	prior, err := decodeInstance(req.PriorInputs)
	if err != nil {
		return nil, err
	}
	scope := operationScope{project: desired.Project, zone: desired.Zone}

	if prior.replaceKey() != desired.replaceKey() {
		provider.Log.Info("Replacing instance", "name", desired.Name, "zone", desired.Zone)
		if err := provider.delete(ctx, prior); err != nil {
			return nil, err
		}
		return provider.create(ctx, desired)
	}

	instance, err := provider.Service.Instances.Get(desired.Project, desired.Zone, desired.Name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			provider.Log.Info("Instance vanished, recreating", "name", desired.Name, "zone", desired.Zone)
			return provider.create(ctx, desired)
		}
		return nil, err
	}

	if prior.StartupScript != desired.StartupScript {
		provider.Log.Info("Updating startup script", "name", desired.Name)
		metadata := withStartupScript(instance.Metadata, desired.StartupScript)
		op, err := provider.Service.Instances.SetMetadata(desired.Project, desired.Zone, desired.Name, metadata).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		if err := provider.wait(ctx, scope, op); err != nil {
			return nil, err
		}
	}

	if !slices.Equal(prior.Tags, desired.Tags) {
		provider.Log.Info("Updating tags", "name", desired.Name, "tags", desired.Tags)
		tags := &compute.Tags{Items: desired.Tags}
		if instance.Tags != nil {
			tags.Fingerprint = instance.Tags.Fingerprint
		}
		op, err := provider.Service.Instances.SetTags(desired.Project, desired.Zone, desired.Name, tags).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		if err := provider.wait(ctx, scope, op); err != nil {
			return nil, err
		}
	}

	if !maps.Equal(prior.Labels, desired.Labels) {
		provider.Log.Info("Updating labels", "name", desired.Name)
		op, err := provider.Service.Instances.SetLabels(desired.Project, desired.Zone, desired.Name, &compute.InstancesSetLabelsRequest{
			Labels:           desired.Labels,
			LabelFingerprint: instance.LabelFingerprint,
		}).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		if err := provider.wait(ctx, scope, op); err != nil {
			return nil, err
		}
	}

	return provider.read(ctx, desired)
}

func (provider *InstanceProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	in, err := decodeInstance(req.Inputs)
	if err != nil {
		return err
	}
	return provider.delete(ctx, in)
}

func (provider *InstanceProvider) create(ctx context.Context, in *instanceInputs) (map[string]interface{}, error) {
	instance := &compute.Instance{
		Name:        in.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", in.Zone, in.MachineType),
		Disks: []*compute.AttachedDisk{
			{
				Boot:       true,
				AutoDelete: true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: in.BootImage,
					DiskSizeGb:  in.DiskSizeGB,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: in.Network,
				AccessConfigs: []*compute.AccessConfig{
					{
						Name:  "External NAT",
						Type:  "ONE_TO_ONE_NAT",
						NatIP: in.Address,
					},
				},
			},
		},
		Tags: &compute.Tags{
			Items: in.Tags,
		},
		Labels: in.Labels,
	}
	if in.StartupScript != "" {
		instance.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{startupScript(in.StartupScript)},
		}
	}

	provider.Log.Info("Creating instance", "name", in.Name, "zone", in.Zone, "machineType", in.MachineType)
	op, err := provider.Service.Instances.Insert(in.Project, in.Zone, instance).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if err := provider.wait(ctx, operationScope{project: in.Project, zone: in.Zone}, op); err != nil {
		return nil, err
	}
	return provider.read(ctx, in)
}

func (provider *InstanceProvider) delete(ctx context.Context, in *instanceInputs) error {
	provider.Log.Info("Deleting instance", "name", in.Name, "zone", in.Zone)
	op, err := provider.Service.Instances.Delete(in.Project, in.Zone, in.Name).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return provider.wait(ctx, operationScope{project: in.Project, zone: in.Zone}, op)
}

func (provider *InstanceProvider) read(ctx context.Context, in *instanceInputs) (map[string]interface{}, error) {
	instance, err := provider.Service.Instances.Get(in.Project, in.Zone, in.Name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	var externalIP, internalIP string
	if len(instance.NetworkInterfaces) > 0 {
		nic := instance.NetworkInterfaces[0]
		internalIP = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 {
			externalIP = nic.AccessConfigs[0].NatIP
		}
	}
	return map[string]interface{}{
		"name":        instance.Name,
		"self_link":   instance.SelfLink,
		"external_ip": externalIP,
		"internal_ip": internalIP,
		"status":      instance.Status,
	}, nil
}

func startupScript(script string) *compute.MetadataItems {
	return &compute.MetadataItems{
		Key:   startupScriptKey,
		Value: &script,
	}
}

// withStartupScript replaces the startup script of the metadata and keeps all other items.
// An empty script removes the item.
func withStartupScript(current *compute.Metadata, script string) *compute.Metadata {
	metadata := &compute.Metadata{}
	if current != nil {
		metadata.Fingerprint = current.Fingerprint
		for _, item := range current.Items {
			if item.Key != startupScriptKey {
				metadata.Items = append(metadata.Items, item)
			}
		}
	}
	if script != "" {
		metadata.Items = append(metadata.Items, startupScript(script))
	}
	return metadata
}
