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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	InstanceResourceType = "google_compute_instance"
	FirewallResourceType = "google_compute_firewall"
	AddressResourceType  = "google_compute_address"

	defaultNetwork = "global/networks/default"
)

var ErrOperationFailed = errors.New("Compute operation failed")

// Compute holds the compute API client shared by all google providers.
type Compute struct {
	Log     logr.Logger
	Service *compute.Service
}

// NewCompute creates the compute API client with application default credentials, unless other options are given.
func NewCompute(ctx context.Context, log logr.Logger, opts ...option.ClientOption) (*Compute, error) {
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Compute{
		Log:     log,
		Service: service,
	}, nil
}

type operationScope struct {
	project string
	zone    string
	region  string
}

// wait blocks until the operation is done and returns its error, if any.
func (c *Compute) wait(ctx context.Context, scope operationScope, op *compute.Operation) error {
	var err error
	for op.Status != "DONE" {
		switch {
		case scope.zone != "":
			op, err = c.Service.ZoneOperations.Wait(scope.project, scope.zone, op.Name).Context(ctx).Do()
		case scope.region != "":
			op, err = c.Service.RegionOperations.Wait(scope.project, scope.region, op.Name).Context(ctx).Do()
		default:
			op, err = c.Service.GlobalOperations.Wait(scope.project, op.Name).Context(ctx).Do()
		}
		if err != nil {
			return err
		}
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		messages := make([]string, 0, len(op.Error.Errors))
		for _, opErr := range op.Error.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", opErr.Code, opErr.Message))
		}
		return fmt.Errorf("%w: %s: %s", ErrOperationFailed, op.Name, strings.Join(messages, ", "))
	}
	return nil
}

func isNotFound(err error) bool {
	apiErr := &googleapi.Error{}
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
