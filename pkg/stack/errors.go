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
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider  = errors.New("Unknown resource type")
	ErrUnknownVariable  = errors.New("Unknown variable")
	ErrMissingVariable  = errors.New("Variable has no value")
	ErrInvalidReference = errors.New("Invalid reference")
	ErrUnknownValue     = errors.New("Value is not known")
)

// NodeError is the failure of a single resource during apply or destroy.
type NodeError struct {
	Address string
	Action  Action
	Err     error
}

func (err *NodeError) Error() string {
	return fmt.Sprintf("%s %s: %v", err.Action, err.Address, err.Err)
}

func (err *NodeError) Unwrap() error {
	return err.Err
}
