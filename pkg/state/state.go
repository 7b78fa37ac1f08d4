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

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// Version of the state document format.
	Version = 1
)

var (
	ErrLocked         = errors.New("State is locked")
	ErrLockIDMismatch = errors.New("Lock ID does not match")
	ErrNotLocked      = errors.New("State is not locked")
	ErrVersion        = errors.New("Unsupported state version")
)

// State is the last known state of every applied resource.
// It is the baseline a plan diffs the declarations against.
type State struct {
	Version int `json:"version"`
	// Serial is incremented on every write.
	Serial int64 `json:"serial"`
	// Lineage identifies a state across all of its serials. It never changes after creation.
	Lineage   string              `json:"lineage"`
	Resources map[string]Resource `json:"resources"`
	Outputs   map[string]Output   `json:"outputs,omitempty"`
}

// Resource is the recorded state of a single resource instance, keyed by its address <type>.<name>.
type Resource struct {
	Type         string                 `json:"type"`
	Name         string                 `json:"name"`
	Inputs       map[string]interface{} `json:"inputs"`
	Outputs      map[string]interface{} `json:"outputs"`
	Dependencies []string               `json:"dependencies,omitempty"`
	// Digest is the hash of the inputs this resource was applied with.
	Digest string `json:"digest"`
}

type Output struct {
	Value     interface{} `json:"value"`
	Sensitive bool        `json:"sensitive,omitempty"`
}

// New creates an empty state with a fresh lineage.
func New() *State {
	return &State{
		Version:   Version,
		Lineage:   uuid.NewString(),
		Resources: map[string]Resource{},
		Outputs:   map[string]Output{},
	}
}

// Addresses returns all resource addresses in lexical order.
func (s *State) Addresses() []string {
	addresses := make([]string, 0, len(s.Resources))
	for address := range s.Resources {
		addresses = append(addresses, address)
	}
	slices.Sort(addresses)
	return addresses
}

// DeepCopy copies the state through its JSON representation.
func (s *State) DeepCopy() *State {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("state is not serializable: %v", err))
	}
	cp := &State{}
	if err := json.Unmarshal(data, cp); err != nil {
		panic(fmt.Sprintf("state is not serializable: %v", err))
	}
	return cp
}

// Encode writes the state as indented JSON.
func Encode(w io.Writer, s *State) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}

// Decode reads a JSON state document.
func Decode(r io.Reader) (*State, error) {
	s := &State{}
	if err := json.NewDecoder(r).Decode(s); err != nil {
		return nil, err
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, s.Version)
	}
	if s.Resources == nil {
		s.Resources = map[string]Resource{}
	}
	if s.Outputs == nil {
		s.Outputs = map[string]Output{}
	}
	return s, nil
}

// LockInfo describes the holder of a state lock.
type LockInfo struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Who       string    `json:"who"`
	Created   time.Time `json:"created"`
}

// NewLockInfo creates lock information for the current process.
func NewLockInfo(operation string) LockInfo {
	who := "unknown"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		who = fmt.Sprintf("%s@%s", who, host)
	}
	return LockInfo{
		ID:        uuid.NewString(),
		Operation: operation,
		Who:       who,
		Created:   time.Now().UTC().Truncate(time.Second),
	}
}

// LockedError is returned when another writer holds the lock.
type LockedError struct {
	Info LockInfo
}

func (err *LockedError) Error() string {
	return fmt.Sprintf(
		"%s: lock %s held by %s for %s since %s",
		ErrLocked,
		err.Info.ID,
		err.Info.Who,
		err.Info.Operation,
		err.Info.Created.Format(time.RFC3339),
	)
}

func (err *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// Lock is a held state lock.
type Lock interface {
	Info() LockInfo
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Backend stores the state of a single workspace and serializes writers through a lock.
type Backend interface {
	// Read returns the stored state or an empty state, if none has been written yet.
	Read(ctx context.Context) (*State, error)
	// Write increments the serial of s and stores it.
	Write(ctx context.Context, s *State) error
	// Lock acquires the single writer lock. A held lock results in a *LockedError.
	Lock(ctx context.Context, info LockInfo) (Lock, error)
	// ForceUnlock removes a lock held by a crashed writer. The id has to match the held lock.
	ForceUnlock(ctx context.Context, id string) error
}

// WithLock acquires the backend lock, runs fn and releases the lock unconditionally afterward.
func WithLock(
	ctx context.Context,
	backend Backend,
	operation string,
	fn func(ctx context.Context) error,
) (err error) {
	lock, err := backend.Lock(ctx, NewLockInfo(operation))
	if err != nil {
		return err
	}
	defer func() {
		// release even if ctx got cancelled
		if unlockErr := lock.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			err = errors.Join(err, unlockErr)
		}
	}()
	return fn(ctx)
}

type heldLock struct {
	info   LockInfo
	unlock func(ctx context.Context) error
}

func (l *heldLock) Info() LockInfo {
	return l.info
}

func (l *heldLock) Unlock(ctx context.Context) error {
	return l.unlock(ctx)
}
