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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSBackend stores the state in a Google Cloud Storage bucket, the same layout the terraform gcs backend uses:
// <prefix>/<workspace>.tfstate and <prefix>/<workspace>.tflock.
// The lock object is created with a DoesNotExist precondition,
// which makes the bucket the arbiter between concurrent writers.
type GCSBackend struct {
	Client    *storage.Client
	Bucket    string
	Prefix    string
	Workspace string
}

var _ Backend = (*GCSBackend)(nil)

func (backend *GCSBackend) workspace() string {
	if backend.Workspace == "" {
		return "default"
	}
	return backend.Workspace
}

func (backend *GCSBackend) stateObject() *storage.ObjectHandle {
	return backend.Client.Bucket(backend.Bucket).Object(path.Join(backend.Prefix, backend.workspace()+".tfstate"))
}

func (backend *GCSBackend) lockObject() *storage.ObjectHandle {
	return backend.Client.Bucket(backend.Bucket).Object(path.Join(backend.Prefix, backend.workspace()+".tflock"))
}

func (backend *GCSBackend) Read(ctx context.Context) (*State, error) {
	reader, err := backend.stateObject().NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return New(), nil
		}
		return nil, err
	}
	defer reader.Close()
	return Decode(reader)
}

func (backend *GCSBackend) Write(ctx context.Context, s *State) error {
	s.Serial++
	buf := &bytes.Buffer{}
	if err := Encode(buf, s); err != nil {
		return err
	}
	writer := backend.stateObject().NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(buf.Bytes()); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func (backend *GCSBackend) Lock(ctx context.Context, info LockInfo) (Lock, error) {
	content, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	writer := backend.lockObject().If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(content); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			held, readErr := backend.readLock(ctx)
			if readErr != nil {
				return nil, errors.Join(ErrLocked, readErr)
			}
			return nil, &LockedError{Info: *held}
		}
		return nil, err
	}
	return &heldLock{
		info: info,
		unlock: func(ctx context.Context) error {
			return backend.ForceUnlock(ctx, info.ID)
		},
	}, nil
}

func (backend *GCSBackend) ForceUnlock(ctx context.Context, id string) error {
	held, err := backend.readLock(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotLocked
		}
		return err
	}
	if held.ID != id {
		return fmt.Errorf("%w: held lock is %s", ErrLockIDMismatch, held.ID)
	}
	return backend.lockObject().Delete(ctx)
}

func (backend *GCSBackend) readLock(ctx context.Context) (*LockInfo, error) {
	reader, err := backend.lockObject().NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	info := &LockInfo{}
	if err := json.NewDecoder(reader).Decode(info); err != nil {
		return nil, err
	}
	return info, nil
}

func isPreconditionFailed(err error) bool {
	apiErr := &googleapi.Error{}
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return false
}
