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
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend stores the state as a JSON file.
// The lock is a sibling file created exclusively, containing the LockInfo.
type FileBackend struct {
	Path string
}

var _ Backend = (*FileBackend)(nil)

func (backend *FileBackend) lockPath() string {
	return backend.Path + ".lock"
}

func (backend *FileBackend) Read(ctx context.Context) (*State, error) {
	file, err := os.Open(backend.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	defer file.Close()
	s, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", backend.Path, err)
	}
	return s, nil
}

func (backend *FileBackend) Write(ctx context.Context, s *State) error {
	if err := os.MkdirAll(filepath.Dir(backend.Path), 0700); err != nil {
		return err
	}
	s.Serial++
	tmp, err := os.CreateTemp(filepath.Dir(backend.Path), filepath.Base(backend.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Encode(tmp, s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), backend.Path)
}

func (backend *FileBackend) Lock(ctx context.Context, info LockInfo) (Lock, error) {
	if err := os.MkdirAll(filepath.Dir(backend.Path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(backend.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			held, readErr := backend.readLock()
			if readErr != nil {
				return nil, errors.Join(ErrLocked, readErr)
			}
			return nil, &LockedError{Info: *held}
		}
		return nil, err
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(info); err != nil {
		os.Remove(backend.lockPath())
		return nil, err
	}
	return &heldLock{
		info: info,
		unlock: func(ctx context.Context) error {
			return backend.ForceUnlock(ctx, info.ID)
		},
	}, nil
}

func (backend *FileBackend) ForceUnlock(ctx context.Context, id string) error {
	held, err := backend.readLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotLocked
		}
		return err
	}
	if held.ID != id {
		return fmt.Errorf("%w: held lock is %s", ErrLockIDMismatch, held.ID)
	}
	return os.Remove(backend.lockPath())
}

func (backend *FileBackend) readLock() (*LockInfo, error) {
	data, err := os.ReadFile(backend.lockPath())
	if err != nil {
		return nil, err
	}
	info := &LockInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, err
	}
	return info, nil
}
