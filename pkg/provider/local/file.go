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

package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ecorp/shipyard/pkg/stack"
)

const FileResourceType = "local_file"

type fileInputs struct {
	Filename string `input:"filename"`
	Content  string `input:"content"`
	// Permission is an octal file mode, e.g. "0644".
	Permission string `input:"file_permission"`
}

// FileProvider writes files to the local filesystem, e.g. rendered manifests or generated configuration.
type FileProvider struct {
	// BaseDir resolves relative file names.
	BaseDir string
}

var _ stack.Provider = (*FileProvider)(nil)

func (provider *FileProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := provider.decode(req.Inputs)
	if err != nil {
		return nil, err
	}
	return provider.write(in)
}

func (provider *FileProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	in, err := provider.decode(req.Inputs)
	if err != nil {
		return nil, err
	}
	if prior, err := provider.decode(req.PriorInputs); err == nil && prior.Filename != in.Filename {
		if err := remove(prior.Filename); err != nil {
			return nil, err
		}
	}
	return provider.write(in)
}

func (provider *FileProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	in, err := provider.decode(req.Inputs)
	if err != nil {
		return err
	}
	return remove(in.Filename)
}

func (provider *FileProvider) decode(inputs map[string]interface{}) (*fileInputs, error) {
	in := &fileInputs{}
	if err := stack.DecodeInputs(inputs, in); err != nil {
		return nil, err
	}
	if in.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if !filepath.IsAbs(in.Filename) && provider.BaseDir != "" {
		in.Filename = filepath.Join(provider.BaseDir, in.Filename)
	}
	if in.Permission == "" {
		in.Permission = "0644"
	}
	return in, nil
}

func (provider *FileProvider) write(in *fileInputs) (map[string]interface{}, error) {
	mode, err := strconv.ParseUint(in.Permission, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("file_permission %q: %w", in.Permission, err)
	}
	if err := os.MkdirAll(filepath.Dir(in.Filename), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(in.Filename, []byte(in.Content), fs.FileMode(mode)); err != nil {
		return nil, err
	}
	if err := os.Chmod(in.Filename, fs.FileMode(mode)); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(in.Content))
	return map[string]interface{}{
		"id":       hex.EncodeToString(sum[:]),
		"filename": in.Filename,
	}, nil
}

func remove(filename string) error {
	if err := os.Remove(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
