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

package oci_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ecorp/shipyard/internal/ocitest"
	"github.com/ecorp/shipyard/pkg/oci"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"gotest.tools/v3/assert"
)

func appContext(t *testing.T) string {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "server"), []byte("#!/bin/sh\necho hello\n"), 0755))
	assert.NilError(t, os.MkdirAll(filepath.Join(dir, "static"), 0755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "static", "index.html"), []byte("<h1>hi</h1>"), 0644))
	return dir
}

func TestBuildAndPush(t *testing.T) {
	ctx := context.Background()
	registry := ocitest.NewRegistry(t, false, "")
	contextDir := appContext(t)

	config := oci.ImageConfig{
		Base:       oci.Scratch,
		Context:    contextDir,
		Entrypoint: []string{"/app/server"},
		Cmd:        []string{"serve"},
		Env:        map[string]string{"PORT": "5050", "APP_ENV": "production"},
		Port:       5050,
		Labels:     map[string]string{"org.opencontainers.image.source": "https://github.com/ecorp/app"},
	}
	img, err := oci.Build(ctx, config)
	assert.NilError(t, err)

	rebuilt, err := oci.Build(ctx, config)
	assert.NilError(t, err)
	digest, err := img.Digest()
	assert.NilError(t, err)
	rebuiltDigest, err := rebuilt.Digest()
	assert.NilError(t, err)
	assert.Equal(t, digest, rebuiltDigest)

	tags := []string{registry.Host() + "/ecorp/app:abc1234", registry.Host() + "/ecorp/app:latest"}
	pushedDigest, err := oci.Push(ctx, img, tags)
	assert.NilError(t, err)
	assert.Equal(t, pushedDigest, digest.String())

	for _, tag := range tags {
		remoteImg, err := oci.Image(ctx, tag)
		assert.NilError(t, err)
		remoteDigest, err := remoteImg.Digest()
		assert.NilError(t, err)
		assert.Equal(t, remoteDigest, digest)

		configFile, err := remoteImg.ConfigFile()
		assert.NilError(t, err)
		assert.DeepEqual(t, configFile.Config.Entrypoint, []string{"/app/server"})
		assert.DeepEqual(t, configFile.Config.Cmd, []string{"serve"})
		assert.DeepEqual(t, configFile.Config.Env, []string{"APP_ENV=production", "PORT=5050"})
		_, exposed := configFile.Config.ExposedPorts["5050/tcp"]
		assert.Assert(t, exposed)
		assert.Equal(t, configFile.OS, "linux")
		assert.Equal(t, configFile.Architecture, "amd64")

		layers, err := remoteImg.Layers()
		assert.NilError(t, err)
		assert.Equal(t, len(layers), 1)
	}

	_, err = oci.Push(ctx, img, nil)
	assert.ErrorIs(t, err, oci.ErrNoTags)
}

func TestBuild_RemoteBase(t *testing.T) {
	ctx := context.Background()
	registry := ocitest.NewRegistry(t, true, "ecorp:dckr_pat")
	auth := oci.WithBasicAuth("ecorp", "dckr_pat")

	base, err := random.Image(512, 2)
	assert.NilError(t, err)
	baseRef := registry.Host() + "/library/base:1.0"
	_, err = oci.Push(ctx, base, []string{baseRef}, auth)
	assert.NilError(t, err)

	img, err := oci.Build(ctx, oci.ImageConfig{
		Base:    baseRef,
		Context: appContext(t),
	}, auth)
	assert.NilError(t, err)
	layers, err := img.Layers()
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 3)

	_, err = oci.Push(ctx, img, []string{registry.Host() + "/ecorp/app:latest"}, oci.WithBasicAuth("ecorp", "wrong"))
	assert.ErrorContains(t, err, "pushing")
}
