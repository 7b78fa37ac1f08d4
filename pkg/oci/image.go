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

package oci

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

const (
	Scratch            = "scratch"
	DefaultDestination = "/app"
	DefaultPlatform    = "linux/amd64"
)

var (
	ErrNoTags = errors.New("No image tags")
	// Layer entries get a fixed modification time, so equal contexts produce equal digests.
	layerTime = time.Unix(0, 0)
)

type basicAuthOpt struct {
	user     string
	password string
}

type options struct {
	auth      *basicAuthOpt
	transport http.RoundTripper
}

type Option func(opts *options)

func WithBasicAuth(user, password string) Option {
	return func(opts *options) {
		opts.auth = &basicAuthOpt{
			user:     user,
			password: password,
		}
	}
}

func WithTransport(transport http.RoundTripper) Option {
	return func(opts *options) {
		opts.transport = transport
	}
}

// ImageConfig describes an image assembled from a base image and one layer made of a local directory.
type ImageConfig struct {
	// Base is an image reference or scratch.
	Base string
	// Context is the local directory copied into the image.
	Context string
	// Destination is the directory inside the image receiving the context.
	Destination string
	Platform    string
	Entrypoint  []string
	Cmd         []string
	Env         map[string]string
	Port        int
	Labels      map[string]string
}

// Build assembles the image locally. Nothing is pushed.
func Build(ctx context.Context, config ImageConfig, opts ...Option) (v1.Image, error) {
	base, err := baseImage(ctx, config.Base, opts)
	if err != nil {
		return nil, err
	}

	img := base
	if config.Context != "" {
		destination := config.Destination
		if destination == "" {
			destination = DefaultDestination
		}
		layer, err := directoryLayer(config.Context, destination)
		if err != nil {
			return nil, err
		}
		img, err = mutate.AppendLayers(img, layer)
		if err != nil {
			return nil, err
		}
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	configFile = configFile.DeepCopy()

	platform := config.Platform
	if platform == "" {
		platform = DefaultPlatform
	}
	parsedPlatform, err := v1.ParsePlatform(platform)
	if err != nil {
		return nil, err
	}
	configFile.OS = parsedPlatform.OS
	configFile.Architecture = parsedPlatform.Architecture
	configFile.Variant = parsedPlatform.Variant
	configFile.Created = v1.Time{Time: layerTime}

	imageConfig := &configFile.Config
	if len(config.Entrypoint) > 0 {
		imageConfig.Entrypoint = config.Entrypoint
	}
	if len(config.Cmd) > 0 {
		imageConfig.Cmd = config.Cmd
	}
	for _, key := range sortedKeys(config.Env) {
		imageConfig.Env = append(imageConfig.Env, fmt.Sprintf("%s=%s", key, config.Env[key]))
	}
	if config.Port > 0 {
		if imageConfig.ExposedPorts == nil {
			imageConfig.ExposedPorts = map[string]struct{}{}
		}
		imageConfig.ExposedPorts[strconv.Itoa(config.Port)+"/tcp"] = struct{}{}
	}
	if len(config.Labels) > 0 {
		if imageConfig.Labels == nil {
			imageConfig.Labels = map[string]string{}
		}
		for key, value := range config.Labels {
			imageConfig.Labels[key] = value
		}
	}

	return mutate.ConfigFile(img, configFile)
}

// Push uploads the image to every tag and returns its digest.
func Push(ctx context.Context, img v1.Image, tags []string, opts ...Option) (string, error) {
	if len(tags) == 0 {
		return "", ErrNoTags
	}
	for _, tag := range tags {
		ref, err := name.NewTag(tag)
		if err != nil {
			return "", err
		}
		if err := remote.Write(ref, img, evalOpts(ctx, opts)...); err != nil {
			return "", fmt.Errorf("pushing %s: %w", tag, err)
		}
	}
	digest, err := img.Digest()
	if err != nil {
		return "", err
	}
	return digest.String(), nil
}

// Image fetches a remote image.
func Image(ctx context.Context, reference string, opts ...Option) (v1.Image, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, err
	}
	return remote.Image(ref, evalOpts(ctx, opts)...)
}

func baseImage(ctx context.Context, base string, opts []Option) (v1.Image, error) {
	if base == "" || base == Scratch {
		return empty.Image, nil
	}
	return Image(ctx, base, opts...)
}

func directoryLayer(dir string, destination string) (v1.Layer, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(file string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = strings.TrimPrefix(path.Join(destination, filepath.ToSlash(rel)), "/")
		header.ModTime = layerTime
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""
		if entry.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tarWriter, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	content := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
}

func evalOpts(ctx context.Context, opts []Option) []remote.Option {
	options := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	remoteOpts := []remote.Option{
		remote.WithContext(ctx),
	}
	if options.auth != nil {
		remoteOpts = append(remoteOpts, remote.WithAuth(&authn.Basic{
			Username: options.auth.user,
			Password: options.auth.password,
		}))
	} else {
		remoteOpts = append(remoteOpts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	if options.transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(options.transport))
	}
	return remoteOpts
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
