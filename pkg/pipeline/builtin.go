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

package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ecorp/shipyard/pkg/cloud"
	"github.com/ecorp/shipyard/pkg/oci"
	"github.com/ecorp/shipyard/pkg/render"
	"github.com/ecorp/shipyard/pkg/values"
	"github.com/google/go-containerregistry/pkg/name"
)

const (
	ActionCheckout  = "actions/checkout"
	ActionImagePush = "shipyard/image-push"
	ActionRender    = "shipyard/render"
)

// DefaultActions returns the built-in actions.
func DefaultActions() Actions {
	return Actions{
		ActionCheckout:  Checkout,
		ActionImagePush: &ImagePush{},
		ActionRender:    &Render{},
	}
}

// ImagePush assembles an image from a base and the context directory and pushes it to every tag.
//
//	with:
//	  base: scratch
//	  context: ./bin
//	  entrypoint: /app/server
//	  cmd: serve
//	  port: "5050"
//	  env: |
//	    PORT=5050
//	  tags: docker.io/ecorp/app:${{ github.short_sha }},docker.io/ecorp/app:latest
//	  username: ${{ secrets.DOCKERHUB_USERNAME }}
//	  password: ${{ secrets.DOCKERHUB_TOKEN }}
//
// Instead of username and password, auth: gcp|aws|azure uses the workload identity of the runner.
type ImagePush struct {
	Transport    http.RoundTripper
	CloudOptions []cloud.Option

	// Workload identity tokens are reused across jobs pushing to the same registry.
	credentials cloud.Cache
}

var _ Action = (*ImagePush)(nil)

func (push *ImagePush) Run(ctx context.Context, step StepContext) error {
	tagsInput, err := step.Input("tags")
	if err != nil {
		return err
	}
	tags := splitList(tagsInput)

	var opts []oci.Option
	if push.Transport != nil {
		opts = append(opts, oci.WithTransport(push.Transport))
	}
	authOpt, err := push.auth(ctx, step, tags[0])
	if err != nil {
		return err
	}
	opts = append(opts, authOpt)

	config := oci.ImageConfig{
		Base:        step.With["base"],
		Destination: step.With["destination"],
		Platform:    step.With["platform"],
		Entrypoint:  strings.Fields(step.With["entrypoint"]),
		Cmd:         strings.Fields(step.With["cmd"]),
		Env:         parseKeyValues(step.With["env"]),
		Labels:      parseKeyValues(step.With["labels"]),
	}
	if dir := step.With["context"]; dir != "" {
		config.Context = step.Path(dir)
	}
	if port := step.With["port"]; port != "" {
		config.Port, err = strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
	}

	step.Log.Info("Building image", "base", config.Base, "context", config.Context)
	img, err := oci.Build(ctx, config, opts...)
	if err != nil {
		return err
	}
	step.Log.Info("Pushing image", "tags", tags)
	digest, err := oci.Push(ctx, img, tags, opts...)
	if err != nil {
		return err
	}
	step.Log.Info("Pushed image", "digest", digest)
	return nil
}

func (push *ImagePush) auth(ctx context.Context, step StepContext, tag string) (oci.Option, error) {
	username, password := step.With["username"], step.With["password"]
	if username != "" || password != "" {
		return oci.WithBasicAuth(username, password), nil
	}
	provider := step.With["auth"]
	if provider == "" {
		return nil, nil
	}
	ref, err := name.NewTag(tag)
	if err != nil {
		return nil, err
	}
	credentials, err := push.credentials.ReadCredentials(
		ctx,
		cloud.ProviderID(provider),
		ref.RegistryStr(),
		push.CloudOptions...,
	)
	if err != nil {
		return nil, err
	}
	return oci.WithBasicAuth(credentials.Username, credentials.Password), nil
}

// Render renders a chart into a manifest file.
//
//	with:
//	  chart: builtin:app
//	  release: app
//	  namespace: web
//	  values: deploy/values.yaml
//	  set: image.tag=${{ github.short_sha }}
//	  output: build/manifests.yaml
type Render struct{}

var _ Action = (*Render)(nil)

func (r *Render) Run(ctx context.Context, step StepContext) error {
	output, err := step.Input("output")
	if err != nil {
		return err
	}
	chartRef := step.With["chart"]
	if chartRef == "" {
		chartRef = render.DefaultChartName
	} else if !strings.HasPrefix(chartRef, "builtin:") {
		chartRef = step.Path(chartRef)
	}
	chrt, err := render.LoadChart(chartRef)
	if err != nil {
		return err
	}

	documents := []values.Values{}
	for _, file := range splitList(step.With["values"]) {
		vals, err := values.Load(step.Path(file))
		if err != nil {
			return err
		}
		documents = append(documents, vals)
	}
	vals := values.Merge(values.Values{}, documents...)
	if err := values.ParseSet(vals, splitList(step.With["set"])...); err != nil {
		return err
	}

	release := render.Release{
		Name:      step.With["release"],
		Namespace: step.With["namespace"],
	}
	if release.Name == "" {
		release.Name = chrt.Name()
	}
	if release.Namespace == "" {
		release.Namespace = "default"
	}

	result, err := render.Engine{Strict: step.With["strict"] == "true"}.Render(chrt, release, vals)
	if err != nil {
		return err
	}
	outputPath := step.Path(output)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, result.Bytes(), 0644); err != nil {
		return err
	}
	step.Log.Info("Rendered chart", "chart", chrt.Name(), "manifests", len(result.Manifests), "output", outputPath)
	return nil
}

// splitList splits comma or newline separated inputs.
func splitList(input string) []string {
	items := []string{}
	for _, item := range strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseKeyValues parses newline separated KEY=VALUE lines.
func parseKeyValues(input string) map[string]string {
	result := map[string]string{}
	for _, line := range strings.Split(input, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && key != "" {
			result[key] = value
		}
	}
	return result
}
