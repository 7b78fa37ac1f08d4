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

package main

import (
	"os"
	"path/filepath"

	"github.com/ecorp/shipyard/pkg/render"
	"github.com/ecorp/shipyard/pkg/values"
	"github.com/spf13/cobra"
)

type RenderCommandBuilder struct {
	config CliConfig
}

func (builder RenderCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [CHART]",
		Short: "Render the Kubernetes manifests of a chart, the built-in application chart by default",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: builder.config.binder("render.", "values", "set", "release", "namespace", "strict", "output"),
		RunE: func(cmd *cobra.Command, args []string) error {
			chartRef := render.DefaultChartName
			if len(args) == 1 {
				chartRef = args[0]
			}
			chrt, err := render.LoadChart(chartRef)
			if err != nil {
				return err
			}

			documents := []values.Values{}
			for _, file := range builder.config.GetStringSlice("render.values") {
				vals, err := values.Load(file)
				if err != nil {
					return err
				}
				documents = append(documents, vals)
			}
			vals := values.Merge(values.Values{}, documents...)
			if err := values.ParseSet(vals, builder.config.GetStringSlice("render.set")...); err != nil {
				return err
			}

			release := render.Release{
				Name:      builder.config.GetString("render.release"),
				Namespace: builder.config.GetString("render.namespace"),
			}
			if release.Name == "" {
				release.Name = chrt.Name()
			}
			engine := render.Engine{Strict: builder.config.GetBool("render.strict")}
			result, err := engine.Render(chrt, release, vals)
			if err != nil {
				return err
			}

			output := builder.config.GetString("render.output")
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(result.Bytes())
				return err
			}
			if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
				return err
			}
			return os.WriteFile(output, result.Bytes(), 0644)
		},
	}
	cmd.Flags().StringArrayP("values", "f", nil, "Values file (YAML, JSON or CUE), later files override earlier ones")
	cmd.Flags().StringArray("set", nil, "Set a value on the command line, e.g. ingress.enabled=true")
	cmd.Flags().String("release", "", "Release name, defaults to the chart name")
	cmd.Flags().StringP("namespace", "n", "default", "Namespace of the release")
	cmd.Flags().Bool("strict", false, "Fail on values referenced by a template but not set")
	cmd.Flags().StringP("output", "o", "-", "Output file, - for stdout")
	return cmd
}
