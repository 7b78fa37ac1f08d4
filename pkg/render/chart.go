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

package render

import (
	"embed"
	"io/fs"
	"path"

	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
)

const (
	// DefaultChartName references the embedded chart of the placeholder web application.
	DefaultChartName = "builtin:app"
	defaultChartRoot = "chart"
)

//go:embed all:chart
var defaultChart embed.FS

// DefaultChart loads the embedded chart of the placeholder web application:
// a Deployment exposing port 5050, a Service and an optional Ingress.
func DefaultChart() (*chart.Chart, error) {
	files := []*loader.BufferedFile{}
	err := fs.WalkDir(defaultChart, defaultChartRoot, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := defaultChart.ReadFile(filePath)
		if err != nil {
			return err
		}
		rel := filePath[len(defaultChartRoot)+1:]
		files = append(files, &loader.BufferedFile{
			Name: path.Clean(rel),
			Data: data,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loader.LoadFiles(files)
}

// LoadChart loads a chart from a directory or a packaged archive.
// The reference DefaultChartName resolves to the embedded chart.
func LoadChart(ref string) (*chart.Chart, error) {
	if ref == "" || ref == DefaultChartName {
		return DefaultChart()
	}
	return loader.Load(ref)
}
