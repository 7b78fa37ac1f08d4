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

package helm_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ecorp/shipyard/pkg/provider/helm"
	"github.com/ecorp/shipyard/pkg/render"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/go-logr/logr"
	"gotest.tools/v3/assert"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/kube/fake"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"
	"helm.sh/helm/v3/pkg/storage"
	"helm.sh/helm/v3/pkg/storage/driver"
	"sigs.k8s.io/yaml"
)

func actionConfigFixture(t *testing.T) *action.Configuration {
	t.Helper()

	k8sMajorVersion := "1"
	k8sMinorVersion := "30"

	return &action.Configuration{
		Releases:   storage.Init(driver.NewMemory()),
		KubeClient: &fake.PrintingKubeClient{Out: io.Discard},
		Capabilities: &chartutil.Capabilities{
			KubeVersion: chartutil.KubeVersion{
				Version: fmt.Sprintf("v%s.%s.0", k8sMajorVersion, k8sMinorVersion),
				Major:   k8sMajorVersion,
				Minor:   k8sMinorVersion,
			},
			APIVersions: chartutil.DefaultVersionSet,
			HelmVersion: chartutil.DefaultCapabilities.HelmVersion,
		},
		Log: func(format string, v ...interface{}) {
			t.Helper()
		},
	}
}

func newProvider(t *testing.T, cfg *action.Configuration) *helm.ReleaseProvider {
	return &helm.ReleaseProvider{
		Log: logr.Discard(),
		ActionConfig: func(namespace string) (*action.Configuration, error) {
			return cfg, nil
		},
		CacheDir: t.TempDir(),
	}
}

func request(inputs map[string]interface{}) stack.ResourceRequest {
	return stack.ResourceRequest{
		Address: "helm_release.web",
		Type:    helm.ResourceType,
		Name:    "web",
		Inputs:  inputs,
	}
}

func TestReleaseProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := actionConfigFixture(t)
	provider := newProvider(t, cfg)
	inputs := map[string]interface{}{
		"namespace": "web",
		"chart":     render.DefaultChartName,
		"values": map[string]interface{}{
			"image": map[string]interface{}{
				"tag": "1.2.3",
			},
		},
	}

	outputs, err := provider.Create(ctx, request(inputs))
	assert.NilError(t, err)
	assert.Equal(t, outputs["name"], "web")
	assert.Equal(t, outputs["namespace"], "web")
	assert.Equal(t, outputs["revision"], int64(1))
	assert.Equal(t, outputs["status"], release.StatusDeployed.String())
	assert.Equal(t, outputs["app_version"], "1.0.0")

	rel, err := cfg.Releases.Last("web")
	assert.NilError(t, err)
	assert.Assert(t, rel.Manifest != "")
	assert.DeepEqual(t, rel.Config, inputs["values"])

	inputs["values"] = map[string]interface{}{"replicaCount": int64(3)}
	outputs, err = provider.Update(ctx, request(inputs))
	assert.NilError(t, err)
	assert.Equal(t, outputs["revision"], int64(2))

	assert.NilError(t, provider.Delete(ctx, request(inputs)))
	_, err = cfg.Releases.Last("web")
	assert.ErrorIs(t, err, driver.ErrReleaseNotFound)

	// already uninstalled
	assert.NilError(t, provider.Delete(ctx, request(inputs)))
}

func TestReleaseProvider_ResetsPendingInstall(t *testing.T) {
	ctx := context.Background()
	cfg := actionConfigFixture(t)
	provider := newProvider(t, cfg)

	chrt, err := render.DefaultChart()
	assert.NilError(t, err)
	dangling := &release.Release{
		Name:      "web",
		Namespace: "default",
		Version:   1,
		Chart:     chrt,
		Info: &release.Info{
			Status: release.StatusPendingInstall,
		},
	}
	assert.NilError(t, cfg.Releases.Create(dangling))

	outputs, err := provider.Create(ctx, request(map[string]interface{}{}))
	assert.NilError(t, err)
	assert.Equal(t, outputs["revision"], int64(1))
	assert.Equal(t, outputs["status"], release.StatusDeployed.String())
	assert.Equal(t, outputs["namespace"], "default")
}

func TestReleaseProvider_UnknownInput(t *testing.T) {
	provider := newProvider(t, actionConfigFixture(t))
	_, err := provider.Create(context.Background(), request(map[string]interface{}{
		"chrt": "typo",
	}))
	assert.ErrorContains(t, err, "chrt")
}

func TestReleaseProvider_PullFromRepository(t *testing.T) {
	helmHome := t.TempDir()
	t.Setenv("HELM_CACHE_HOME", filepath.Join(helmHome, "cache"))
	t.Setenv("HELM_CONFIG_HOME", filepath.Join(helmHome, "config"))
	t.Setenv("HELM_DATA_HOME", filepath.Join(helmHome, "data"))

	chrt, err := render.DefaultChart()
	assert.NilError(t, err)
	archiveDir := t.TempDir()
	archive, err := chartutil.Save(chrt, archiveDir)
	assert.NilError(t, err)

	chartServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		content, err := os.ReadFile(archive)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	defer chartServer.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		index := &repo.IndexFile{
			APIVersion: "v1",
			Generated:  time.Now(),
			Entries: map[string]repo.ChartVersions{
				"app": {
					&repo.ChartVersion{
						Metadata: &chart.Metadata{
							APIVersion: "v2",
							Version:    "0.1.0",
							Name:       "app",
						},
						URLs: []string{chartServer.URL + "/app-0.1.0.tgz"},
					},
				},
			},
		}
		indexBytes, err := yaml.Marshal(index)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(indexBytes)
	}))
	defer server.Close()

	provider := newProvider(t, actionConfigFixture(t))
	outputs, err := provider.Create(context.Background(), request(map[string]interface{}{
		"chart":    "app",
		"repo_url": server.URL,
		"version":  "0.1.0",
	}))
	assert.NilError(t, err)
	assert.Equal(t, outputs["revision"], int64(1))
	_, err = os.Stat(filepath.Join(provider.CacheDir, "app", "app-0.1.0.tgz"))
	assert.NilError(t, err)
}
