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

package helm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ecorp/shipyard/pkg/render"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"
)

const ResourceType = "helm_release"

// Release is the declaration of a helm_release resource.
type Release struct {
	// Name of the release. Defaults to the resource name.
	Name string `input:"name"`

	// Namespace the chart is installed to. Defaults to default.
	Namespace string `input:"namespace"`

	// Chart is a chart name in RepoURL, a local chart directory or archive, or builtin:app.
	Chart string `input:"chart"`

	// URL of the repository where the Helm chart is hosted. OCI registries are prefixed with oci://.
	RepoURL string `input:"repo_url"`

	Version string `input:"version"`

	// Values override the chart defaults.
	Values map[string]interface{} `input:"values"`
}

// ActionConfigFactory returns the Helm configuration for a namespace.
type ActionConfigFactory func(namespace string) (*action.Configuration, error)

// NewActionConfigFactory creates Helm configurations from the kubeconfig of the environment,
// storing releases as secrets.
func NewActionConfigFactory(log logr.Logger) ActionConfigFactory {
	return func(namespace string) (*action.Configuration, error) {
		settings := cli.New()
		cfg := &action.Configuration{}
		if err := cfg.Init(settings.RESTClientGetter(), namespace, "secret", func(format string, v ...interface{}) {
			log.V(1).Info(fmt.Sprintf(format, v...))
		}); err != nil {
			return nil, err
		}
		return cfg, nil
	}
}

// ReleaseProvider installs, upgrades and uninstalls Helm releases.
type ReleaseProvider struct {
	Log          logr.Logger
	ActionConfig ActionConfigFactory
	// CacheDir stores pulled chart archives.
	CacheDir string
}

var _ stack.Provider = (*ReleaseProvider)(nil)

func (provider *ReleaseProvider) Create(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	return provider.reconcile(req)
}

func (provider *ReleaseProvider) Update(ctx context.Context, req stack.ResourceRequest) (map[string]interface{}, error) {
	return provider.reconcile(req)
}

func (provider *ReleaseProvider) Delete(ctx context.Context, req stack.ResourceRequest) error {
	desired, err := decodeRelease(req)
	if err != nil {
		return err
	}
	cfg, err := provider.ActionConfig(desired.Namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(cfg)
	provider.Log.Info("Uninstalling release", "name", desired.Name, "namespace", desired.Namespace)
	if _, err := uninstall.Run(desired.Name); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func decodeRelease(req stack.ResourceRequest) (*Release, error) {
	desired := &Release{}
	if err := stack.DecodeInputs(req.Inputs, desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = req.Name
	}
	if desired.Namespace == "" {
		desired.Namespace = "default"
	}
	if desired.Values == nil {
		desired.Values = map[string]interface{}{}
	}
	return desired, nil
}

func (provider *ReleaseProvider) reconcile(req stack.ResourceRequest) (map[string]interface{}, error) {
	desired, err := decodeRelease(req)
	if err != nil {
		return nil, err
	}
	logArgs := []interface{}{
		"chart", desired.Chart,
		"url", desired.RepoURL,
		"version", desired.Version,
		"releasename", desired.Name,
		"namespace", desired.Namespace,
	}
	cfg, err := provider.ActionConfig(desired.Namespace)
	if err != nil {
		return nil, err
	}
	provider.Log.Info("Loading chart", logArgs...)
	chrt, err := provider.load(cfg, desired, logArgs)
	if err != nil {
		return nil, err
	}

	histClient := action.NewHistory(cfg)
	histClient.Max = 2
	releases, err := histClient.Run(desired.Name)
	if err != nil {
		if !errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, err
		}
		return provider.install(cfg, desired, chrt, logArgs)
	}

	latest := releases[len(releases)-1]
	if len(releases) == 1 && latest.Info.Status == release.StatusPendingInstall {
		if err := provider.reset(cfg, latest, logArgs); err != nil {
			return nil, err
		}
		return provider.install(cfg, desired, chrt, logArgs)
	}
	if latest.Info.Status.IsPending() {
		if err := provider.reset(cfg, latest, logArgs); err != nil {
			return nil, err
		}
	}

	upgrade := action.NewUpgrade(cfg)
	upgrade.Wait = false
	upgrade.Namespace = desired.Namespace
	upgrade.MaxHistory = 5
	provider.Log.Info("Upgrading release", logArgs...)
	rel, err := upgrade.Run(desired.Name, chrt, desired.Values)
	if err != nil {
		provider.Log.Error(err, "Upgrading release failed", logArgs...)
		return nil, err
	}
	return outputs(rel), nil
}

func (provider *ReleaseProvider) install(
	cfg *action.Configuration,
	desired *Release,
	chrt *chart.Chart,
	logArgs []interface{},
) (map[string]interface{}, error) {
	install := action.NewInstall(cfg)
	install.Wait = false
	install.ReleaseName = desired.Name
	install.CreateNamespace = true
	install.Namespace = desired.Namespace
	provider.Log.Info("Installing chart", logArgs...)
	rel, err := install.Run(chrt, desired.Values)
	if err != nil {
		provider.Log.Error(err, "Installing chart failed", logArgs...)
		return nil, err
	}
	return outputs(rel), nil
}

// reset removes a release that got stuck in a pending state, e.g. because the previous run got killed.
func (provider *ReleaseProvider) reset(cfg *action.Configuration, rel *release.Release, logArgs []interface{}) error {
	provider.Log.Info("Resetting dangling release", logArgs...)
	if _, err := cfg.Releases.Delete(rel.Name, rel.Version); err != nil {
		provider.Log.Error(err, "Resetting dangling release failed", logArgs...)
		return err
	}
	return nil
}

func outputs(rel *release.Release) map[string]interface{} {
	return map[string]interface{}{
		"name":        rel.Name,
		"namespace":   rel.Namespace,
		"revision":    int64(rel.Version),
		"status":      rel.Info.Status.String(),
		"app_version": rel.Chart.AppVersion(),
	}
}

func (provider *ReleaseProvider) load(cfg *action.Configuration, desired *Release, logArgs []interface{}) (*chart.Chart, error) {
	if desired.RepoURL == "" {
		return render.LoadChart(desired.Chart)
	}
	archive := provider.archivePath(desired)
	chrt, err := loader.Load(archive.fullPath)
	if err == nil {
		return chrt, nil
	}
	pathErr := &fs.PathError{}
	if !errors.As(err, &pathErr) {
		return nil, err
	}
	provider.Log.Info("Pulling chart", logArgs...)
	if err := provider.pull(cfg, desired, archive.dir); err != nil {
		return nil, err
	}
	return loader.Load(archive.fullPath)
}

func (provider *ReleaseProvider) pull(cfg *action.Configuration, desired *Release, destDir string) error {
	pull := action.NewPullWithOpts(action.WithConfig(cfg))
	pull.DestDir = destDir
	var chartRef string
	if registry.IsOCI(desired.RepoURL) {
		chartRef = fmt.Sprintf("%s/%s", desired.RepoURL, desired.Chart)
	} else {
		pull.RepoURL = desired.RepoURL
		chartRef = desired.Chart
	}
	pull.Settings = cli.New()
	pull.Version = desired.Version
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return err
	}
	registryClient, err := registry.NewClient(
		registry.ClientOptDebug(false),
		registry.ClientOptEnableCache(true),
		registry.ClientOptWriter(os.Stderr),
	)
	if err != nil {
		return err
	}
	pull.SetRegistryClient(registryClient)
	_, err = pull.Run(chartRef)
	return err
}

type archivePath struct {
	dir      string
	fullPath string
}

func (provider *ReleaseProvider) archivePath(desired *Release) archivePath {
	cacheDir := provider.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "shipyard-charts")
	}
	dir := filepath.Join(cacheDir, desired.Chart)
	return archivePath{
		dir:      dir,
		fullPath: filepath.Join(dir, fmt.Sprintf("%s-%s.tgz", desired.Chart, desired.Version)),
	}
}
