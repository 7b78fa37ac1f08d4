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

package kubernetes_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/provider/kubernetes"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/go-logr/logr"
	"go.uber.org/goleak"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newClient() kube.Client {
	return kube.NewControllerClient(fake.NewClientBuilder().Build())
}

func get(t *testing.T, client kube.Client, key string) (*unstructured.Unstructured, error) {
	obj, err := kube.ObjectFromKey(key)
	assert.NilError(t, err)
	return client.Get(context.Background(), obj)
}

func configMap(name string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"manifest": map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": "web",
			},
			"data": data,
		},
	}
}

func TestManifestProvider(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	client := newClient()
	provider := &kubernetes.ManifestProvider{
		Log:    logr.Discard(),
		Client: client,
	}

	inputs := configMap("settings", map[string]interface{}{"greeting": "hello"})
	outputs, err := provider.Create(ctx, stack.ResourceRequest{
		Address: "kubernetes_manifest.settings",
		Inputs:  inputs,
	})
	assert.NilError(t, err)
	assert.Equal(t, outputs["name"], "settings")
	assert.Equal(t, outputs["namespace"], "web")
	assert.Equal(t, outputs["key"], "v1/ConfigMap/web/settings")

	current, err := get(t, client, "v1/ConfigMap/web/settings")
	assert.NilError(t, err)
	greeting, _, _ := unstructured.NestedString(current.Object, "data", "greeting")
	assert.Equal(t, greeting, "hello")

	// rename replaces the object
	renamed := configMap("settings-v2", map[string]interface{}{"greeting": "hi"})
	_, err = provider.Update(ctx, stack.ResourceRequest{
		Address:      "kubernetes_manifest.settings",
		Inputs:       renamed,
		PriorInputs:  inputs,
		PriorOutputs: outputs,
	})
	assert.NilError(t, err)
	_, err = get(t, client, "v1/ConfigMap/web/settings")
	assert.Assert(t, k8sErrors.IsNotFound(err))
	_, err = get(t, client, "v1/ConfigMap/web/settings-v2")
	assert.NilError(t, err)

	err = provider.Delete(ctx, stack.ResourceRequest{
		Address: "kubernetes_manifest.settings",
		Inputs:  renamed,
	})
	assert.NilError(t, err)
	_, err = get(t, client, "v1/ConfigMap/web/settings-v2")
	assert.Assert(t, k8sErrors.IsNotFound(err))
}

func TestManifestProvider_Invalid(t *testing.T) {
	provider := &kubernetes.ManifestProvider{
		Log:    logr.Discard(),
		Client: newClient(),
	}
	_, err := provider.Create(context.Background(), stack.ResourceRequest{
		Inputs: map[string]interface{}{
			"manifest": map[string]interface{}{"kind": "ConfigMap"},
		},
	})
	assert.ErrorContains(t, err, "apiVersion, kind and metadata.name")
}

func TestChartProvider(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	client := newClient()
	provider := &kubernetes.ChartProvider{
		Log:    logr.Discard(),
		Client: client,
	}

	inputs := map[string]interface{}{
		"namespace": "web",
		"values": map[string]interface{}{
			"image": map[string]interface{}{"tag": "1.0.0"},
			"ingress": map[string]interface{}{
				"enabled":       true,
				"host":          "example.com",
				"className":     "nginx",
				"tls":           true,
				"tlsSecretName": "tls-secret",
			},
		},
	}
	req := stack.ResourceRequest{
		Address: "chart.app",
		Name:    "app",
		Inputs:  inputs,
	}
	outputs, err := provider.Create(ctx, req)
	assert.NilError(t, err)
	assert.DeepEqual(t, outputs["objects"], []interface{}{
		"apps/v1/Deployment/web/app",
		"networking.k8s.io/v1/Ingress/web/app",
		"v1/Service/web/app",
	})
	assert.Assert(t, outputs["digest"] != "")

	ingress, err := get(t, client, "networking.k8s.io/v1/Ingress/web/app")
	assert.NilError(t, err)
	rules, _, _ := unstructured.NestedSlice(ingress.Object, "spec", "rules")
	assert.Equal(t, len(rules), 1)
	assert.Equal(t, rules[0].(map[string]interface{})["host"], "example.com")

	// disabling the ingress collects it
	disabled := map[string]interface{}{
		"namespace": "web",
		"values": map[string]interface{}{
			"ingress": map[string]interface{}{"enabled": false},
		},
	}
	updated, err := provider.Update(ctx, stack.ResourceRequest{
		Address:      "chart.app",
		Name:         "app",
		Inputs:       disabled,
		PriorInputs:  inputs,
		PriorOutputs: outputs,
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, updated["objects"], []interface{}{
		"apps/v1/Deployment/web/app",
		"v1/Service/web/app",
	})
	_, err = get(t, client, "networking.k8s.io/v1/Ingress/web/app")
	assert.Assert(t, k8sErrors.IsNotFound(err))

	err = provider.Delete(ctx, stack.ResourceRequest{
		Address:      "chart.app",
		Name:         "app",
		Inputs:       disabled,
		PriorInputs:  disabled,
		PriorOutputs: updated,
	})
	assert.NilError(t, err)
	_, err = get(t, client, "apps/v1/Deployment/web/app")
	assert.Assert(t, k8sErrors.IsNotFound(err))
	_, err = get(t, client, "v1/Service/web/app")
	assert.Assert(t, k8sErrors.IsNotFound(err))
}

func TestChartProvider_MissingValue(t *testing.T) {
	provider := &kubernetes.ChartProvider{
		Log:    logr.Discard(),
		Client: newClient(),
	}
	_, err := provider.Create(context.Background(), stack.ResourceRequest{
		Name: "app",
		Inputs: map[string]interface{}{
			"values": map[string]interface{}{
				"ingress": map[string]interface{}{
					"enabled": true,
					"tls":     true,
				},
			},
		},
	})
	assert.ErrorContains(t, err, "tlsSecretName")
}

func writeChart(t *testing.T, dir string, templates map[string]string) {
	files := map[string]string{
		"Chart.yaml": "apiVersion: v2\nname: team\nversion: 0.1.0\n",
	}
	for name, content := range templates {
		files[filepath.Join("templates", name)] = content
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0700))
		assert.NilError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

const namespaceTemplate = `apiVersion: v1
kind: Namespace
metadata:
  name: team
`

const settingsTemplate = `apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
data:
  greeting: one
`

func TestChartProvider_ClusterScopedObjects(t *testing.T) {
	dir := t.TempDir()
	writeChart(t, dir, map[string]string{
		"namespace.yaml": namespaceTemplate,
		"settings.yaml":  settingsTemplate,
	})
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, meta.RESTScopeRoot)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, meta.RESTScopeNamespace)
	client := kube.NewControllerClient(fake.NewClientBuilder().WithRESTMapper(mapper).Build())
	provider := &kubernetes.ChartProvider{
		Log:    logr.Discard(),
		Client: client,
	}

	outputs, err := provider.Create(context.Background(), stack.ResourceRequest{
		Address: "chart.team",
		Name:    "team",
		Inputs: map[string]interface{}{
			"path":      dir,
			"namespace": "team",
		},
	})
	assert.NilError(t, err)
	objects, _ := outputs["objects"].([]interface{})
	assert.Assert(t, is.Contains(objects, "v1/Namespace/team"))
	assert.Assert(t, is.Contains(objects, "v1/ConfigMap/team/settings"))

	_, err = get(t, client, "v1/Namespace/team")
	assert.NilError(t, err)
	_, err = get(t, client, "v1/ConfigMap/team/settings")
	assert.NilError(t, err)
}

func TestChartProvider_DigestInputs(t *testing.T) {
	dir := t.TempDir()
	writeChart(t, dir, map[string]string{"settings.yaml": settingsTemplate})
	provider := &kubernetes.ChartProvider{
		Log:    logr.Discard(),
		Client: newClient(),
	}
	req := stack.ResourceRequest{
		Address: "chart.team",
		Name:    "team",
		Inputs:  map[string]interface{}{"path": dir},
	}

	first, err := provider.DigestInputs(context.Background(), req)
	assert.NilError(t, err)
	again, err := provider.DigestInputs(context.Background(), req)
	assert.NilError(t, err)
	assert.Equal(t, first, again)

	writeChart(t, dir, map[string]string{
		"settings.yaml": strings.Replace(settingsTemplate, "one", "two", 1),
	})
	changed, err := provider.DigestInputs(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, changed != first)

	_, err = provider.DigestInputs(context.Background(), stack.ResourceRequest{
		Inputs: map[string]interface{}{"path": filepath.Join(dir, "missing")},
	})
	assert.Assert(t, err != nil)
}
