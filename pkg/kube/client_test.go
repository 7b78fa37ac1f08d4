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

package kube_test

import (
	"context"
	"testing"

	"github.com/ecorp/shipyard/pkg/kube"
	"gotest.tools/v3/assert"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newFakeClient(t *testing.T) *kube.ControllerClient {
	scheme := runtime.NewScheme()
	err := clientgoscheme.AddToScheme(scheme)
	assert.NilError(t, err)
	return kube.NewControllerClient(fake.NewClientBuilder().WithScheme(scheme).Build())
}

func configMap(data map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata": map[string]interface{}{
				"name":      "app",
				"namespace": "web",
			},
			"data": data,
		},
	}
}

func TestControllerClient_ApplyGetDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(t)

	created, err := client.Apply(ctx, configMap(map[string]interface{}{"greeting": "hello"}), kube.FieldManager)
	assert.NilError(t, err)
	assert.Assert(t, created.GetResourceVersion() != "")

	updated, err := client.Apply(ctx, configMap(map[string]interface{}{"greeting": "hi"}), kube.FieldManager)
	assert.NilError(t, err)
	assert.Assert(t, updated.GetResourceVersion() != created.GetResourceVersion())

	current, err := client.Get(ctx, configMap(nil))
	assert.NilError(t, err)
	greeting, _, err := unstructured.NestedString(current.Object, "data", "greeting")
	assert.NilError(t, err)
	assert.Equal(t, greeting, "hi")

	err = client.Delete(ctx, configMap(nil))
	assert.NilError(t, err)
	_, err = client.Get(ctx, configMap(nil))
	assert.Assert(t, k8sErrors.IsNotFound(err))

	err = client.Delete(ctx, configMap(nil))
	assert.NilError(t, err)
}

func TestDecodeManifests(t *testing.T) {
	objects, err := kube.DecodeManifestsString(`---
apiVersion: v1
kind: Service
metadata:
  name: app
  namespace: web
---
---
apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: app
  namespace: web
`)
	assert.NilError(t, err)
	assert.Equal(t, len(objects), 2)
	assert.Equal(t, objects[0].GetKind(), "Service")
	assert.Equal(t, objects[1].GetAPIVersion(), "networking.k8s.io/v1")
}

func TestObjectKey(t *testing.T) {
	testCases := []struct {
		name       string
		apiVersion string
		kind       string
		namespace  string
		objName    string
		key        string
	}{
		{name: "CoreNamespaced", apiVersion: "v1", kind: "Service", namespace: "web", objName: "app", key: "v1/Service/web/app"},
		{name: "CoreCluster", apiVersion: "v1", kind: "Namespace", objName: "web", key: "v1/Namespace/web"},
		{name: "GroupNamespaced", apiVersion: "apps/v1", kind: "Deployment", namespace: "web", objName: "app", key: "apps/v1/Deployment/web/app"},
		{name: "GroupCluster", apiVersion: "rbac.authorization.k8s.io/v1", kind: "ClusterRole", objName: "view", key: "rbac.authorization.k8s.io/v1/ClusterRole/view"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			obj := &unstructured.Unstructured{}
			obj.SetAPIVersion(tc.apiVersion)
			obj.SetKind(tc.kind)
			obj.SetNamespace(tc.namespace)
			obj.SetName(tc.objName)
			assert.Equal(t, kube.ObjectKey(obj), tc.key)
			parsed, err := kube.ObjectFromKey(tc.key)
			assert.NilError(t, err)
			assert.Equal(t, parsed.GetAPIVersion(), tc.apiVersion)
			assert.Equal(t, parsed.GetKind(), tc.kind)
			assert.Equal(t, parsed.GetNamespace(), tc.namespace)
			assert.Equal(t, parsed.GetName(), tc.objName)
		})
	}
	_, err := kube.ObjectFromKey("broken")
	assert.ErrorIs(t, err, kube.ErrInvalidObjectKey)
}
