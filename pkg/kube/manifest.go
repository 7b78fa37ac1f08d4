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

package kube

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
)

const decoderBufferSize = 4096

// DecodeManifests reads a multi document YAML or JSON stream into unstructured objects.
// Empty documents are skipped.
func DecodeManifests(r io.Reader) ([]*unstructured.Unstructured, error) {
	decoder := k8syaml.NewYAMLOrJSONDecoder(r, decoderBufferSize)
	objects := []*unstructured.Unstructured{}
	for {
		obj := &unstructured.Unstructured{}
		if err := decoder.Decode(&obj.Object); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if len(obj.Object) == 0 {
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// DecodeManifestsString is DecodeManifests for in-memory documents.
func DecodeManifestsString(content string) ([]*unstructured.Unstructured, error) {
	return DecodeManifests(bytes.NewBufferString(content))
}

// ObjectKey is the human readable identity of an object, like apps/v1/Deployment/web/app.
func ObjectKey(obj *unstructured.Unstructured) string {
	sb := strings.Builder{}
	sb.WriteString(obj.GetAPIVersion())
	sb.WriteString("/")
	sb.WriteString(obj.GetKind())
	sb.WriteString("/")
	if obj.GetNamespace() != "" {
		sb.WriteString(obj.GetNamespace())
		sb.WriteString("/")
	}
	sb.WriteString(obj.GetName())
	return sb.String()
}

// ObjectFromKey reverses ObjectKey.
func ObjectFromKey(key string) (*unstructured.Unstructured, error) {
	parts := strings.Split(key, "/")
	obj := &unstructured.Unstructured{}
	switch len(parts) {
	case 3:
		obj.SetAPIVersion(parts[0])
		obj.SetKind(parts[1])
		obj.SetName(parts[2])
	case 4:
		if isKind(parts[1]) {
			obj.SetAPIVersion(parts[0])
			obj.SetKind(parts[1])
			obj.SetNamespace(parts[2])
			obj.SetName(parts[3])
		} else {
			obj.SetAPIVersion(parts[0] + "/" + parts[1])
			obj.SetKind(parts[2])
			obj.SetName(parts[3])
		}
	case 5:
		obj.SetAPIVersion(parts[0] + "/" + parts[1])
		obj.SetKind(parts[2])
		obj.SetNamespace(parts[3])
		obj.SetName(parts[4])
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidObjectKey, key)
	}
	return obj, nil
}

var ErrInvalidObjectKey = errors.New("Invalid object key")

// Kinds are CamelCase, versions are lower case.
func isKind(segment string) bool {
	return segment != "" && segment[0] >= 'A' && segment[0] <= 'Z'
}
