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

package ocitest

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/google/go-containerregistry/pkg/registry"
)

// T is satisfied by *testing.T and GinkgoT().
type T interface {
	Cleanup(func())
}

type Registry struct {
	server *httptest.Server
}

// Host is the registry address usable in image references, e.g. 127.0.0.1:43127.
func (r *Registry) Host() string {
	return strings.TrimPrefix(r.server.URL, "http://")
}

func (r *Registry) Close() {
	r.server.Close()
}

// NewRegistry starts an in-memory OCI registry on a loopback address,
// which registry clients talk to via plain http.
// A private registry only accepts the given basic auth credentials.
func NewRegistry(t T, private bool, expectedCreds string) *Registry {
	ociHandler := registry.New(registry.Logger(log.New(io.Discard, "", 0)))
	expectedUser, expectedPassword, _ := strings.Cut(expectedCreds, ":")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if private {
			user, password, ok := r.BasicAuth()
			if !ok || user != expectedUser || password != expectedPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="ocitest"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		ociHandler.ServeHTTP(w, r)
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &Registry{
		server: server,
	}
}
