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

package cloudtest

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/ecorp/shipyard/pkg/cloud"
)

const (
	GCPMetadataTokenPath = "/computeMetadata/v1/instance/service-accounts/default/token"
)

// GCPEnvironment is a fake GKE metadata server handing out a fixed access token.
type GCPEnvironment struct {
	Server *httptest.Server
	Token  string

	requests atomic.Int32
}

var _ Environment = (*GCPEnvironment)(nil)

func (env *GCPEnvironment) Close() {
	env.Server.Close()
}

// Requests returns how many tokens were handed out.
func (env *GCPEnvironment) Requests() int {
	return int(env.requests.Load())
}

// Options point cloud.ReadCredentials at the fake metadata server.
func (env *GCPEnvironment) Options() []cloud.Option {
	return []cloud.Option{
		cloud.WithCustomGCPMetadataServerURL(env.Server.URL + GCPMetadataTokenPath),
		cloud.WithHttpClient(env.Server.Client()),
	}
}

func NewGCPEnvironment(t T, token string) *GCPEnvironment {
	env := &GCPEnvironment{Token: token}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"GET "+GCPMetadataTokenPath,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Metadata-Flavor") != "Google" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			env.requests.Add(1)
			writeJSON(t, w, &cloud.GoogleToken{
				AccessToken: token,
				ExpiresIn:   10 * 60,
				TokenType:   "Bearer",
			})
		},
	)
	env.Server = httptest.NewServer(mux)
	t.Cleanup(env.Close)
	return env
}
