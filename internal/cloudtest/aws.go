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
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	AWSRegistryHost = "123456789012.dkr.ecr.eu-north-1.amazonaws.com"
)

// AWSEnvironment fakes the EKS pod identity agent and the ECR API.
type AWSEnvironment struct {
	PodIdentityAgent *httptest.Server
	ECRAPI           *httptest.Server
}

var _ Environment = (*AWSEnvironment)(nil)

func (env *AWSEnvironment) Close() {
	env.PodIdentityAgent.Close()
	env.ECRAPI.Close()
}

type authorizationData struct {
	AuthorizationToken string `json:"authorizationToken"`
	ExpiresAt          int64  `json:"expiresAt"`
	ProxyEndpoint      string `json:"proxyEndpoint"`
}

type authorizationTokenOutput struct {
	AuthorizationData []authorizationData `json:"authorizationData"`
}

type podIdentityCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string
	Token           string
	Expiration      time.Time
}

// NewAWSEnvironment starts both fakes and points the AWS SDK at them through the environment.
// ECR answers GetAuthorizationToken with username:password.
func NewAWSEnvironment(t testing.TB, username, password string) *AWSEnvironment {
	agentMux := http.NewServeMux()
	agentMux.HandleFunc(
		"GET /v1/credentials",
		func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &podIdentityCredentials{
				AccessKeyID:     "AKIAEXAMPLE",
				SecretAccessKey: "secret",
				Token:           "session",
				Expiration:      time.Now().Add(time.Hour).UTC(),
			})
		},
	)
	agent := httptest.NewServer(agentMux)

	ecrMux := http.NewServeMux()
	ecrMux.HandleFunc(
		"POST /",
		func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.Header.Get("X-Amz-Target"), "GetAuthorizationToken") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/x-amz-json-1.1")
			writeJSON(t, w, &authorizationTokenOutput{
				AuthorizationData: []authorizationData{
					{
						AuthorizationToken: base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
						ExpiresAt:          time.Now().Add(10 * time.Minute).Unix(),
						ProxyEndpoint:      "https://" + AWSRegistryHost,
					},
				},
			})
		},
	)
	ecrAPI := httptest.NewServer(ecrMux)

	// Shared config files of the machine running the tests must not leak in.
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_CONTAINER_CREDENTIALS_FULL_URI", agent.URL+"/v1/credentials")
	t.Setenv("AWS_ENDPOINT_URL_ECR", ecrAPI.URL)

	env := &AWSEnvironment{
		PodIdentityAgent: agent,
		ECRAPI:           ecrAPI,
	}
	t.Cleanup(env.Close)
	return env
}
