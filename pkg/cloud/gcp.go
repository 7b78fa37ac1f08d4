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

package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// Endpoint to the google metadata server, which provides access tokens.
	// See: https://cloud.google.com/compute/docs/access/authenticate-workloads
	GoogleMetadataServerTokenEndpoint = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"

	gcpRegistryUsername = "oauth2accesstoken"
)

type GoogleToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// GCPProvider exchanges the service account of a GKE workload or GCE instance
// for an Artifact Registry access token.
type GCPProvider struct {
	HttpClient        *http.Client
	MetadataServerURL string
}

var _ Provider = (*GCPProvider)(nil)

func (provider *GCPProvider) FetchCredentials(ctx context.Context) (*Credentials, error) {
	requestedAt := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.MetadataServerURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Metadata-Flavor", "Google")

	response, err := provider.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(response, "google metadata server")
	}

	var token GoogleToken
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: decoding google token: %w", ErrUnexpectedResponse, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: google metadata server returned an empty access token", ErrUnexpectedResponse)
	}

	credentials := &Credentials{
		Username: gcpRegistryUsername,
		Password: token.AccessToken,
	}
	if token.ExpiresIn > 0 {
		credentials.ExpiresAt = requestedAt.Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return credentials, nil
}
