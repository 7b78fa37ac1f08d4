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
	"net/url"
	"os"
	"strings"

	azureCloud "github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// ACR expects this username for refresh tokens obtained through the exchange endpoint.
const acrRefreshTokenUsername = "00000000-0000-0000-0000-000000000000"

// AzureProvider trades the federated token of an AKS workload identity
// for an Entra ID access token and that for an ACR refresh token.
type AzureProvider struct {
	HttpClient *http.Client
	Host       string
	// Scheme of the registry token exchange endpoint. Defaults to https.
	Scheme string
}

var _ Provider = (*AzureProvider)(nil)

type acrRefreshToken struct {
	RefreshToken string `json:"refresh_token"`
}

func (provider *AzureProvider) FetchCredentials(ctx context.Context) (*Credentials, error) {
	cred, err := azidentity.NewWorkloadIdentityCredential(
		&azidentity.WorkloadIdentityCredentialOptions{
			ClientOptions: policy.ClientOptions{
				Transport: provider.HttpClient,
			},
		},
	)
	if err != nil {
		return nil, err
	}

	accessToken, err := cred.GetToken(ctx, policy.TokenRequestOptions{
		// Client credential flows must have a scope value with /.default suffixed to the resource identifier
		Scopes: []string{
			azureCloud.AzurePublic.Services[azureCloud.ResourceManager].Endpoint + "/.default",
		},
	})
	if err != nil {
		return nil, err
	}

	refreshToken, err := provider.exchange(ctx, accessToken.Token)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		Username: acrRefreshTokenUsername,
		Password: refreshToken,
		// The refresh token outlives the access token it was exchanged for.
		ExpiresAt: accessToken.ExpiresOn,
	}, nil
}

func (provider *AzureProvider) exchange(ctx context.Context, accessToken string) (string, error) {
	scheme := provider.Scheme
	if scheme == "" {
		scheme = "https"
	}
	endpoint := url.URL{Scheme: scheme, Host: provider.Host, Path: "/oauth2/exchange"}

	form := url.Values{}
	form.Add("grant_type", "access_token")
	form.Add("service", provider.Host)
	form.Add("tenant", os.Getenv("AZURE_TENANT_ID"))
	form.Add("access_token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := provider.HttpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", unexpectedStatus(response, "azure registry exchange endpoint "+endpoint.String())
	}

	var token acrRefreshToken
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("%w: decoding acr refresh token: %w", ErrUnexpectedResponse, err)
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("%w: azure registry exchange endpoint returned an empty refresh token", ErrUnexpectedResponse)
	}
	return token.RefreshToken, nil
}
