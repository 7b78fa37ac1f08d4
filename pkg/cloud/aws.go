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
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/endpointcreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

var (
	ErrUnexpectedHost = errors.New("Unexpected host")
)

// AWSProvider requests an ECR authorization token with the credentials of the EKS pod identity agent,
// or the default AWS credential chain outside of EKS.
type AWSProvider struct {
	HttpClient *http.Client
	Host       string
}

var _ Provider = (*AWSProvider)(nil)

// ecrRegistry is parsed from hosts of the form aws_account_id.dkr.ecr.region.amazonaws.com.
type ecrRegistry struct {
	accountID string
	region    string
}

func parseECRHost(host string) (ecrRegistry, error) {
	accountID, rest, found := strings.Cut(host, ".dkr.ecr.")
	if !found || accountID == "" || strings.Contains(accountID, ".") {
		return ecrRegistry{}, fmt.Errorf(
			"%w: expected AWS ecr host to be of format aws_account_id.dkr.ecr.region.amazonaws.com, got %s",
			ErrUnexpectedHost,
			host,
		)
	}
	region, domain, found := strings.Cut(rest, ".")
	if !found || region == "" || !strings.HasPrefix(domain, "amazonaws.com") {
		return ecrRegistry{}, fmt.Errorf("%w: %s is not an AWS ecr host", ErrUnexpectedHost, host)
	}
	return ecrRegistry{accountID: accountID, region: region}, nil
}

func (provider *AWSProvider) FetchCredentials(ctx context.Context) (*Credentials, error) {
	registry, err := parseECRHost(provider.Host)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(provider.HttpClient),
		config.WithRegion(registry.region),
	}
	// EKS pod identity
	if uri := os.Getenv("AWS_CONTAINER_CREDENTIALS_FULL_URI"); uri != "" {
		token, err := podIdentityToken()
		if err != nil {
			return nil, err
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(endpointcreds.New(uri, func(o *endpointcreds.Options) {
			o.HTTPClient = provider.HttpClient
			o.AuthorizationToken = token
		})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	output, err := ecr.NewFromConfig(cfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, err
	}
	if len(output.AuthorizationData) == 0 || output.AuthorizationData[0].AuthorizationToken == nil {
		return nil, fmt.Errorf("%w: got no authorization token from AWS ecr", ErrUnexpectedResponse)
	}
	data := output.AuthorizationData[0]

	decoded, err := base64.StdEncoding.DecodeString(*data.AuthorizationToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil, fmt.Errorf(
			"%w: decoded authorization token from AWS ecr is not of expected 'username:password' format",
			ErrUnexpectedResponse,
		)
	}

	credentials := &Credentials{
		Username: username,
		Password: password,
	}
	if data.ExpiresAt != nil {
		credentials.ExpiresAt = *data.ExpiresAt
	}
	return credentials, nil
}

// podIdentityToken is the bearer token the pod identity agent expects.
// EKS mounts it as a file, the plain variable takes precedence.
func podIdentityToken() (string, error) {
	if token := os.Getenv("AWS_CONTAINER_AUTHORIZATION_TOKEN"); token != "" {
		return token, nil
	}
	path := os.Getenv("AWS_CONTAINER_AUTHORIZATION_TOKEN_FILE")
	if path == "" {
		return "", nil
	}
	token, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(token)), nil
}
