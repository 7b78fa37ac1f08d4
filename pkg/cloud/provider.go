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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnexpectedResponse = errors.New("Unexpected response")
	ErrUnknownProvider    = errors.New("Unknown cloud provider")
)

type ProviderID string

const (
	AWS   ProviderID = "aws"
	GCP   ProviderID = "gcp"
	Azure ProviderID = "azure"
)

// Credentials are registry credentials in the basic auth form container registries expect.
type Credentials struct {
	Username string
	Password string
	// ExpiresAt is zero when the provider does not report an expiry.
	ExpiresAt time.Time
}

// Valid reports whether the credentials can still be used at the given time, leaving a margin for the request itself.
func (credentials *Credentials) Valid(now time.Time) bool {
	return credentials.ExpiresAt.IsZero() || now.Add(expiryMargin).Before(credentials.ExpiresAt)
}

const expiryMargin = time.Minute

type Provider interface {
	// FetchCredentials uses the configured provider identity and access management approach to receive credentials for accessing cloud provider services, like container registries.
	FetchCredentials(context.Context) (*Credentials, error)
}

type options struct {
	httpClient           *http.Client
	gcpMetadataServerURL string
	azureExchangeScheme  string
}

type Option func(*options)

func WithHttpClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithCustomGCPMetadataServerURL(url string) Option {
	return func(o *options) {
		o.gcpMetadataServerURL = url
	}
}

// WithAzureExchangeScheme is used to talk to a plain http registry in tests.
func WithAzureExchangeScheme(scheme string) Option {
	return func(o *options) {
		o.azureExchangeScheme = scheme
	}
}

// GetProvider returns the workload identity provider for a registry host.
func GetProvider(providerID ProviderID, host string, opts ...Option) (Provider, error) {
	options := options{
		httpClient:           http.DefaultClient,
		gcpMetadataServerURL: GoogleMetadataServerTokenEndpoint,
		azureExchangeScheme:  "https",
	}
	for _, opt := range opts {
		opt(&options)
	}

	hostname, err := registryHost(host)
	if err != nil {
		return nil, err
	}

	switch providerID {
	case GCP:
		return &GCPProvider{
			HttpClient:        options.httpClient,
			MetadataServerURL: options.gcpMetadataServerURL,
		}, nil
	case AWS:
		return &AWSProvider{
			HttpClient: options.httpClient,
			Host:       hostname,
		}, nil
	case Azure:
		return &AzureProvider{
			HttpClient: options.httpClient,
			Host:       hostname,
			Scheme:     options.azureExchangeScheme,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
}

// ReadCredentials fetches registry credentials for host via the workload identity of the given provider.
func ReadCredentials(ctx context.Context, providerID ProviderID, host string, opts ...Option) (*Credentials, error) {
	provider, err := GetProvider(providerID, host, opts...)
	if err != nil {
		return nil, err
	}
	return provider.FetchCredentials(ctx)
}

// Cache hands out fetched credentials per provider and registry until shortly before they expire.
// The zero value is ready to use and safe for concurrent use.
type Cache struct {
	// Clock defaults to time.Now.
	Clock func() time.Time

	mu      sync.Mutex
	entries map[string]*Credentials
}

// ReadCredentials is ReadCredentials backed by the cache.
func (cache *Cache) ReadCredentials(ctx context.Context, providerID ProviderID, host string, opts ...Option) (*Credentials, error) {
	hostname, err := registryHost(host)
	if err != nil {
		return nil, err
	}
	key := string(providerID) + "/" + hostname

	// Held while fetching, so concurrent pushes to one registry share a single token request.
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cached, found := cache.entries[key]; found && cached.Valid(cache.now()) {
		return cached, nil
	}
	credentials, err := ReadCredentials(ctx, providerID, host, opts...)
	if err != nil {
		return nil, err
	}
	if cache.entries == nil {
		cache.entries = make(map[string]*Credentials)
	}
	cache.entries[key] = credentials
	return credentials, nil
}

func (cache *Cache) now() time.Time {
	if cache.Clock != nil {
		return cache.Clock()
	}
	return time.Now()
}

// registryHost strips schemes and paths, oci://europe-docker.pkg.dev/project/repo becomes europe-docker.pkg.dev.
func registryHost(host string) (string, error) {
	host, _ = strings.CutPrefix(host, "oci://")
	if !strings.HasPrefix(host, "https://") && !strings.HasPrefix(host, "http://") {
		host = fmt.Sprintf("https://%s", host)
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}

func unexpectedStatus(response *http.Response, source string) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
	return fmt.Errorf(
		"%w: got status code %d from %s: %s",
		ErrUnexpectedResponse,
		response.StatusCode,
		source,
		strings.TrimSpace(string(body)),
	)
}
