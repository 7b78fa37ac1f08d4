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

package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrRepositoryID     = errors.New("Unknown repository id")
	ErrUnknownProvider  = errors.New("Unknown git provider")
	ErrUnknownURLFormat = errors.New("Unknown git url format")
)

type Provider string

const (
	GitHub Provider = "github"
	GitLab Provider = "gitlab"
)

// State of a commit status, in the vocabulary both providers understand after mapping.
type State string

const (
	StatePending   State = "pending"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// CommitStatus is a check shown next to a commit on the git provider.
type CommitStatus struct {
	SHA         string
	Context     string
	State       State
	Description string
	TargetURL   string
}

// StatusReporter publishes commit statuses.
type StatusReporter interface {
	ReportStatus(ctx context.Context, status CommitStatus) error
}

// NewStatusReporter returns the reporter for the provider, reporting to the repository identified by repoID.
// GitHub expects owner/repo, GitLab accepts the project path or numeric id.
func NewStatusReporter(
	httpClient *http.Client,
	provider Provider,
	token string,
	repoID string,
) (StatusReporter, error) {
	switch provider {
	case GitHub:
		return NewGithubClient(httpClient, token, repoID)
	case GitLab:
		return NewGitlabClient(httpClient, token, repoID)
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnknownProvider, provider)
}

// ParseRemoteURL derives provider and repository id from a git remote,
// e.g. git@github.com:ecorp/app.git or https://gitlab.com/ecorp/infra/app.git.
func ParseRemoteURL(url string) (Provider, string, error) {
	var host, path string
	if rest, found := strings.CutPrefix(url, "https://"); found {
		var ok bool
		host, path, ok = strings.Cut(rest, "/")
		if !ok {
			return "", "", fmt.Errorf("%w: expected a path in url '%s'", ErrUnknownURLFormat, url)
		}
	} else {
		urlParts := strings.Split(url, "@")
		if len(urlParts) != 2 {
			return "", "", fmt.Errorf("%w: expected one '@' in url '%s'", ErrUnknownURLFormat, url)
		}
		hostPathParts := strings.Split(urlParts[1], ":")
		if len(hostPathParts) != 2 {
			return "", "", fmt.Errorf("%w: expected one ':' in url '%s'", ErrUnknownURLFormat, url)
		}
		host, path = hostPathParts[0], hostPathParts[1]
	}

	providerParts := strings.Split(host, ".")
	if len(providerParts) != 2 {
		return "", "", fmt.Errorf(
			"%w: expected one '.' in host '%s'",
			ErrUnknownURLFormat,
			host,
		)
	}
	provider := Provider(providerParts[0])
	if provider != GitHub && provider != GitLab {
		return "", "", fmt.Errorf("%w: '%s'", ErrUnknownProvider, provider)
	}

	repoID := strings.TrimSuffix(path, ".git")
	if repoID == "" {
		return "", "", fmt.Errorf("%w: empty repository in url '%s'", ErrUnknownURLFormat, url)
	}
	return provider, repoID, nil
}
