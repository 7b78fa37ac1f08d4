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
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v62/github"
)

type githubClient struct {
	client *github.Client
	owner  string
	repo   string
}

var _ StatusReporter = (*githubClient)(nil)

func (g *githubClient) ReportStatus(ctx context.Context, status CommitStatus) error {
	_, _, err := g.client.Repositories.CreateStatus(
		ctx,
		g.owner,
		g.repo,
		status.SHA,
		&github.RepoStatus{
			State:       github.String(githubState(status.State)),
			Context:     github.String(status.Context),
			Description: github.String(status.Description),
			TargetURL:   optional(status.TargetURL),
		},
	)
	return err
}

// GitHub only knows error, failure, pending and success.
func githubState(state State) string {
	switch state {
	case StateSkipped, StateCancelled:
		return "error"
	}
	return string(state)
}

func parseGithubRepoID(id string) (owner string, repo string, err error) {
	idSplit := strings.Split(id, "/")
	if len(idSplit) != 2 {
		return "", "", fmt.Errorf(
			"%w: %s doesn't correspond to the owner/repo format",
			ErrRepositoryID,
			id,
		)
	}

	owner = idSplit[0]
	repo = idSplit[1]
	err = nil

	return
}

func NewGithubClient(httpClient *http.Client, token string, repoID string) (*githubClient, error) {
	owner, repo, err := parseGithubRepoID(repoID)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(httpClient).WithAuthToken(token)
	return &githubClient{
		client: client,
		owner:  owner,
		repo:   repo,
	}, nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
