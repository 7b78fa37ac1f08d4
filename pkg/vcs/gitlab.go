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
	"net/http"

	gogitlab "github.com/xanzy/go-gitlab"
)

type gitlabClient struct {
	client *gogitlab.Client
	repoID string
}

var _ StatusReporter = (*gitlabClient)(nil)

func (g *gitlabClient) ReportStatus(ctx context.Context, status CommitStatus) error {
	_, _, err := g.client.Commits.SetCommitStatus(
		g.repoID,
		status.SHA,
		&gogitlab.SetCommitStatusOptions{
			State:       gitlabState(status.State),
			Name:        gogitlab.String(status.Context),
			Description: gogitlab.String(status.Description),
			TargetURL:   optional(status.TargetURL),
		},
		gogitlab.WithContext(ctx),
	)
	return err
}

func gitlabState(state State) gogitlab.BuildStateValue {
	switch state {
	case StatePending:
		return gogitlab.Running
	case StateSuccess:
		return gogitlab.Success
	case StateSkipped:
		return gogitlab.Skipped
	case StateCancelled:
		return gogitlab.Canceled
	}
	return gogitlab.Failed
}

func NewGitlabClient(httpClient *http.Client, token string, repoID string) (*gitlabClient, error) {
	client, err := gogitlab.NewClient(token, gogitlab.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return &gitlabClient{
		client: client,
		repoID: repoID,
	}, nil
}
