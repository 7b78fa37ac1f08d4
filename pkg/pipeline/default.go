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

package pipeline

import (
	_ "embed"

	"github.com/ecorp/shipyard/pkg/vcs"
)

//go:embed workflows/ci.yaml
var defaultWorkflow []byte

// DefaultWorkflow builds the binary in job install and pushes the application image in job docker_build_and_push.
func DefaultWorkflow() (*Workflow, error) {
	return Parse(defaultWorkflow)
}

// DefaultWorkflowContent is the source of DefaultWorkflow, used to scaffold projects.
func DefaultWorkflowContent() []byte {
	return defaultWorkflow
}

// ReadGitContext describes HEAD of the repository containing workspace.
func ReadGitContext(workspace string, eventName string) (GitContext, error) {
	repository, err := vcs.Open(workspace)
	if err != nil {
		return GitContext{}, err
	}
	commit, err := repository.Head()
	if err != nil {
		return GitContext{}, err
	}
	gitContext := GitContext{
		SHA:       commit.SHA,
		ShortSHA:  commit.ShortSHA,
		Ref:       commit.Ref,
		RefName:   commit.RefName,
		EventName: eventName,
		Actor:     commit.Author,
	}
	if url, err := repository.RemoteURL("origin"); err == nil {
		if _, repoID, err := vcs.ParseRemoteURL(url); err == nil {
			gitContext.Repository = repoID
		}
	}
	return gitContext, nil
}
