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
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

var (
	ErrNoRemote = errors.New("Repository has no remote")
)

// A vcs Repository.
type Repository struct {
	Path string
	git  *git.Repository
}

// Commit describes the checked out HEAD of a repository.
type Commit struct {
	SHA      string
	ShortSHA string
	// Ref is the full reference, e.g. refs/heads/main. Detached heads have Ref HEAD.
	Ref     string
	RefName string
	Message string
	Author  string
}

// Open opens the repository at path or in one of its parents.
func Open(path string) (*Repository, error) {
	gitRepository, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil, err
	}
	return &Repository{
		Path: path,
		git:  gitRepository,
	}, nil
}

func (repository *Repository) Head() (*Commit, error) {
	ref, err := repository.git.Head()
	if err != nil {
		return nil, err
	}
	commit, err := repository.git.CommitObject(ref.Hash())
	if err != nil {
		return nil, err
	}

	sha := ref.Hash().String()
	return &Commit{
		SHA:      sha,
		ShortSHA: sha[:7],
		Ref:      ref.Name().String(),
		RefName:  ref.Name().Short(),
		Message:  commit.Message,
		Author:   commit.Author.Name,
	}, nil
}

// RemoteURL returns the first url of the named remote.
func (repository *Repository) RemoteURL(name string) (string, error) {
	remote, err := repository.git.Remote(name)
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoRemote, name)
		}
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("%w: %s has no url", ErrNoRemote, name)
	}
	return urls[0], nil
}
