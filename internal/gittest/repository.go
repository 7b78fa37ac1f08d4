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

package gittest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ecorp/shipyard/pkg/vcs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gotest.tools/v3/assert"
)

type LocalGitRepository struct {
	Repository *git.Repository
	Worktree   *git.Worktree
	Directory  string
}

func (r *LocalGitRepository) CommitFile(file string, message string) (string, error) {
	worktree := r.Worktree
	if _, err := worktree.Add(file); err != nil {
		return "", err
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "John Doe",
			Email: "john@doe.org",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (r *LocalGitRepository) CommitNewFile(file string, content string, message string) (string, error) {
	if err := os.WriteFile(filepath.Join(r.Directory, file), []byte(content), 0664); err != nil {
		return "", err
	}
	return r.CommitFile(file, message)
}

func (r *LocalGitRepository) AddRemote(name string, url string) error {
	_, err := r.Repository.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	return err
}

// T is satisfied by *testing.T and GinkgoT().
type T interface {
	assert.TestingT
	TempDir() string
}

// SetupGitRepository initializes a repository with one commit on main in a test owned directory.
func SetupGitRepository(t T) *LocalGitRepository {
	dir := t.TempDir()
	r, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: "refs/heads/main",
		},
	})
	assert.NilError(t, err)
	worktree, err := r.Worktree()
	assert.NilError(t, err)
	localRepository := &LocalGitRepository{
		Repository: r,
		Worktree:   worktree,
		Directory:  dir,
	}
	_, err = localRepository.CommitNewFile("README.md", "# app\n", "first commit")
	assert.NilError(t, err)
	return localRepository
}

// enforceHostRoundTripper rewrites all requests with the given `Host`.
type enforceHostRoundTripper struct {
	Host                 string
	UpstreamRoundTripper http.RoundTripper
}

func (efrt *enforceHostRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	splitHost := strings.Split(efrt.Host, "://")
	r.URL.Scheme = splitHost[0]
	r.URL.Host = splitHost[1]

	return efrt.UpstreamRoundTripper.RoundTrip(r)
}

// StatusRequest is a commit status as received by a mocked git provider.
type StatusRequest struct {
	Path        string
	State       string `json:"state"`
	Context     string `json:"context"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type StatusRecorder struct {
	mu       sync.Mutex
	requests []StatusRequest
}

func (recorder *StatusRecorder) Requests() []StatusRequest {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	requests := make([]StatusRequest, len(recorder.requests))
	copy(requests, recorder.requests)
	return requests
}

// MockGitProvider serves the commit status api of the provider.
// The returned client routes every request to the mock regardless of the requested host.
func MockGitProvider(
	t assert.TestingT,
	provider vcs.Provider,
) (*httptest.Server, *http.Client, *StatusRecorder) {
	recorder := &StatusRecorder{}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(500)
			w.Write([]byte(err.Error()))
			return
		}
		switch provider {
		case vcs.GitHub:
			authHeader := r.Header["Authorization"]
			assert.Assert(t, len(authHeader) == 1)
			assert.Assert(t, strings.HasPrefix(authHeader[0], "Bearer"))
			assert.Assert(t, authHeader[0] != "Bearer ")
		case vcs.GitLab:
			authHeader := r.Header["Private-Token"]
			assert.Assert(t, len(authHeader) == 1)
			assert.Assert(t, authHeader[0] != "")
		}
		req := StatusRequest{
			Path: r.URL.EscapedPath(),
		}
		if len(bodyBytes) > 0 {
			err = json.Unmarshal(bodyBytes, &req)
			assert.NilError(t, err)
		} else {
			query := r.URL.Query()
			req.State = query.Get("state")
			req.Name = query.Get("name")
			req.Description = query.Get("description")
		}
		recorder.mu.Lock()
		recorder.requests = append(recorder.requests, req)
		recorder.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1}`))
	}))
	client := server.Client()
	client.Transport = &enforceHostRoundTripper{
		Host:                 server.URL,
		UpstreamRoundTripper: client.Transport,
	}
	return server, client, recorder
}
