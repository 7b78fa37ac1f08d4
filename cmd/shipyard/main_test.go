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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ecorp/shipyard/pkg/secret"
	"golang.org/x/crypto/bcrypt"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

type cli struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	stdin  string
}

func (c *cli) run(args ...string) error {
	c.stdout.Reset()
	c.stderr.Reset()
	root := initCli(initCliConfig()).Build()
	root.SetArgs(args)
	root.SetOut(&c.stdout)
	root.SetErr(&c.stderr)
	root.SetIn(strings.NewReader(c.stdin))
	return root.ExecuteContext(context.Background())
}

func TestVersion(t *testing.T) {
	c := &cli{}
	assert.NilError(t, c.run("version"))
	assert.Equal(t, c.stdout.String(), "development\n")
}

func TestRender(t *testing.T) {
	c := &cli{}
	assert.NilError(t, c.run(
		"render",
		"--set", "ingress.enabled=true",
		"--set", "ingress.host=example.com",
		"--set", "ingress.className=nginx",
		"--set", "ingress.tls=true",
		"--set", "ingress.tlsSecretName=tls-secret",
	))
	out := c.stdout.String()
	assert.Assert(t, is.Contains(out, "kind: Deployment"))
	assert.Assert(t, is.Contains(out, "kind: Service"))
	assert.Assert(t, is.Contains(out, "kind: Ingress"))
	assert.Assert(t, is.Contains(out, "secretName: tls-secret"))
	assert.Assert(t, is.Contains(out, "cert-manager.io/cluster-issuer: letsencrypt-prod"))

	first := out
	assert.NilError(t, c.run(
		"render",
		"--set", "ingress.enabled=true",
		"--set", "ingress.host=example.com",
		"--set", "ingress.className=nginx",
		"--set", "ingress.tls=true",
		"--set", "ingress.tlsSecretName=tls-secret",
	))
	assert.Equal(t, c.stdout.String(), first)
}

func TestRender_ValuesFileAndOutput(t *testing.T) {
	dir := fs.NewDir(t, "render",
		fs.WithFile("values.yaml", "image:\n  tag: 4f2a9c1\n"),
	)
	defer dir.Remove()
	output := filepath.Join(dir.Path(), "out", "manifests.yaml")
	c := &cli{}
	assert.NilError(t, c.run("render", "-f", dir.Join("values.yaml"), "-o", output))
	assert.Equal(t, c.stdout.String(), "")
	content, err := os.ReadFile(output)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(string(content), "image: ecorp/app:4f2a9c1"))
	assert.Assert(t, !strings.Contains(string(content), "kind: Ingress"))
}

func TestConfigFileAndEnv(t *testing.T) {
	dir := fs.NewDir(t, "config",
		fs.WithFile("shipyard.yaml", "render:\n  release: shop\n  set:\n    - service.port=8080\n"),
	)
	defer dir.Remove()
	c := &cli{}
	assert.NilError(t, c.run("render", "--config", dir.Join("shipyard.yaml")))
	assert.Assert(t, is.Contains(c.stdout.String(), "name: shop-app"))
	assert.Assert(t, is.Contains(c.stdout.String(), "port: 8080"))

	t.Setenv("SHIPYARD_RENDER_RELEASE", "store")
	assert.NilError(t, c.run("render", "--config", dir.Join("shipyard.yaml")))
	assert.Assert(t, is.Contains(c.stdout.String(), "name: store-app"))

	// flags win over the environment
	assert.NilError(t, c.run("render", "--config", dir.Join("shipyard.yaml"), "--release", "app"))
	assert.Assert(t, is.Contains(c.stdout.String(), "name: app\n"))
}

const greetingStack = `
variable "greeting" {
  default = "hello"
}

resource "local_file" "greeting" {
  filename = "greeting.txt"
  content  = var.greeting
}

output "greeting_file" {
  value = local_file.greeting.filename
}
`

func TestStackLifecycle(t *testing.T) {
	dir := fs.NewDir(t, "stack", fs.WithFile("main.hcl", greetingStack))
	defer dir.Remove()
	statePath := filepath.Join(t.TempDir(), "shipyard.tfstate")
	stackArgs := func(cmd ...string) []string {
		return append(cmd, "--dir", dir.Path(), "--state.path", statePath)
	}
	c := &cli{}

	assert.NilError(t, c.run(stackArgs("plan")...))
	assert.Equal(t, c.stdout.String(), "+ local_file.greeting (create)\nPlan: 1 to add, 0 to change, 0 to destroy.\n")

	assert.NilError(t, c.run(stackArgs("apply", "--var", "greeting=ahoy")...))
	assert.Assert(t, is.Contains(c.stdout.String(), "local_file.greeting: applied"))
	assert.Assert(t, is.Contains(c.stdout.String(), "greeting_file = "+dir.Join("greeting.txt")))
	content, err := os.ReadFile(dir.Join("greeting.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "ahoy")

	assert.NilError(t, c.run(stackArgs("plan", "--var", "greeting=ahoy")...))
	assert.Equal(t, c.stdout.String(), "Plan: 0 to add, 0 to change, 0 to destroy.\n")

	assert.NilError(t, c.run("state", "show", "--state.path", statePath))
	assert.Assert(t, is.Contains(c.stdout.String(), "local_file.greeting\n"))

	err = c.run(stackArgs("destroy")...)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Assert(t, is.Contains(c.stdout.String(), "- local_file.greeting (delete)"))
	_, err = os.Stat(dir.Join("greeting.txt"))
	assert.NilError(t, err)

	assert.NilError(t, c.run(stackArgs("destroy", "--auto-approve")...))
	assert.Assert(t, is.Contains(c.stdout.String(), "local_file.greeting: deleted"))
	_, err = os.Stat(dir.Join("greeting.txt"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestStateBackend_Unknown(t *testing.T) {
	c := &cli{}
	err := c.run("state", "show", "--state.backend", "s3")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestSecretCommands(t *testing.T) {
	dir := fs.NewDir(t, "secret",
		fs.WithFile("secrets.yaml", "DOCKERHUB_USERNAME: ecorp\nDOCKERHUB_TOKEN: dckr_pat_123\n"),
	)
	defer dir.Remove()
	keyFile := dir.Join("shipyard.key")
	encrypted := dir.Join("secrets.age")
	c := &cli{}

	assert.NilError(t, c.run("secret", "keygen", "-o", keyFile))
	recipient := strings.TrimSpace(c.stdout.String())
	assert.Assert(t, strings.HasPrefix(recipient, "age1"))
	assert.ErrorContains(t, c.run("secret", "keygen", "-o", keyFile), "already exists")

	assert.NilError(t, c.run("secret", "encrypt", dir.Join("secrets.yaml"), "-r", recipient, "-o", encrypted))
	assert.Equal(t, c.stdout.String(), "Encrypted 2 secrets to "+encrypted+"\n")

	assert.NilError(t, c.run("secret", "decrypt", encrypted, "-i", keyFile))
	assert.Equal(t, c.stdout.String(), "DOCKERHUB_TOKEN: <redacted>\nDOCKERHUB_USERNAME: <redacted>\n")
	assert.NilError(t, c.run("secret", "decrypt", encrypted, "-i", keyFile, "--values"))
	assert.Equal(t, c.stdout.String(), "DOCKERHUB_TOKEN: dckr_pat_123\nDOCKERHUB_USERNAME: ecorp\n")
}

func TestHashPassword(t *testing.T) {
	c := &cli{stdin: "correct horse\n"}
	assert.NilError(t, c.run("hash-password"))
	hash := strings.TrimSpace(c.stdout.String())
	assert.NilError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse")))

	c = &cli{stdin: "\n"}
	assert.ErrorIs(t, c.run("hash-password"), ErrEmptyPassword)
}

const testWorkflow = `
name: ci
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - run: printf 'token=%s' "${{ secrets.API_TOKEN }}" > out.txt
  publish:
    needs: build
    runs-on: ubuntu-latest
    steps:
      - run: cp out.txt published.txt
`

func TestPipelineRun(t *testing.T) {
	identity, err := secret.GenerateIdentity()
	assert.NilError(t, err)
	workspace := fs.NewDir(t, "workspace",
		fs.WithFile("ci.yaml", testWorkflow),
		fs.WithFile("shipyard.key", identity.String()+"\n"),
	)
	defer workspace.Remove()
	assert.NilError(t, secret.WriteFile(
		workspace.Join("secrets.age"),
		map[string]string{"API_TOKEN": "s3cr3t"},
		identity.Recipient().String(),
	))
	args := []string{
		"pipeline", "run",
		"--workflow", workspace.Join("ci.yaml"),
		"--workspace", workspace.Path(),
		"--secrets-file", workspace.Join("secrets.age"),
		"--identity-file", workspace.Join("shipyard.key"),
	}
	c := &cli{}

	assert.NilError(t, c.run(append(args, "--branch", "feature")...))
	assert.Equal(t, c.stdout.String(), "Workflow ci is not triggered by push on feature\n")

	assert.NilError(t, c.run(append(args, "--branch", "main")...))
	lines := strings.Split(strings.TrimSpace(c.stdout.String()), "\n")
	assert.Assert(t, is.Len(lines, 2))
	assert.Assert(t, strings.HasPrefix(lines[0], "build: succeeded"))
	assert.Assert(t, strings.HasPrefix(lines[1], "publish: succeeded"))
	content, err := os.ReadFile(workspace.Join("published.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "token=s3cr3t")
	assert.Assert(t, !strings.Contains(c.stderr.String(), "s3cr3t"))
}

func TestPipelineRun_Failure(t *testing.T) {
	workspace := fs.NewDir(t, "workspace", fs.WithFile("ci.yaml", `
name: ci
on:
  push: {}
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - run: exit 1
  publish:
    needs: build
    runs-on: ubuntu-latest
    steps:
      - run: echo never
`))
	defer workspace.Remove()
	c := &cli{}
	err := c.run(
		"pipeline", "run",
		"--workflow", workspace.Join("ci.yaml"),
		"--workspace", workspace.Path(),
		"--secrets-file", workspace.Join("absent.age"),
	)
	assert.ErrorIs(t, err, ErrPipelineFailed)
	assert.Assert(t, is.Contains(c.stdout.String(), "build: failed"))
	assert.Assert(t, is.Contains(c.stdout.String(), "publish: skipped"))
}

func TestPipelineShowDefault(t *testing.T) {
	c := &cli{}
	assert.NilError(t, c.run("pipeline", "show-default"))
	assert.Assert(t, is.Contains(c.stdout.String(), "docker_build_and_push:"))
}
