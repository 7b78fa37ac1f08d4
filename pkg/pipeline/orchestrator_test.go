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

package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ecorp/shipyard/internal/cloudtest"
	"github.com/ecorp/shipyard/internal/gittest"
	"github.com/ecorp/shipyard/internal/ocitest"
	"github.com/ecorp/shipyard/pkg/oci"
	"github.com/ecorp/shipyard/pkg/pipeline"
	"github.com/ecorp/shipyard/pkg/vcs"
)

// recorder is an action appending the job input of every invocation.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recorder) Run(ctx context.Context, step pipeline.StepContext) error {
	r.mu.Lock()
	job := step.With["job"]
	r.calls = append(r.calls, job)
	r.mu.Unlock()
	if r.fail[job] {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

const ciWorkflow = `
name: ci
on:
  push:
    branches: [main]
jobs:
  install:
    steps:
      - uses: test/record@v1
        with:
          job: install
  docker_build_and_push:
    needs: install
    steps:
      - uses: test/record@v1
        with:
          job: docker_build_and_push
  lint:
    steps:
      - uses: test/record@v1
        with:
          job: lint
`

func mustParse(content string) *pipeline.Workflow {
	workflow, err := pipeline.Parse([]byte(content))
	Expect(err).NotTo(HaveOccurred())
	return workflow
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx          context.Context
		workspace    string
		rec          *recorder
		orchestrator *pipeline.Orchestrator
	)

	BeforeEach(func() {
		ctx = context.Background()
		workspace = GinkgoT().TempDir()
		rec = &recorder{fail: map[string]bool{}}
		orchestrator = &pipeline.Orchestrator{
			Log:       GinkgoLogr,
			Workspace: workspace,
			Actions: pipeline.Actions{
				"test/record": rec,
			},
			WorkerPoolSize: 2,
		}
	})

	When("every job succeeds", func() {
		It("runs jobs after their needs", func() {
			result, err := orchestrator.Run(ctx, mustParse(ciWorkflow))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Succeeded()).To(BeTrue())
			Expect(result.Err()).NotTo(HaveOccurred())
			Expect(result.Order).To(Equal([]string{"install", "docker_build_and_push", "lint"}))

			calls := rec.Calls()
			Expect(calls).To(ConsistOf("install", "docker_build_and_push", "lint"))
			Expect(strings.Join(calls, ",")).To(MatchRegexp(`install.*docker_build_and_push`))
			for _, id := range result.Order {
				job := result.Jobs[id]
				Expect(job.Status).To(Equal(pipeline.StatusSucceeded))
				Expect(job.Steps).To(HaveLen(1))
				Expect(job.Finished).NotTo(BeTemporally("<", job.Started))
			}
		})

		It("runs independent jobs concurrently", func() {
			var arrived sync.WaitGroup
			arrived.Add(2)
			barrier := pipeline.ActionFunc(func(ctx context.Context, step pipeline.StepContext) error {
				arrived.Done()
				done := make(chan struct{})
				go func() {
					arrived.Wait()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-time.After(5 * time.Second):
					return errors.New("other job never started")
				}
			})
			orchestrator.Actions["test/barrier"] = barrier

			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  lint:
    steps:
      - uses: test/barrier
  test:
    steps:
      - uses: test/barrier
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())
		})
	})

	When("a job fails", func() {
		It("never starts docker_build_and_push unless install succeeded", func() {
			rec.fail["install"] = true

			result, err := orchestrator.Run(ctx, mustParse(ciWorkflow))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status("install")).To(Equal(pipeline.StatusFailed))
			Expect(result.Status("docker_build_and_push")).To(Equal(pipeline.StatusSkipped))
			Expect(result.Status("lint")).To(Equal(pipeline.StatusSucceeded))
			Expect(rec.Calls()).NotTo(ContainElement("docker_build_and_push"))
			Expect(result.Succeeded()).To(BeFalse())

			Expect(errors.Is(result.Err(), pipeline.ErrJobFailed)).To(BeTrue())
			var jobErr *pipeline.JobError
			Expect(errors.As(result.Err(), &jobErr)).To(BeTrue())
			Expect(jobErr.Job).To(Equal("install"))
			Expect(jobErr.Step).To(Equal("test/record@v1"))
		})

		It("aborts the remaining steps of the job", func() {
			rec.fail["second"] = true

			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  build:
    steps:
      - uses: test/record
        with:
          job: first
      - name: second
        uses: test/record
        with:
          job: second
      - uses: test/record
        with:
          job: third
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Calls()).To(Equal([]string{"first", "second"}))
			steps := result.Jobs["build"].Steps
			Expect(steps).To(HaveLen(2))
			Expect(steps[0].Status).To(Equal(pipeline.StatusSucceeded))
			Expect(steps[1].Name).To(Equal("second"))
			Expect(steps[1].Status).To(Equal(pipeline.StatusFailed))
		})

		It("skips transitive dependents", func() {
			rec.fail["a"] = true

			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  a:
    steps:
      - uses: test/record
        with:
          job: a
  b:
    needs: a
    steps:
      - uses: test/record
        with:
          job: b
  c:
    needs: [b]
    steps:
      - uses: test/record
        with:
          job: c
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status("b")).To(Equal(pipeline.StatusSkipped))
			Expect(result.Status("c")).To(Equal(pipeline.StatusSkipped))
			Expect(rec.Calls()).To(Equal([]string{"a"}))
		})
	})

	When("the context is cancelled", func() {
		It("marks unstarted jobs as cancelled", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			result, err := orchestrator.Run(cancelCtx, mustParse(ciWorkflow))
			Expect(err).NotTo(HaveOccurred())
			for _, id := range result.Order {
				Expect(result.Status(id)).To(Equal(pipeline.StatusCancelled))
			}
			Expect(rec.Calls()).To(BeEmpty())
		})

		It("cancels dependents of a job interrupted while running", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			orchestrator.Actions["test/interrupt"] = pipeline.ActionFunc(
				func(ctx context.Context, step pipeline.StepContext) error {
					cancel()
					<-ctx.Done()
					return ctx.Err()
				},
			)

			result, err := orchestrator.Run(cancelCtx, mustParse(`
jobs:
  install:
    steps:
      - uses: test/interrupt
  docker_build_and_push:
    needs: install
    steps:
      - uses: test/record
        with:
          job: docker_build_and_push
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status("install")).To(Equal(pipeline.StatusCancelled))
			Expect(result.Status("docker_build_and_push")).To(Equal(pipeline.StatusCancelled))
			Expect(rec.Calls()).To(BeEmpty())
		})
	})

	When("the workflow is invalid", func() {
		It("fails before running anything on unknown actions", func() {
			_, err := orchestrator.Run(ctx, mustParse(`
jobs:
  install:
    steps:
      - uses: test/record
        with:
          job: install
  deploy:
    steps:
      - uses: hashicorp/setup-terraform@v3
`))
			Expect(err).To(MatchError(pipeline.ErrUnknownAction))
			Expect(rec.Calls()).To(BeEmpty())
		})
	})

	Describe("run steps", func() {
		BeforeEach(func() {
			orchestrator.Secrets = map[string]string{"TOKEN": "s3cr3t"}
			orchestrator.Git = pipeline.GitContext{
				SHA:      "4f2a9c1e0b7d",
				ShortSHA: "4f2a9c1",
				RefName:  "main",
			}
		})

		It("runs shell commands with expanded env in the working directory", func() {
			result, err := orchestrator.Run(ctx, mustParse(`
env:
  BRANCH: ${{ github.ref_name }}
jobs:
  install:
    env:
      GREETING: hello from ${{ env.BRANCH }}
    steps:
      - run: mkdir -p sub
      - run: echo "$GREETING ${{ secrets.TOKEN }} ${{ github.short_sha }} $STEP" > out.txt
        working-directory: sub
        env:
          STEP: last
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())
			content, err := os.ReadFile(filepath.Join(workspace, "sub", "out.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("hello from main s3cr3t 4f2a9c1 last\n"))
		})

		It("fails the job on a non-zero exit code", func() {
			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  install:
    steps:
      - run: exit 3
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status("install")).To(Equal(pipeline.StatusFailed))
			Expect(errors.Is(result.Err(), pipeline.ErrStepFailed)).To(BeTrue())
			Expect(result.Err().Error()).To(ContainSubstring("exit code 3"))
		})

		It("fails the job on unknown secrets", func() {
			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  docker_build_and_push:
    steps:
      - run: echo ${{ secrets.DOCKERHUB_TOKEN }}
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status("docker_build_and_push")).To(Equal(pipeline.StatusFailed))
			Expect(errors.Is(result.Err(), pipeline.ErrUnknownSecret)).To(BeTrue())
		})
	})

	Describe("status reporting", func() {
		It("reports a pending and a final status per job", func() {
			server, client, statuses := gittest.MockGitProvider(GinkgoT(), vcs.GitHub)
			defer server.Close()
			reporter, err := vcs.NewStatusReporter(client, vcs.GitHub, "token", "ecorp/app")
			Expect(err).NotTo(HaveOccurred())
			orchestrator.Reporter = reporter
			orchestrator.Git = pipeline.GitContext{SHA: "4f2a9c1e0b7d"}
			rec.fail["install"] = true

			_, err = orchestrator.Run(ctx, mustParse(ciWorkflow))
			Expect(err).NotTo(HaveOccurred())

			byContext := map[string][]string{}
			for _, req := range statuses.Requests() {
				Expect(req.Path).To(Equal("/repos/ecorp/app/statuses/4f2a9c1e0b7d"))
				byContext[req.Context] = append(byContext[req.Context], req.State)
			}
			Expect(byContext).To(Equal(map[string][]string{
				"shipyard/install":               {"pending", "failure"},
				"shipyard/lint":                  {"pending", "success"},
				"shipyard/docker_build_and_push": {"error"},
			}))
		})
	})

	Describe("git context", func() {
		It("reads sha and ref from the workspace repository", func() {
			repository := gittest.SetupGitRepository(GinkgoT())
			Expect(repository.AddRemote("origin", "git@github.com:ecorp/app.git")).To(Succeed())
			sha, err := repository.CommitNewFile("app.txt", "app", "add app")
			Expect(err).NotTo(HaveOccurred())

			gitContext, err := pipeline.ReadGitContext(repository.Directory, pipeline.EventPush)
			Expect(err).NotTo(HaveOccurred())
			Expect(gitContext).To(Equal(pipeline.GitContext{
				SHA:        sha,
				ShortSHA:   sha[:7],
				Ref:        "refs/heads/main",
				RefName:    "main",
				Repository: "ecorp/app",
				EventName:  pipeline.EventPush,
				Actor:      "John Doe",
			}))
		})
	})

	Describe("built-in actions", func() {
		BeforeEach(func() {
			orchestrator.Actions = pipeline.DefaultActions()
			orchestrator.Git = pipeline.GitContext{ShortSHA: "4f2a9c1"}
			Expect(os.MkdirAll(filepath.Join(workspace, "bin"), 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(workspace, "bin", "shipyard"), []byte("binary"), 0755)).To(Succeed())
		})

		pushWorkflow := func(host string, credentials string) string {
			return fmt.Sprintf(`
jobs:
  install:
    steps:
      - uses: actions/checkout@v4
      - run: test -f bin/shipyard
  docker_build_and_push:
    needs: install
    steps:
      - uses: shipyard/image-push
        with:
          context: bin
          entrypoint: /app/shipyard
          cmd: serve
          port: "5050"
          tags: %[1]s/ecorp/app:${{ github.short_sha }},%[1]s/ecorp/app:latest
%[2]s
`, host, credentials)
		}

		It("pushes the image with secrets as credentials", func() {
			registry := ocitest.NewRegistry(GinkgoT(), true, "ecorp:dckr_pat")
			orchestrator.Secrets = map[string]string{
				"DOCKERHUB_USERNAME": "ecorp",
				"DOCKERHUB_TOKEN":    "dckr_pat",
			}

			result, err := orchestrator.Run(ctx, mustParse(pushWorkflow(registry.Host(), `
          username: ${{ secrets.DOCKERHUB_USERNAME }}
          password: ${{ secrets.DOCKERHUB_TOKEN }}`)))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())

			img, err := oci.Image(ctx, registry.Host()+"/ecorp/app:4f2a9c1", oci.WithBasicAuth("ecorp", "dckr_pat"))
			Expect(err).NotTo(HaveOccurred())
			configFile, err := img.ConfigFile()
			Expect(err).NotTo(HaveOccurred())
			Expect(configFile.Config.Entrypoint).To(Equal([]string{"/app/shipyard"}))
			Expect(configFile.Config.Cmd).To(Equal([]string{"serve"}))
			Expect(configFile.Config.ExposedPorts).To(HaveKey("5050/tcp"))
		})

		It("pushes the image with workload identity credentials", func() {
			metadata := cloudtest.NewGCPEnvironment(GinkgoT(), "ya29")
			registry := ocitest.NewRegistry(GinkgoT(), true, "oauth2accesstoken:ya29")
			orchestrator.Actions[pipeline.ActionImagePush] = &pipeline.ImagePush{
				CloudOptions: metadata.Options(),
			}

			result, err := orchestrator.Run(ctx, mustParse(pushWorkflow(registry.Host(), `
          auth: gcp`)))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())

			_, err = oci.Image(ctx, registry.Host()+"/ecorp/app:latest", oci.WithBasicAuth("oauth2accesstoken", "ya29"))
			Expect(err).NotTo(HaveOccurred())
			Expect(metadata.Requests()).To(BeNumerically(">=", 1))
		})

		It("fails without tags", func() {
			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  docker_build_and_push:
    steps:
      - uses: shipyard/image-push
        with:
          context: bin
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(errors.Is(result.Err(), pipeline.ErrMissingInput)).To(BeTrue())
		})

		It("renders the chart", func() {
			Expect(os.WriteFile(filepath.Join(workspace, "values.yaml"), []byte(`
ingress:
  enabled: true
  host: example.com
  className: nginx
  tls: true
  tlsSecretName: tls-secret
`), 0644)).To(Succeed())

			result, err := orchestrator.Run(ctx, mustParse(`
jobs:
  render:
    steps:
      - uses: shipyard/render
        with:
          release: app
          namespace: web
          values: values.yaml
          set: image.tag=${{ github.short_sha }}
          output: build/manifests.yaml
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Err()).NotTo(HaveOccurred())

			content, err := os.ReadFile(filepath.Join(workspace, "build", "manifests.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("kind: Ingress"))
			Expect(string(content)).To(ContainSubstring("secretName: tls-secret"))
			Expect(string(content)).To(ContainSubstring("ecorp/app:4f2a9c1"))
		})
	})
})
