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
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ecorp/shipyard/pkg/pipeline"
	"github.com/ecorp/shipyard/pkg/secret"
	"github.com/ecorp/shipyard/pkg/vcs"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var ErrPipelineFailed = errors.New("Pipeline failed")

type PipelineCommandBuilder struct {
	config CliConfig
}

func (builder PipelineCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run CI workflows locally or on a build agent",
	}
	cmd.AddCommand(builder.run())
	cmd.AddCommand(builder.show())
	return cmd
}

func (builder PipelineCommandBuilder) show() *cobra.Command {
	return &cobra.Command{
		Use:   "show-default",
		Short: "Print the built-in workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(pipeline.DefaultWorkflowContent())
			return err
		},
	}
}

func (builder PipelineCommandBuilder) run() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs of a workflow, the built-in workflow by default",
		Args:  cobra.NoArgs,
		PreRunE: builder.config.binder(
			"pipeline.",
			"workflow",
			"workspace",
			"event",
			"branch",
			"secrets-file",
			"identity-file",
			"identity",
			"report",
			"token",
			"workers",
		),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := builder.config
			log, err := config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			workflow, err := loadWorkflow(config.GetString("pipeline.workflow"))
			if err != nil {
				return err
			}
			workspace := config.GetString("pipeline.workspace")
			event := config.GetString("pipeline.event")

			gitContext, err := pipeline.ReadGitContext(workspace, event)
			if err != nil {
				log.Info("Workspace is not a git repository, git expressions are empty", "workspace", workspace, "error", err.Error())
				gitContext = pipeline.GitContext{EventName: event}
			}
			branch := config.GetString("pipeline.branch")
			if branch == "" {
				branch = gitContext.RefName
			}
			if !workflow.Triggered(pipeline.Event{Name: event, Branch: branch}) {
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is not triggered by %s on %s\n", workflow.Name, event, branch)
				return nil
			}

			fileSecrets, err := builder.readSecrets(log)
			if err != nil {
				return err
			}

			orchestrator := &pipeline.Orchestrator{
				Log:            log,
				Workspace:      workspace,
				Actions:        pipeline.DefaultActions(),
				Secrets:        pipeline.CollectSecrets(workflow, fileSecrets, os.LookupEnv),
				Git:            gitContext,
				WorkerPoolSize: config.GetInt("pipeline.workers"),
			}
			if config.GetBool("pipeline.report") {
				reporter, err := builder.statusReporter(workspace)
				if err != nil {
					return err
				}
				orchestrator.Reporter = reporter
			}

			result, err := orchestrator.Run(ctx, workflow)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, id := range result.Order {
				job := result.Jobs[id]
				fmt.Fprintf(w, "%s: %s (%s)\n", id, job.Status, job.Finished.Sub(job.Started).Round(time.Millisecond))
			}
			if !result.Succeeded() {
				return fmt.Errorf("%w: %w", ErrPipelineFailed, result.Err())
			}
			return nil
		},
	}
	cmd.Flags().StringP("workflow", "w", "", "Workflow file, defaults to the built-in workflow")
	cmd.Flags().String("workspace", ".", "Checked out repository the jobs run in")
	cmd.Flags().String("event", pipeline.EventPush, "Triggering event: push or pull_request")
	cmd.Flags().String("branch", "", "Branch of the event, defaults to the checked out branch")
	cmd.Flags().String("secrets-file", "secrets.age", "age encrypted secrets, ignored if absent")
	cmd.Flags().String("identity-file", "", "age identity file decrypting the secrets file")
	cmd.Flags().String("identity", "", "age identity decrypting the secrets file, preferably set as SHIPYARD_PIPELINE_IDENTITY")
	cmd.Flags().Bool("report", false, "Report job results as commit statuses to the origin remote")
	cmd.Flags().String("token", "", "API token for commit statuses, preferably set as SHIPYARD_PIPELINE_TOKEN")
	cmd.Flags().Int("workers", pipeline.DefaultWorkerPoolSize, "Number of jobs run concurrently")
	return cmd
}

func loadWorkflow(file string) (*pipeline.Workflow, error) {
	if file == "" {
		return pipeline.DefaultWorkflow()
	}
	return pipeline.Load(file)
}

func (builder PipelineCommandBuilder) readSecrets(log logr.Logger) (map[string]string, error) {
	file := builder.config.GetString("pipeline.secrets-file")
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		log.V(1).Info("No secrets file", "file", file)
		return nil, nil
	}
	identities := []string{}
	if identity := strings.TrimSpace(builder.config.GetString("pipeline.identity")); identity != "" {
		identities = append(identities, identity)
	}
	if identityFile := builder.config.GetString("pipeline.identity-file"); identityFile != "" {
		fromFile, err := secret.ReadIdentityFile(identityFile)
		if err != nil {
			return nil, err
		}
		identities = append(identities, fromFile...)
	}
	return secret.ReadFile(file, identities...)
}

func (builder PipelineCommandBuilder) statusReporter(workspace string) (vcs.StatusReporter, error) {
	repository, err := vcs.Open(workspace)
	if err != nil {
		return nil, err
	}
	url, err := repository.RemoteURL("origin")
	if err != nil {
		return nil, err
	}
	provider, repoID, err := vcs.ParseRemoteURL(url)
	if err != nil {
		return nil, err
	}
	return vcs.NewStatusReporter(http.DefaultClient, provider, builder.config.GetString("pipeline.token"), repoID)
}
