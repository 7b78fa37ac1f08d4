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
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"slices"

	"cloud.google.com/go/storage"
	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/provider"
	"github.com/ecorp/shipyard/pkg/stack"
	"github.com/ecorp/shipyard/pkg/state"
	"github.com/ecorp/shipyard/pkg/values"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"
	"sigs.k8s.io/yaml"
)

var (
	ErrNotApproved    = errors.New("Destroy has to be approved with --auto-approve")
	ErrUnknownBackend = errors.New("Unknown state backend")
)

const (
	backendFile       = "file"
	backendGCS        = "gcs"
	backendKubernetes = "kubernetes"
)

var stateKeys = []string{"state.backend", "state.path", "state.bucket", "state.prefix", "state.namespace", "state.workspace"}

var stackFlags = []string{"dir", "var", "var-file", "workers"}

// bindStack binds the stack flags below stack., the state flags and extra flags as they are.
func (config CliConfig) bindStack(extra ...string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.bind(cmd, "stack.", stackFlags...); err != nil {
			return err
		}
		return config.bind(cmd, "", slices.Concat(stateKeys, extra)...)
	}
}

func addStateFlags(cmd *cobra.Command) {
	cmd.Flags().String("state.backend", backendFile, "State backend: file, gcs or kubernetes")
	cmd.Flags().String("state.path", "shipyard.tfstate", "State file of the file backend")
	cmd.Flags().String("state.bucket", "", "Bucket of the gcs backend")
	cmd.Flags().String("state.prefix", "shipyard", "Object prefix of the gcs backend")
	cmd.Flags().String("state.namespace", "shipyard", "Namespace of the kubernetes backend")
	cmd.Flags().String("state.workspace", "default", "Workspace of the gcs and kubernetes backends")
}

func addStackFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("dir", "d", ".", "Directory containing the *.hcl stack files")
	cmd.Flags().StringArray("var", nil, "Assign a variable, name=value")
	cmd.Flags().String("var-file", "", "YAML, JSON or CUE file of variable assignments")
	cmd.Flags().Int("workers", runtime.GOMAXPROCS(0), "Number of resources applied concurrently")
	addStateFlags(cmd)
}

func (config CliConfig) backend(ctx context.Context) (state.Backend, error) {
	switch backend := config.GetString("state.backend"); backend {
	case backendFile:
		return &state.FileBackend{Path: config.GetString("state.path")}, nil
	case backendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return &state.GCSBackend{
			Client:    client,
			Bucket:    config.GetString("state.bucket"),
			Prefix:    config.GetString("state.prefix"),
			Workspace: config.GetString("state.workspace"),
		}, nil
	case backendKubernetes:
		cfg, err := kube.LoadConfig()
		if err != nil {
			return nil, err
		}
		client, err := kube.NewRuntimeClient(cfg)
		if err != nil {
			return nil, err
		}
		return &state.KubernetesBackend{
			Client:    client,
			Namespace: config.GetString("state.namespace"),
			Workspace: config.GetString("state.workspace"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}

func (config CliConfig) variables() (map[string]cty.Value, error) {
	vars := map[string]cty.Value{}
	if file := config.GetString("stack.var-file"); file != "" {
		vals, err := values.Load(file)
		if err != nil {
			return nil, err
		}
		fileVars, err := stack.VariablesFromMap(vals.AsMap())
		if err != nil {
			return nil, err
		}
		for name, value := range fileVars {
			vars[name] = value
		}
	}
	assigned, err := stack.ParseVariables(config.GetStringSlice("stack.var")...)
	if err != nil {
		return nil, err
	}
	for name, value := range assigned {
		vars[name] = value
	}
	return vars, nil
}

func (config CliConfig) registry(ctx context.Context, log logr.Logger, dir string) *stack.Registry {
	return provider.NewRegistry(ctx, provider.Options{
		Log:          log,
		BaseDir:      dir,
		HelmCacheDir: filepath.Join(dir, ".shipyard", "charts"),
	})
}

func (config CliConfig) stack(ctx context.Context, log logr.Logger) (*stack.Stack, error) {
	dir := config.GetString("stack.dir")
	stackConfig, err := stack.Load(dir)
	if err != nil {
		return nil, err
	}
	registry := config.registry(ctx, log, dir)
	if err := stackConfig.Validate(registry); err != nil {
		return nil, err
	}
	vars, err := config.variables()
	if err != nil {
		return nil, err
	}
	backend, err := config.backend(ctx)
	if err != nil {
		return nil, err
	}
	return &stack.Stack{
		Log:            log,
		Config:         stackConfig,
		Registry:       registry,
		Backend:        backend,
		Variables:      vars,
		WorkerPoolSize: config.GetInt("stack.workers"),
	}, nil
}

type StackCommandBuilder struct {
	config CliConfig
}

func (builder StackCommandBuilder) Build() []*cobra.Command {
	return []*cobra.Command{
		builder.plan(),
		builder.apply(),
		builder.destroy(),
	}
}

func (builder StackCommandBuilder) plan() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plan",
		Short:   "Show the changes apply would make to reach the declared stack",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.bindStack(),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := builder.config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s, err := builder.config.stack(cmd.Context(), log)
			if err != nil {
				return err
			}
			plan, err := s.Plan(cmd.Context())
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	addStackFlags(cmd)
	return cmd
}

func (builder StackCommandBuilder) apply() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apply",
		Short:   "Create, update and delete resources until they match the declared stack",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.bindStack(),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := builder.config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s, err := builder.config.stack(cmd.Context(), log)
			if err != nil {
				return err
			}
			result, err := s.Apply(cmd.Context())
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	addStackFlags(cmd)
	return cmd
}

func (builder StackCommandBuilder) destroy() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "destroy",
		Short:   "Delete every resource recorded in the state",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.bindStack("auto-approve"),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := builder.config.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s, err := builder.config.stack(cmd.Context(), log)
			if err != nil {
				return err
			}
			if !builder.config.GetBool("auto-approve") {
				plan, err := s.PlanDestroy(cmd.Context())
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return ErrNotApproved
			}
			result, err := s.Destroy(cmd.Context())
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	addStackFlags(cmd)
	cmd.Flags().Bool("auto-approve", false, "Destroy without printing the plan first")
	return cmd
}

var actionSymbols = map[stack.Action]string{
	stack.ActionCreate: "+",
	stack.ActionUpdate: "~",
	stack.ActionDelete: "-",
}

func printPlan(w io.Writer, plan *stack.Plan) {
	for _, change := range plan.Diffs() {
		fmt.Fprintf(w, "%s %s (%s)\n", actionSymbols[change.Action], change.Address, change.Action)
	}
	fmt.Fprintln(w, plan.Summary())
}

func printResult(w io.Writer, result *stack.Result) {
	for _, node := range result.Nodes {
		if node.Action == stack.ActionNoOp {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", node.Address, node.Status)
	}
	printOutputs(w, result.Outputs)
}

func printOutputs(w io.Writer, outputs map[string]state.Output) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		output := outputs[name]
		if output.Sensitive {
			fmt.Fprintf(w, "%s = <sensitive>\n", name)
			continue
		}
		value, err := yaml.Marshal(output.Value)
		if err != nil {
			fmt.Fprintf(w, "%s = %v\n", name, output.Value)
			continue
		}
		fmt.Fprintf(w, "%s = %s", name, value)
	}
}

type StateCommandBuilder struct {
	config CliConfig
}

func (builder StateCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and repair the recorded state",
	}
	cmd.AddCommand(builder.show())
	cmd.AddCommand(builder.unlock())
	return cmd
}

func (builder StateCommandBuilder) show() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show",
		Short:   "Print the recorded resources and outputs",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.binder("", slices.Concat(stateKeys, []string{"json"})...),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := builder.config.backend(cmd.Context())
			if err != nil {
				return err
			}
			current, err := backend.Read(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if builder.config.GetBool("json") {
				return state.Encode(w, current)
			}
			fmt.Fprintf(w, "serial: %d\nlineage: %s\n", current.Serial, current.Lineage)
			for _, address := range current.Addresses() {
				fmt.Fprintln(w, address)
			}
			printOutputs(w, current.Outputs)
			return nil
		},
	}
	addStateFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the raw state document")
	return cmd
}

func (builder StateCommandBuilder) unlock() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "unlock LOCK_ID",
		Short:   "Release a lock left behind by a crashed apply or destroy",
		Args:    cobra.ExactArgs(1),
		PreRunE: builder.config.binder("", stateKeys...),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := builder.config.backend(cmd.Context())
			if err != nil {
				return err
			}
			if err := backend.ForceUnlock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released lock %s\n", args[0])
			return nil
		},
	}
	addStateFlags(cmd)
	return cmd
}
