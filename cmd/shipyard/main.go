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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap/zapcore"
	ctrlZap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var Version = "development"

const configName = "shipyard"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	cfg := initCliConfig()
	root := initCli(cfg).Build()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// CliConfig is the viper configuration shared by all commands.
// Flags are bound to keys, keys are overridden by SHIPYARD_ prefixed environment variables
// and read from an optional shipyard.yaml.
type CliConfig struct {
	*viper.Viper
}

func initCliConfig() CliConfig {
	config := viper.New()
	config.SetEnvPrefix(configName)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	config.AutomaticEnv()
	config.SetConfigName(configName)
	config.SetConfigType("yaml")
	config.AddConfigPath(".")
	return CliConfig{Viper: config}
}

// readConfigFile reads the file given by --config or shipyard.yaml of the working directory, if present.
func (config CliConfig) readConfigFile() error {
	if file := config.GetString("config"); file != "" {
		config.SetConfigFile(file)
	}
	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// bind registers the flags of cmd under the key prefix+flag.
// Commands share keys, so binding happens when the command runs.
func (config CliConfig) bind(cmd *cobra.Command, prefix string, flags ...string) error {
	for _, name := range flags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %s", name)
		}
		if err := config.BindPFlag(prefix+name, flag); err != nil {
			return err
		}
	}
	return nil
}

// binder returns a PreRunE binding the given flags.
func (config CliConfig) binder(prefix string, flags ...string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return config.bind(cmd, prefix, flags...)
	}
}

func (config CliConfig) logger(stderr io.Writer) (logr.Logger, error) {
	level, err := zapcore.ParseLevel(config.GetString("log.level"))
	if err != nil {
		return logr.Logger{}, err
	}
	opts := ctrlZap.Options{
		Development: config.GetBool("log.dev"),
		Level:       level,
		DestWriter:  stderr,
	}
	return ctrlZap.New(ctrlZap.UseFlagOptions(&opts)).WithName(configName), nil
}

type RootCommandBuilder struct {
	config                     CliConfig
	renderCommandBuilder       RenderCommandBuilder
	stackCommandBuilder        StackCommandBuilder
	stateCommandBuilder        StateCommandBuilder
	pipelineCommandBuilder     PipelineCommandBuilder
	serveCommandBuilder        ServeCommandBuilder
	watchCommandBuilder        WatchCommandBuilder
	hashPasswordCommandBuilder HashPasswordCommandBuilder
	secretCommandBuilder       SecretCommandBuilder
	versionCommandBuilder      VersionCommandBuilder
}

func (builder RootCommandBuilder) Build() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shipyard",
		Short:         "Render, provision, build and deploy the ecorp application",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := builder.config.bind(cmd, "", "config", "log.level", "log.dev"); err != nil {
				return err
			}
			return builder.config.readConfigFile()
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Config file, defaults to ./shipyard.yaml")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("log.dev", false, "Human readable console logs")

	rootCmd.AddCommand(builder.renderCommandBuilder.Build())
	for _, cmd := range builder.stackCommandBuilder.Build() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(builder.stateCommandBuilder.Build())
	rootCmd.AddCommand(builder.pipelineCommandBuilder.Build())
	rootCmd.AddCommand(builder.serveCommandBuilder.Build())
	rootCmd.AddCommand(builder.watchCommandBuilder.Build())
	rootCmd.AddCommand(builder.hashPasswordCommandBuilder.Build())
	rootCmd.AddCommand(builder.secretCommandBuilder.Build())
	rootCmd.AddCommand(builder.versionCommandBuilder.Build())
	return rootCmd
}

type VersionCommandBuilder struct{}

func (builder VersionCommandBuilder) Build() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shipyard version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func initCli(config CliConfig) *RootCommandBuilder {
	return &RootCommandBuilder{
		config:                     config,
		renderCommandBuilder:       RenderCommandBuilder{config: config},
		stackCommandBuilder:        StackCommandBuilder{config: config},
		stateCommandBuilder:        StateCommandBuilder{config: config},
		pipelineCommandBuilder:     PipelineCommandBuilder{config: config},
		serveCommandBuilder:        ServeCommandBuilder{config: config},
		watchCommandBuilder:        WatchCommandBuilder{config: config},
		hashPasswordCommandBuilder: HashPasswordCommandBuilder{},
		secretCommandBuilder:       SecretCommandBuilder{config: config},
		versionCommandBuilder:      VersionCommandBuilder{},
	}
}
