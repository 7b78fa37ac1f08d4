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
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ecorp/shipyard/pkg/app"
	"github.com/ecorp/shipyard/pkg/kube"
	"github.com/ecorp/shipyard/pkg/secret"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var ErrEmptyPassword = errors.New("Password must not be empty")

type SecretCommandBuilder struct {
	config CliConfig
}

func (builder SecretCommandBuilder) Build() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the age encrypted secrets of workflows",
	}
	cmd.AddCommand(builder.keygen())
	cmd.AddCommand(builder.encrypt())
	cmd.AddCommand(builder.decrypt())
	return cmd
}

func (builder SecretCommandBuilder) keygen() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keygen",
		Short:   "Generate an identity and print its recipient",
		Args:    cobra.NoArgs,
		PreRunE: builder.config.binder("secret.", "output", "kubernetes", "namespace"),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := builder.config
			if config.GetBool("secret.kubernetes") {
				client, err := kube.NewClientFromKubeconfig()
				if err != nil {
					return err
				}
				store := secret.KeyStore{Client: client, Namespace: config.GetString("secret.namespace")}
				recipient, err := store.CreateKeyIfNotExists(cmd.Context(), kube.FieldManager)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), recipient)
				return nil
			}

			identity, err := secret.GenerateIdentity()
			if err != nil {
				return err
			}
			output := config.GetString("secret.output")
			content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity)
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}
			if err := os.WriteFile(output, []byte(content), 0600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.Recipient())
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "shipyard.key", "Identity file to create")
	cmd.Flags().Bool("kubernetes", false, "Store the identity in a cluster secret instead of a file")
	cmd.Flags().String("namespace", "shipyard", "Namespace of the cluster secret")
	return cmd
}

func (builder SecretCommandBuilder) encrypt() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "encrypt FILE",
		Short:   "Encrypt a YAML document of secret names and values",
		Args:    cobra.ExactArgs(1),
		PreRunE: builder.config.binder("secret.", "recipient", "output"),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			secrets := map[string]string{}
			if err := yaml.Unmarshal(content, &secrets); err != nil {
				return err
			}
			output := builder.config.GetString("secret.output")
			if err := secret.WriteFile(output, secrets, builder.config.GetStringSlice("secret.recipient")...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %d secrets to %s\n", len(secrets), output)
			return nil
		},
	}
	cmd.Flags().StringArrayP("recipient", "r", nil, "age recipient (age1...) allowed to decrypt")
	cmd.Flags().StringP("output", "o", "secrets.age", "Encrypted file to write")
	return cmd
}

func (builder SecretCommandBuilder) decrypt() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "decrypt FILE",
		Short:   "Print the secret names of an encrypted file, with values if requested",
		Args:    cobra.ExactArgs(1),
		PreRunE: builder.config.binder("secret.", "identity-file", "values"),
		RunE: func(cmd *cobra.Command, args []string) error {
			identities, err := secret.ReadIdentityFile(builder.config.GetString("secret.identity-file"))
			if err != nil {
				return err
			}
			secrets, err := secret.ReadFile(args[0], identities...)
			if err != nil {
				return err
			}
			if !builder.config.GetBool("secret.values") {
				for name := range secrets {
					secrets[name] = "<redacted>"
				}
			}
			content, err := yaml.Marshal(secrets)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
	cmd.Flags().StringP("identity-file", "i", "shipyard.key", "age identity file")
	cmd.Flags().Bool("values", false, "Print the secret values")
	return cmd
}

type HashPasswordCommandBuilder struct{}

func (builder HashPasswordCommandBuilder) Build() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for the users file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return ErrEmptyPassword
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return ErrEmptyPassword
			}
			hash, err := app.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
