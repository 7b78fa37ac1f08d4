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

package secret

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/ecorp/shipyard/pkg/kube"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"
)

const (
	K8sSecretName    = "shipyard-key"
	K8sSecretDataKey = "priv"
)

var (
	ErrKeyNotFound    = errors.New("Decryption key not found")
	ErrNoRecipients   = errors.New("No recipients")
	ErrNoIdentities   = errors.New("No identities")
	ErrInvalidSecrets = errors.New("Invalid secrets document")
)

// GenerateIdentity creates a new X25519 key pair.
// The identity decrypts, its Recipient() encrypts.
func GenerateIdentity() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// Encrypt serializes the secrets as YAML and encrypts them for every recipient.
// The result is an ASCII armored age file, safe to commit.
func Encrypt(secrets map[string]string, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, recipient := range recipients {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, r)
	}

	plain, err := yaml.Marshal(secrets)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	armorWriter := armor.NewWriter(&out)
	ageWriter, err := age.Encrypt(armorWriter, parsed...)
	if err != nil {
		return nil, err
	}
	if _, err := ageWriter.Write(plain); err != nil {
		return nil, err
	}
	// age has to be closed before armor, otherwise the last chunk is lost.
	if err := ageWriter.Close(); err != nil {
		return nil, err
	}
	if err := armorWriter.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decrypt reverses Encrypt with any identity matching one of the recipients.
// Identities are AGE-SECRET-KEY-1... strings.
func Decrypt(armored []byte, identities ...string) (map[string]string, error) {
	if len(identities) == 0 {
		return nil, ErrNoIdentities
	}
	parsed, err := age.ParseIdentities(strings.NewReader(strings.Join(identities, "\n")))
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(bytes.TrimSpace(armored), []byte(armor.Header)) {
		return nil, fmt.Errorf("%w: expected an armored age file", ErrInvalidSecrets)
	}

	ageReader, err := age.Decrypt(armor.NewReader(bytes.NewReader(armored)), parsed...)
	if err != nil {
		return nil, err
	}
	plain, err := io.ReadAll(ageReader)
	if err != nil {
		return nil, err
	}

	secrets := map[string]string{}
	if err := yaml.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSecrets, err)
	}
	return secrets, nil
}

// ReadFile decrypts the secrets file at path.
func ReadFile(path string, identities ...string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(content, identities...)
}

// WriteFile encrypts the secrets for the recipients and stores them at path.
func WriteFile(path string, secrets map[string]string, recipients ...string) error {
	content, err := Encrypt(secrets, recipients...)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0600)
}

// ReadIdentityFile reads identities in the age key file format,
// one AGE-SECRET-KEY per line with optional # comments.
func ReadIdentityFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	identities := []string{}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identities = append(identities, line)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoIdentities, path)
	}
	return identities, nil
}

// KeyStore keeps a decryption key in a Kubernetes secret, so in-cluster runs can decrypt
// without a key file on disk.
type KeyStore struct {
	Client    kube.Client
	Namespace string
}

// CreateKeyIfNotExists stores a freshly generated identity unless the key secret already exists.
// It returns the recipient of the stored identity.
func (store KeyStore) CreateKeyIfNotExists(ctx context.Context, fieldManager string) (string, error) {
	identity, err := store.Identity(ctx)
	if err == nil {
		parsed, err := age.ParseX25519Identity(identity)
		if err != nil {
			return "", err
		}
		return parsed.Recipient().String(), nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	generated, err := GenerateIdentity()
	if err != nil {
		return "", err
	}
	unstr := store.secret()
	if err := unstructured.SetNestedField(
		unstr.Object,
		base64.StdEncoding.EncodeToString([]byte(generated.String())),
		"data",
		K8sSecretDataKey,
	); err != nil {
		return "", err
	}
	if _, err := store.Client.Apply(ctx, unstr, fieldManager); err != nil {
		return "", err
	}
	return generated.Recipient().String(), nil
}

// Identity returns the stored private key.
func (store KeyStore) Identity(ctx context.Context) (string, error) {
	unstr, err := store.Client.Get(ctx, store.secret())
	if err != nil {
		if k8sErrors.IsNotFound(err) {
			return "", fmt.Errorf("%w: secret %s/%s does not exist", ErrKeyNotFound, store.Namespace, K8sSecretName)
		}
		return "", err
	}
	encoded, found, err := unstructured.NestedString(unstr.Object, "data", K8sSecretDataKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: secret %s/%s has no %s entry", ErrKeyNotFound, store.Namespace, K8sSecretName, K8sSecretDataKey)
	}
	privKey, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(privKey), nil
}

func (store KeyStore) secret() *unstructured.Unstructured {
	unstr := &unstructured.Unstructured{Object: map[string]interface{}{}}
	unstr.SetName(K8sSecretName)
	unstr.SetNamespace(store.Namespace)
	unstr.SetKind("Secret")
	unstr.SetAPIVersion("v1")
	return unstr
}
