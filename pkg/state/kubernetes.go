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

package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	kubernetesStateKey      = "state"
	kubernetesLockInfoKey   = "shipyard.ecorp.io/lock-info"
	kubernetesManagedByKey  = "app.kubernetes.io/managed-by"
	kubernetesManagedByName = "shipyard"
)

// KubernetesBackend stores the state in a Secret and uses a Lease as lock.
// Lease creation fails with AlreadyExists while another writer holds the lock.
type KubernetesBackend struct {
	Client    client.Client
	Namespace string
	// Workspace is the suffix of the secret and lease names.
	Workspace string
}

var _ Backend = (*KubernetesBackend)(nil)

func (backend *KubernetesBackend) secretKey() client.ObjectKey {
	return client.ObjectKey{Namespace: backend.Namespace, Name: "shipyard-state-" + backend.workspace()}
}

func (backend *KubernetesBackend) leaseKey() client.ObjectKey {
	return client.ObjectKey{Namespace: backend.Namespace, Name: "shipyard-lock-" + backend.workspace()}
}

func (backend *KubernetesBackend) workspace() string {
	if backend.Workspace == "" {
		return "default"
	}
	return backend.Workspace
}

func (backend *KubernetesBackend) Read(ctx context.Context) (*State, error) {
	secret := &corev1.Secret{}
	if err := backend.Client.Get(ctx, backend.secretKey(), secret); err != nil {
		if k8sErrors.IsNotFound(err) {
			return New(), nil
		}
		return nil, err
	}
	// a secret created ahead of the first write may not carry a state yet
	content := secret.Data[kubernetesStateKey]
	if len(bytes.TrimSpace(content)) == 0 {
		return New(), nil
	}
	return Decode(bytes.NewReader(content))
}

func (backend *KubernetesBackend) Write(ctx context.Context, s *State) error {
	s.Serial++
	buf := &bytes.Buffer{}
	if err := Encode(buf, s); err != nil {
		return err
	}
	key := backend.secretKey()
	secret := &corev1.Secret{}
	err := backend.Client.Get(ctx, key, secret)
	if err != nil {
		if !k8sErrors.IsNotFound(err) {
			return err
		}
		secret = &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      key.Name,
				Namespace: key.Namespace,
				Labels: map[string]string{
					kubernetesManagedByKey: kubernetesManagedByName,
				},
			},
			Type: corev1.SecretTypeOpaque,
			Data: map[string][]byte{
				kubernetesStateKey: buf.Bytes(),
			},
		}
		return backend.Client.Create(ctx, secret)
	}
	if secret.Data == nil {
		secret.Data = map[string][]byte{}
	}
	secret.Data[kubernetesStateKey] = buf.Bytes()
	return backend.Client.Update(ctx, secret)
}

func (backend *KubernetesBackend) Lock(ctx context.Context, info LockInfo) (Lock, error) {
	content, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	key := backend.leaseKey()
	holder := info.ID
	acquireTime := metav1.NewMicroTime(info.Created)
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      key.Name,
			Namespace: key.Namespace,
			Labels: map[string]string{
				kubernetesManagedByKey: kubernetesManagedByName,
			},
			Annotations: map[string]string{
				kubernetesLockInfoKey: string(content),
			},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity: &holder,
			AcquireTime:    &acquireTime,
		},
	}
	if err := backend.Client.Create(ctx, lease); err != nil {
		if k8sErrors.IsAlreadyExists(err) {
			held, readErr := backend.readLock(ctx)
			if readErr != nil {
				return nil, errors.Join(ErrLocked, readErr)
			}
			return nil, &LockedError{Info: *held}
		}
		return nil, err
	}
	return &heldLock{
		info: info,
		unlock: func(ctx context.Context) error {
			return backend.ForceUnlock(ctx, info.ID)
		},
	}, nil
}

func (backend *KubernetesBackend) ForceUnlock(ctx context.Context, id string) error {
	held, err := backend.readLock(ctx)
	if err != nil {
		if k8sErrors.IsNotFound(err) {
			return ErrNotLocked
		}
		return err
	}
	if held.ID != id {
		return fmt.Errorf("%w: held lock is %s", ErrLockIDMismatch, held.ID)
	}
	lease := &coordinationv1.Lease{}
	lease.SetName(backend.leaseKey().Name)
	lease.SetNamespace(backend.leaseKey().Namespace)
	return client.IgnoreNotFound(backend.Client.Delete(ctx, lease))
}

func (backend *KubernetesBackend) readLock(ctx context.Context) (*LockInfo, error) {
	lease := &coordinationv1.Lease{}
	if err := backend.Client.Get(ctx, backend.leaseKey(), lease); err != nil {
		return nil, err
	}
	info := &LockInfo{}
	if err := json.Unmarshal([]byte(lease.GetAnnotations()[kubernetesLockInfoKey]), info); err != nil {
		return nil, err
	}
	return info, nil
}
