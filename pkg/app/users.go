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

package app

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"sigs.k8s.io/yaml"
)

var (
	ErrInvalidHash = errors.New("Invalid password hash")
)

// Users maps usernames to bcrypt password hashes.
type Users map[string]string

type usersFile struct {
	Users Users `json:"users"`
}

// LoadUsers reads a YAML document of the form
//
//	users:
//	  alice: $2a$10$...
func LoadUsers(path string) (Users, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file usersFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, err
	}
	for username, hash := range file.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w for user %s: %w", ErrInvalidHash, username, err)
		}
	}
	if file.Users == nil {
		file.Users = Users{}
	}
	return file.Users, nil
}

// HashPassword returns the bcrypt hash of password for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// compared against for unknown users, so lookups take as long as for known ones
var unknownUserHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("unknown"), bcrypt.DefaultCost)
	return hash
})

// Authenticate reports whether password matches the stored hash of username.
func (users Users) Authenticate(username string, password string) bool {
	hash, found := users[username]
	if !found {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
