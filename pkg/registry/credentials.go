package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gridbench/gridbench/pkg/errdefs"
)

// Environment overrides consulted before the credential file
const (
	EnvRegistryUser     = "GRIDBENCH_REGISTRY_USER"
	EnvRegistryPassword = "GRIDBENCH_REGISTRY_PASSWORD"
	EnvRegistryRepo     = "GRIDBENCH_REGISTRY_REPO"
)

// RepoFromEnv returns the registry repository configured through the
// environment, or empty when unset. It is the lowest-precedence source:
// an explicit flag or a manifest registry always wins.
func RepoFromEnv() string {
	return os.Getenv(EnvRegistryRepo)
}

// Credential is one registry login
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Auth encodes the credential for the container engine's registry auth
// header.
func (c Credential) Auth() string {
	payload, _ := json.Marshal(map[string]string{
		"username": c.Username,
		"password": c.Password,
	})
	return base64.URLEncoding.EncodeToString(payload)
}

// CredentialStore maps registry names to logins. It is loaded from a
// JSON file and overridable through the environment.
type CredentialStore struct {
	creds map[string]Credential
}

// LoadCredentials reads a credential file. A missing file yields an
// empty store: anonymous pulls are still valid.
func LoadCredentials(path string) (*CredentialStore, error) {
	store := &CredentialStore{creds: make(map[string]Credential)}
	if path == "" {
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read credential file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &store.creds); err != nil {
		return nil, errdefs.Configuration("credential file %s is not valid JSON: %v", path, err)
	}
	return store, nil
}

// Lookup resolves the credential for a registry. Environment overrides
// take precedence over the file so CI can inject logins without writing
// secrets to disk.
func (s *CredentialStore) Lookup(registry string) (Credential, bool) {
	if user := os.Getenv(EnvRegistryUser); user != "" {
		return Credential{Username: user, Password: os.Getenv(EnvRegistryPassword)}, true
	}
	cred, ok := s.creds[registry]
	return cred, ok
}
