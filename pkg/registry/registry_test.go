package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeDocker struct {
	pullErr error
	tagErr  error
	pulled  []string
	tagged  [][2]string
	auth    string
}

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, refStr)
	f.auth = options.RegistryAuth
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDocker) ImageTag(ctx context.Context, source, target string) error {
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tagged = append(f.tagged, [2]string{source, target})
	return nil
}

// TestLoadCredentials verifies file parsing and the missing-file and
// malformed-file behaviors.
func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credential.json")
	content := `{"registry.example.com": {"username": "ci", "password": "hunter2"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := LoadCredentials(path)
	require.NoError(t, err)
	cred, ok := store.Lookup("registry.example.com")
	require.True(t, ok)
	assert.Equal(t, "ci", cred.Username)

	_, ok = store.Lookup("unknown.example.com")
	assert.False(t, ok)

	empty, err := LoadCredentials(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	_, ok = empty.Lookup("registry.example.com")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("{bad"), 0o644))
	_, err = LoadCredentials(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

// TestLookupEnvOverride verifies environment credentials beat the file
func TestLookupEnvOverride(t *testing.T) {
	t.Setenv(EnvRegistryUser, "env-user")
	t.Setenv(EnvRegistryPassword, "env-pass")

	store, err := LoadCredentials("")
	require.NoError(t, err)
	cred, ok := store.Lookup("any.registry")
	require.True(t, ok)
	assert.Equal(t, "env-user", cred.Username)
	assert.Equal(t, "env-pass", cred.Password)
}

// TestResolvePullAndRetag verifies the happy path: pull with auth, then
// retag under the build-time name.
func TestResolvePullAndRetag(t *testing.T) {
	store := &CredentialStore{creds: map[string]Credential{
		"reg.example.com": {Username: "ci", Password: "hunter2"},
	}}
	api := &fakeDocker{}
	r := newResolver(api, store)

	name := r.Resolve(context.Background(), "reg.example.com", "reg.example.com/ci-bert", "ci-bert")
	assert.Equal(t, "ci-bert", name)
	assert.Equal(t, []string{"reg.example.com/ci-bert"}, api.pulled)
	require.Len(t, api.tagged, 1)
	assert.Equal(t, [2]string{"reg.example.com/ci-bert", "ci-bert"}, api.tagged[0])

	decoded, err := base64.URLEncoding.DecodeString(api.auth)
	require.NoError(t, err)
	var auth map[string]string
	require.NoError(t, json.Unmarshal(decoded, &auth))
	assert.Equal(t, "ci", auth["username"])
}

// TestResolveFallsBackOnPullFailure verifies a failed pull degrades to
// the local image name instead of failing.
func TestResolveFallsBackOnPullFailure(t *testing.T) {
	api := &fakeDocker{pullErr: errors.New("registry unreachable")}
	r := newResolver(api, nil)

	name := r.Resolve(context.Background(), "", "reg/ci-bert", "ci-bert")
	assert.Equal(t, "ci-bert", name)
	assert.Empty(t, api.tagged)
}

// TestResolveLocalOnly verifies images without a registry reference are
// used as-is with no engine calls.
func TestResolveLocalOnly(t *testing.T) {
	api := &fakeDocker{}
	r := newResolver(api, nil)

	name := r.Resolve(context.Background(), "", "", "ci-bert")
	assert.Equal(t, "ci-bert", name)
	assert.Empty(t, api.pulled)
}
