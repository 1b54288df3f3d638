package manifest

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// TestLoadMissingManifest verifies that a missing manifest file is
// reported with the dedicated not-found error so callers can give the
// operator an actionable message.
func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), DefaultFileName))
	require.Error(t, err)
	assert.True(t, errdefs.IsManifestNotFound(err))
}

// TestLoadRejectsMalformedJSON verifies corrupt manifests fail as
// configuration errors, not as missing files.
func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
	assert.False(t, errdefs.IsManifestNotFound(err))
}

// TestSaveLoadRoundTrip verifies a saved manifest loads back with the
// same workloads and registry.
func TestSaveLoadRoundTrip(t *testing.T) {
	m := New()
	m.Registry = "registry.example.com:5000"
	m.BuiltImages["resnet50"] = BuiltImage{
		Dockerfile:    "docker/resnet50.Dockerfile",
		DockerImage:   "ci-resnet50",
		RegistryImage: "registry.example.com:5000/ci-resnet50",
		BuildDuration: 42.5,
	}
	m.BuiltModels["resnet50"] = BuiltModel{
		Name:    "resnet50",
		NGPUs:   8,
		Scripts: "scripts/resnet50",
		Tags:    []string{"resnet50", "vision"},
	}

	path := filepath.Join(t.TempDir(), "out", DefaultFileName)
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Registry, loaded.Registry)
	assert.Equal(t, []string{"resnet50"}, loaded.Runnable())
	assert.Equal(t, 8, loaded.BuiltModels["resnet50"].NGPUs)
	assert.False(t, loaded.GeneratedAt.IsZero())
}

// TestRunnableRequiresBothMaps verifies a workload is only runnable when
// it has both an image and a run recipe; half-present entries are skipped
// instead of failing the whole run.
func TestRunnableRequiresBothMaps(t *testing.T) {
	m := New()
	m.BuiltImages["a"] = BuiltImage{DockerImage: "ci-a"}
	m.BuiltImages["b"] = BuiltImage{DockerImage: "ci-b"}
	m.BuiltModels["b"] = BuiltModel{Name: "b"}
	m.BuiltModels["c"] = BuiltModel{Name: "c"}

	assert.Equal(t, []string{"b"}, m.Runnable())
}

// TestImageForPrefersRegistry verifies the run phase picks the pushed
// registry reference when available and falls back to the local tag.
func TestImageForPrefersRegistry(t *testing.T) {
	m := New()
	m.BuiltImages["pushed"] = BuiltImage{DockerImage: "ci-pushed", RegistryImage: "reg/ci-pushed"}
	m.BuiltImages["local"] = BuiltImage{DockerImage: "ci-local"}

	assert.Equal(t, "reg/ci-pushed", m.ImageFor("pushed"))
	assert.Equal(t, "ci-local", m.ImageFor("local"))
	assert.Empty(t, m.ImageFor("absent"))
}

// TestLoadTreatsNilMapsAsEmpty verifies a minimal manifest with omitted
// maps does not panic downstream consumers.
func TestLoadTreatsNilMapsAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, m.BuiltImages)
	assert.NotNil(t, m.BuiltModels)
	assert.Empty(t, m.Runnable())
}

// TestSaveRecordsRequiredCredentials verifies the credential list is
// derived from the distinct non-empty model credentials on every write.
func TestSaveRecordsRequiredCredentials(t *testing.T) {
	m := New()
	for name, cred := range map[string]string{
		"bert":     "hf_token",
		"llama":    "hf_token",
		"resnet50": "",
		"s3-bench": "aws",
	} {
		m.BuiltImages[name] = BuiltImage{DockerImage: "ci-" + name}
		m.BuiltModels[name] = BuiltModel{Name: name, Cred: cred}
	}

	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"aws", "hf_token"}, loaded.CredentialsRequired)

	empty := New()
	require.NoError(t, empty.Save(path))
	loaded, err = Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.CredentialsRequired)
}
