package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
)

// DefaultFileName is the manifest file name produced by the build phase
// and consumed by the run phase.
const DefaultFileName = "build_manifest.json"

// BuiltImage records one image produced by the build phase
type BuiltImage struct {
	Dockerfile    string  `json:"dockerfile"`
	BaseDocker    string  `json:"base_docker,omitempty"`
	DockerSHA     string  `json:"docker_sha,omitempty"`
	BuildDuration float64 `json:"build_duration"`
	DockerImage   string  `json:"docker_image"`
	RegistryImage string  `json:"registry_image,omitempty"`
	LogFile       string  `json:"log_file,omitempty"`
}

// BuiltModel records the run recipe for one workload that was built
type BuiltModel struct {
	Name    string   `json:"name"`
	NGPUs   int      `json:"n_gpus"`
	Scripts string   `json:"scripts"`
	Owner   string   `json:"owner,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Args    string   `json:"args,omitempty"`
	Cred    string   `json:"cred,omitempty"`
}

// Manifest is the build-phase output handed to the run phase. A workload
// is runnable only when its id is present in both BuiltImages and
// BuiltModels.
type Manifest struct {
	BuiltImages         map[string]BuiltImage `json:"built_images"`
	BuiltModels         map[string]BuiltModel `json:"built_models"`
	Context             map[string]string     `json:"context,omitempty"`
	CredentialsRequired []string              `json:"credentials_required"`
	Registry            string                `json:"registry,omitempty"`
	GeneratedAt         time.Time             `json:"generated_at,omitempty"`
}

// New returns an empty manifest ready to accumulate build results
func New() *Manifest {
	return &Manifest{
		BuiltImages: make(map[string]BuiltImage),
		BuiltModels: make(map[string]BuiltModel),
		Context:     make(map[string]string),
	}
}

// Load reads and validates a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Configuration("manifest %s is not valid JSON: %v", path, err)
	}
	if m.BuiltImages == nil {
		m.BuiltImages = make(map[string]BuiltImage)
	}
	if m.BuiltModels == nil {
		m.BuiltModels = make(map[string]BuiltModel)
	}
	return &m, nil
}

// RequiredCredentials returns the distinct non-empty credential names
// across the built models, sorted.
func (m *Manifest) RequiredCredentials() []string {
	seen := make(map[string]bool)
	creds := []string{}
	for _, model := range m.BuiltModels {
		if model.Cred != "" && !seen[model.Cred] {
			seen[model.Cred] = true
			creds = append(creds, model.Cred)
		}
	}
	sort.Strings(creds)
	return creds
}

// Save writes the manifest atomically next to its final path. The
// derived fields (generation time, required credentials) are recomputed
// on every write.
func (m *Manifest) Save(path string) error {
	m.GeneratedAt = time.Now().UTC()
	m.CredentialsRequired = m.RequiredCredentials()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to place manifest: %w", err)
	}
	return nil
}

// Runnable returns the workload ids present in both maps, sorted. Ids
// missing from either side are logged and skipped rather than failing the
// run phase.
func (m *Manifest) Runnable() []string {
	ids := make([]string, 0, len(m.BuiltImages))
	for id := range m.BuiltImages {
		if _, ok := m.BuiltModels[id]; !ok {
			log.Logger.Warn().Str("workload", id).Msg("workload has image but no run recipe, skipping")
			continue
		}
		ids = append(ids, id)
	}
	for id := range m.BuiltModels {
		if _, ok := m.BuiltImages[id]; !ok {
			log.Logger.Warn().Str("workload", id).Msg("workload has run recipe but no image, skipping")
		}
	}
	sort.Strings(ids)
	return ids
}

// ImageFor resolves the image reference to run for a workload: the
// registry-qualified name when one was pushed, the local build tag
// otherwise.
func (m *Manifest) ImageFor(id string) string {
	img, ok := m.BuiltImages[id]
	if !ok {
		return ""
	}
	if img.RegistryImage != "" {
		return img.RegistryImage
	}
	return img.DockerImage
}
