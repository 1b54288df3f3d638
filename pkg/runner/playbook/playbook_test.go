package playbook

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/runner"
	"github.com/gridbench/gridbench/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const recapOutput = `
PLAY [benchmark] ***************

TASK [run workload] ************
ok: [gpu-1]
fatal: [gpu-2]: FAILED!

PLAY RECAP *********************
gpu-1 : ok=4 changed=2 unreachable=0 failed=0 skipped=0
gpu-2 : ok=1 changed=0 unreachable=0 failed=1 skipped=0
`

func testNodes() []types.NodeConfig {
	nodes := []types.NodeConfig{
		{Hostname: "gpu-1", Address: "10.0.0.1"},
		{Hostname: "gpu-2", Address: "10.0.0.2"},
	}
	for i := range nodes {
		_ = nodes[i].Normalize()
	}
	return nodes
}

func writeManifest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "build_manifest.json")
	content := `{
		"built_images": {"bert": {"docker_image": "ci-bert"}},
		"built_models": {"bert": {"name": "bert"}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRunner(t *testing.T, renderPlaybook bool) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	playbookPath := filepath.Join(dir, "gridbench_playbook.yml")
	inventoryPath := filepath.Join(dir, "inventory.ini")
	if renderPlaybook {
		require.NoError(t, os.WriteFile(playbookPath, []byte("- hosts: all\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(inventoryPath, []byte("[gpu]\ngpu-1\ngpu-2\n"), 0o644))

	r, err := New(runner.Config{
		Nodes: testNodes(),
		Extra: map[string]string{
			"playbook_path":     playbookPath,
			"ansible_inventory": inventoryPath,
			"ansible_binary":    "sh",
		},
	})
	require.NoError(t, err)
	return r.(*Runner), dir
}

// TestValidateRequiresRenderedPlaybook verifies a missing playbook fails
// validation with a message naming the generation command.
func TestValidateRequiresRenderedPlaybook(t *testing.T) {
	r, dir := newTestRunner(t, false)
	spec := &types.WorkloadSpec{Tags: []string{"bert"}, ManifestFile: writeManifest(t, dir), Timeout: time.Minute}

	err := r.ValidateWorkload(spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsRunner(err))
	assert.Contains(t, err.Error(), "gridbench generate")
}

// TestExecuteParsesRecapPerHost verifies the play recap maps onto
// per-node results: a failed host is failed, an ok host succeeds.
func TestExecuteParsesRecapPerHost(t *testing.T) {
	r, dir := newTestRunner(t, true)
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		assert.Contains(t, args, "-i")
		return []byte(recapOutput), nil
	}
	spec := &types.WorkloadSpec{Tags: []string{"bert"}, ManifestFile: writeManifest(t, dir), Timeout: time.Minute}

	result := runner.Run(r, spec)
	require.Len(t, result.NodeResults, 2)
	assert.True(t, result.Success())
	assert.Equal(t, 1, result.SuccessfulCount())

	failed := result.FailedResults()
	require.Len(t, failed, 1)
	assert.Equal(t, "gpu-2", failed[0].NodeID)
}

// TestExecuteAggregateFailure verifies that when the executor fails
// without a recap, every node inherits the aggregate failure.
func TestExecuteAggregateFailure(t *testing.T) {
	r, dir := newTestRunner(t, true)
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("ERROR! the playbook could not be parsed"), assert.AnError
	}
	spec := &types.WorkloadSpec{Tags: []string{"bert"}, ManifestFile: writeManifest(t, dir), Timeout: time.Minute}

	result := runner.Run(r, spec)
	require.Len(t, result.NodeResults, 2)
	assert.False(t, result.Success())
	assert.Equal(t, 2, result.FailedCount())
}

// TestParseRecap verifies recap parsing across shapes
func TestParseRecap(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected map[string]bool
	}{
		{
			name:     "mixed outcomes",
			output:   recapOutput,
			expected: map[string]bool{"gpu-1": true, "gpu-2": false},
		},
		{
			name:     "unreachable host",
			output:   "PLAY RECAP ****\ngpu-9 : ok=0 changed=0 unreachable=1 failed=0 skipped=0\n",
			expected: map[string]bool{"gpu-9": false},
		},
		{
			name:     "no recap block",
			output:   "ERROR! something broke",
			expected: map[string]bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRecap(tt.output))
		})
	}
}

// TestCleanupIdempotent verifies cleanup is a no-op that can run twice
func TestCleanupIdempotent(t *testing.T) {
	r, dir := newTestRunner(t, true)
	spec := &types.WorkloadSpec{Tags: []string{"bert"}, ManifestFile: writeManifest(t, dir), Timeout: time.Minute}
	assert.NoError(t, r.CleanupInfrastructure(spec))
	assert.NoError(t, r.CleanupInfrastructure(spec))
}
