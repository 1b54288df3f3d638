package types

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeConfigNormalize tests validation and defaulting of node configs
func TestNodeConfigNormalize(t *testing.T) {
	tests := []struct {
		name    string
		node    NodeConfig
		wantErr bool
	}{
		{
			name: "valid with defaults",
			node: NodeConfig{Hostname: "gpu-1", Address: "10.0.0.1"},
		},
		{
			name:    "missing hostname",
			node:    NodeConfig{Address: "10.0.0.1"},
			wantErr: true,
		},
		{
			name:    "missing address",
			node:    NodeConfig{Hostname: "gpu-1"},
			wantErr: true,
		},
		{
			name:    "invalid gpu vendor",
			node:    NodeConfig{Hostname: "gpu-1", Address: "10.0.0.1", GPUVendor: "QUALCOMM"},
			wantErr: true,
		},
		{
			name: "explicit nvidia vendor",
			node: NodeConfig{Hostname: "gpu-2", Address: "10.0.0.2", GPUVendor: GPUVendorNVIDIA},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Normalize()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 22, tt.node.Port)
			assert.Equal(t, "root", tt.node.Username)
			assert.Equal(t, 1, tt.node.GPUCount)
			assert.True(t, ValidGPUVendor(tt.node.GPUVendor))
		})
	}
}

// TestNewWorkloadSpec tests workload spec construction rules
func TestNewWorkloadSpec(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "build_manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0o644))

	t.Run("valid", func(t *testing.T) {
		spec, err := NewWorkloadSpec([]string{"resnet50"}, manifest, 0)
		require.NoError(t, err)
		assert.Equal(t, DefaultWorkloadTimeout, spec.Timeout)
		assert.Zero(t, spec.Parallelism, "zero parallelism means one task per matched node")
	})

	t.Run("empty tags", func(t *testing.T) {
		_, err := NewWorkloadSpec(nil, manifest, time.Minute)
		require.Error(t, err)
		assert.True(t, errdefs.IsConfiguration(err))
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := NewWorkloadSpec([]string{"resnet50"}, "no/such/manifest.json", time.Minute)
		require.Error(t, err)
		assert.True(t, errdefs.IsConfiguration(err))
	})
}

// TestDistributedResultCounters tests that counters derive from the result list
func TestDistributedResultCounters(t *testing.T) {
	var res DistributedResult
	assert.False(t, res.Success(), "empty result list must not be a success")

	res.Add(ExecutionResult{NodeID: "gpu-1", Tag: "a", Success: true})
	res.Add(ExecutionResult{NodeID: "gpu-2", Tag: "a", Success: false})
	res.Add(ExecutionResult{NodeID: "gpu-2", Tag: "b", Success: false})

	assert.True(t, res.Success())
	assert.Equal(t, 1, res.SuccessfulCount())
	assert.Equal(t, 2, res.FailedCount())
	assert.Len(t, res.FailedResults(), 2)
}
