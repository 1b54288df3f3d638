package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInventory(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadFlatList tests the simple {"nodes": [...]} shape
func TestLoadFlatList(t *testing.T) {
	path := writeInventory(t, "inventory.json", `{
		"nodes": [
			{"hostname": "gpu-1", "address": "10.0.0.1", "gpu_vendor": "AMD"},
			{"hostname": "gpu-2", "address": "10.0.0.2", "port": 2222, "username": "bench"}
		]
	}`)

	nodes, err := Load(path)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "gpu-1", nodes[0].Hostname)
	assert.Equal(t, 22, nodes[0].Port)
	assert.Equal(t, types.GPUVendorAMD, nodes[0].GPUVendor)
	assert.Equal(t, 2222, nodes[1].Port)
	assert.Equal(t, "bench", nodes[1].Username)
}

// TestLoadGPUNodesKey tests the alternative "gpu_nodes" shape
func TestLoadGPUNodesKey(t *testing.T) {
	path := writeInventory(t, "inventory.yaml", `
gpu_nodes:
  - hostname: amd-1
    address: 10.1.0.1
    gpu_vendor: AMD
    labels:
      rack: "1"
`)

	nodes, err := Load(path)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "1", nodes[0].Labels["rack"])
}

// TestLoadAutoDetect tests the auto-detected first list-of-hosts shape
func TestLoadAutoDetect(t *testing.T) {
	path := writeInventory(t, "inventory.yml", `
cluster_name: bench-east
fleet:
  - hostname: gpu-1
    address: 10.2.0.1
  - hostname: gpu-2
    address: 10.2.0.2
`)

	nodes, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

// TestLoadErrors tests error classification of bad inventories
func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "inventory.txt", "nodes: []"},
		{"empty node list", "inventory.yaml", "nodes: []"},
		{"no node-like list", "inventory.yaml", "settings:\n  retries: 3\n"},
		{"invalid vendor", "inventory.yaml", "nodes:\n  - hostname: a\n    address: b\n    gpu_vendor: OTHER\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeInventory(t, tt.file, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}

// TestLoadMissingFile tests that a missing inventory is a configuration error
func TestLoadMissingFile(t *testing.T) {
	_, err := Load("no/such/inventory.yaml")
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

// TestFilterSelectorSemantics tests AND matching across field and labels
func TestFilterSelectorSemantics(t *testing.T) {
	nodes := []types.NodeConfig{
		{Hostname: "amd-rack1", Address: "a", GPUVendor: types.GPUVendorAMD, Labels: map[string]string{"rack": "1"}},
		{Hostname: "amd-rack2", Address: "b", GPUVendor: types.GPUVendorAMD, Labels: map[string]string{"rack": "2"}},
		{Hostname: "nv-rack1", Address: "c", GPUVendor: types.GPUVendorNVIDIA, Labels: map[string]string{"rack": "1"}},
		{Hostname: "unlabeled", Address: "d", GPUVendor: types.GPUVendorAMD},
	}

	tests := []struct {
		name     string
		selector map[string]string
		want     []string
	}{
		{
			name:     "empty selector matches all",
			selector: nil,
			want:     []string{"amd-rack1", "amd-rack2", "nv-rack1", "unlabeled"},
		},
		{
			name:     "vendor only",
			selector: map[string]string{"gpu_vendor": "NVIDIA"},
			want:     []string{"nv-rack1"},
		},
		{
			name:     "vendor and label must both match",
			selector: map[string]string{"gpu_vendor": "AMD", "rack": "1"},
			want:     []string{"amd-rack1"},
		},
		{
			name:     "absent label does not match",
			selector: map[string]string{"zone": "us-east"},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := Filter(nodes, tt.selector)
			var got []string
			for _, n := range matched {
				got = append(got, n.Hostname)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestLoadKubernetesPods tests the "pods" inventory shape
func TestLoadKubernetesPods(t *testing.T) {
	path := writeInventory(t, "inventory.yaml", `
pods:
  - name: trainer-0
    gpu_vendor: NVIDIA
    gpu_count: 4
    node_selector:
      kubernetes.io/hostname: node-a
  - node_selector: {}
`)

	nodes, err := LoadKubernetes(path)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "trainer-0", nodes[0].Hostname)
	assert.Equal(t, "node-a", nodes[0].Address)
	assert.Equal(t, 4, nodes[0].GPUCount)
	assert.Equal(t, "pod-1", nodes[1].Hostname)
}

// TestLoadKubernetesFallback tests fallback to the generic shapes
func TestLoadKubernetesFallback(t *testing.T) {
	path := writeInventory(t, "inventory.yaml", `
nodes:
  - hostname: gpu-1
    address: 10.0.0.1
`)

	nodes, err := LoadKubernetes(path)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}
