package inventory

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gridbench/gridbench/pkg/types"
)

// Kubernetes inventories describe logical pods rather than reachable hosts,
// so the address field is the scheduling hint, not an SSH endpoint.

type podEntry struct {
	Name         string            `yaml:"name"`
	NodeSelector map[string]string `yaml:"node_selector"`
	GPUVendor    types.GPUVendor   `yaml:"gpu_vendor"`
	GPUCount     int               `yaml:"gpu_count"`
	Environment  map[string]string `yaml:"environment"`
}

type selectorEntry struct {
	GPUVendor   types.GPUVendor   `yaml:"gpu_vendor"`
	GPUCount    int               `yaml:"gpu_count"`
	Labels      map[string]string `yaml:"labels"`
	Environment map[string]string `yaml:"environment"`
}

// LoadKubernetes reads an inventory in one of the Kubernetes-specific shapes
// ("pods" or "node_selectors"), falling back to the generic shapes handled
// by Load when neither key is present.
func LoadKubernetes(path string) ([]types.NodeConfig, error) {
	data, err := readInventoryFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	if list := mappingValue(root, "pods"); list != nil {
		return decodePods(list)
	}
	if list := mappingValue(root, "node_selectors"); list != nil {
		return decodeSelectors(list)
	}
	return Load(path)
}

func decodePods(list *yaml.Node) ([]types.NodeConfig, error) {
	var pods []podEntry
	if err := list.Decode(&pods); err != nil {
		return nil, fmt.Errorf("failed to decode pods: %w", err)
	}

	nodes := make([]types.NodeConfig, 0, len(pods))
	for i, pod := range pods {
		name := pod.Name
		if name == "" {
			name = fmt.Sprintf("pod-%d", i)
		}
		vendor := pod.GPUVendor
		if vendor == "" {
			vendor = types.GPUVendorNVIDIA
		}
		node := types.NodeConfig{
			Hostname:    name,
			Address:     pod.NodeSelector["kubernetes.io/hostname"],
			GPUCount:    pod.GPUCount,
			GPUVendor:   vendor,
			Labels:      pod.NodeSelector,
			Environment: pod.Environment,
		}
		if node.Address == "" {
			node.Address = name
		}
		if err := node.Normalize(); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func decodeSelectors(list *yaml.Node) ([]types.NodeConfig, error) {
	var selectors []selectorEntry
	if err := list.Decode(&selectors); err != nil {
		return nil, fmt.Errorf("failed to decode node_selectors: %w", err)
	}

	nodes := make([]types.NodeConfig, 0, len(selectors))
	for i, sel := range selectors {
		vendor := sel.GPUVendor
		if vendor == "" {
			vendor = types.GPUVendorNVIDIA
		}
		node := types.NodeConfig{
			Hostname:    fmt.Sprintf("pod-%d", i),
			Address:     fmt.Sprintf("pod-%d", i),
			GPUCount:    sel.GPUCount,
			GPUVendor:   vendor,
			Labels:      sel.Labels,
			Environment: sel.Environment,
		}
		if err := node.Normalize(); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
