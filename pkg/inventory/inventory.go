package inventory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/types"
)

// Load reads a node inventory from a JSON or YAML file. Two shapes are
// supported: a flat list under a known key ("nodes" or "gpu_nodes"), or
// auto-detection of the first top-level list whose entries carry a
// hostname field.
func Load(path string) ([]types.NodeConfig, error) {
	data, err := readInventoryFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Configuration("failed to parse inventory %s: %v", path, err)
	}

	nodes, err := parseDocument(&doc)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return nodes, nil
}

func readInventoryFile(path string) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, ".json"),
		strings.HasSuffix(path, ".yml"),
		strings.HasSuffix(path, ".yaml"):
	default:
		return nil, errdefs.Configuration("unsupported inventory format: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configuration("inventory file not found: %s", path)
	}
	return data, nil
}

func parseDocument(doc *yaml.Node) ([]types.NodeConfig, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errdefs.Configuration("inventory must be a mapping at top level")
	}

	// Known keys take precedence over auto-detection.
	for _, key := range []string{"nodes", "gpu_nodes"} {
		if list := mappingValue(root, key); list != nil {
			return decodeNodeList(list)
		}
	}

	// Auto-detect: first top-level list whose entries look like hosts.
	for i := 0; i+1 < len(root.Content); i += 2 {
		value := root.Content[i+1]
		if value.Kind == yaml.SequenceNode && listHasHostnames(value) {
			return decodeNodeList(value)
		}
	}

	return nil, errdefs.Configuration("no valid nodes found in inventory")
}

func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func listHasHostnames(list *yaml.Node) bool {
	for _, item := range list.Content {
		if item.Kind == yaml.MappingNode && mappingValue(item, "hostname") != nil {
			return true
		}
	}
	return false
}

func decodeNodeList(list *yaml.Node) ([]types.NodeConfig, error) {
	var nodes []types.NodeConfig
	if err := list.Decode(&nodes); err != nil {
		return nil, errdefs.Configuration("failed to decode node list: %v", err)
	}

	valid := nodes[:0]
	for i := range nodes {
		if err := nodes[i].Normalize(); err != nil {
			return nil, err
		}
		valid = append(valid, nodes[i])
	}

	if len(valid) == 0 {
		return nil, errdefs.Configuration("no valid nodes found in inventory")
	}
	return valid, nil
}

// Filter returns the nodes matching every key of the selector. An empty
// selector matches all nodes. A key matches against the gpu_vendor field or
// a node label; all keys must match (AND semantics).
func Filter(nodes []types.NodeConfig, selector map[string]string) []types.NodeConfig {
	if len(selector) == 0 {
		return nodes
	}

	var matched []types.NodeConfig
	for _, node := range nodes {
		if nodeMatches(node, selector) {
			matched = append(matched, node)
		}
	}
	return matched
}

func nodeMatches(node types.NodeConfig, selector map[string]string) bool {
	for key, want := range selector {
		var got string
		switch key {
		case "gpu_vendor":
			got = string(node.GPUVendor)
		default:
			var ok bool
			got, ok = node.Labels[key]
			if !ok {
				return false
			}
		}
		if got != want {
			return false
		}
	}
	return true
}
