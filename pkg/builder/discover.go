package builder

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gridbench/gridbench/pkg/errdefs"
)

// Workload is one buildable benchmark definition discovered from the
// workload catalog.
type Workload struct {
	Name       string   `json:"name"`
	Dockerfile string   `json:"dockerfile"`
	Scripts    string   `json:"scripts"`
	NGPUs      int      `json:"n_gpus"`
	Owner      string   `json:"owner,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Args       string   `json:"args,omitempty"`
	Cred       string   `json:"cred,omitempty"`
	BaseImage  string   `json:"base_docker,omitempty"`
}

// Discoverer finds workloads matching a tag selection
type Discoverer interface {
	Discover(tags []string) ([]Workload, error)
}

// CatalogDiscoverer reads workload definitions from a JSON catalog file
// (models.json). A workload matches when any of its tags, or its name,
// appears in the selection; an empty selection matches everything.
type CatalogDiscoverer struct {
	Path string
}

// Discover implements Discoverer
func (c CatalogDiscoverer) Discover(tags []string) ([]Workload, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, errdefs.Configuration("workload catalog not readable: %s", c.Path)
	}
	var catalog []Workload
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, errdefs.Configuration("workload catalog %s is not valid JSON: %v", c.Path, err)
	}

	for i := range catalog {
		if catalog[i].Name == "" {
			return nil, errdefs.Configuration("workload catalog %s: entry %d has no name", c.Path, i)
		}
	}
	if len(tags) == 0 {
		return catalog, nil
	}

	wanted := make(map[string]bool, len(tags))
	for _, t := range tags {
		wanted[t] = true
	}
	var matched []Workload
	for _, w := range catalog {
		if wanted[w.Name] {
			matched = append(matched, w)
			continue
		}
		for _, t := range w.Tags {
			if wanted[t] {
				matched = append(matched, w)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no workloads match tags %v in %s", tags, c.Path)
	}
	return matched, nil
}
