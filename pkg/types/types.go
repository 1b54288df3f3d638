package types

import (
	"os"
	"time"

	"github.com/gridbench/gridbench/pkg/errdefs"
)

// GPUVendor identifies the GPU hardware on a node
type GPUVendor string

const (
	GPUVendorAMD    GPUVendor = "AMD"
	GPUVendorNVIDIA GPUVendor = "NVIDIA"
	GPUVendorIntel  GPUVendor = "INTEL"
)

// ValidGPUVendor reports whether v is one of the supported vendors
func ValidGPUVendor(v GPUVendor) bool {
	switch v {
	case GPUVendorAMD, GPUVendorNVIDIA, GPUVendorIntel:
		return true
	}
	return false
}

// NodeConfig describes one addressable execution target. It is validated
// once at construction and never mutated afterwards.
type NodeConfig struct {
	Hostname    string            `json:"hostname" yaml:"hostname"`
	Address     string            `json:"address" yaml:"address"`
	Port        int               `json:"port,omitempty" yaml:"port,omitempty"`
	Username    string            `json:"username,omitempty" yaml:"username,omitempty"`
	SSHKeyPath  string            `json:"ssh_key_path,omitempty" yaml:"ssh_key_path,omitempty"`
	GPUCount    int               `json:"gpu_count,omitempty" yaml:"gpu_count,omitempty"`
	GPUVendor   GPUVendor         `json:"gpu_vendor,omitempty" yaml:"gpu_vendor,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Normalize applies defaults and validates required fields. It returns a
// configuration error on empty hostname/address or an unknown GPU vendor.
func (n *NodeConfig) Normalize() error {
	if n.Hostname == "" || n.Address == "" {
		return errdefs.Configuration("node requires hostname and address")
	}
	if n.Port == 0 {
		n.Port = 22
	}
	if n.Username == "" {
		n.Username = "root"
	}
	if n.GPUCount == 0 {
		n.GPUCount = 1
	}
	if n.GPUVendor == "" {
		n.GPUVendor = GPUVendorAMD
	}
	if !ValidGPUVendor(n.GPUVendor) {
		return errdefs.Configuration("node %s: invalid gpu_vendor %q", n.Hostname, n.GPUVendor)
	}
	return nil
}

// WorkloadSpec describes one unit of distributable work. Created per
// invocation and never mutated after construction.
type WorkloadSpec struct {
	Tags              []string
	ManifestFile      string
	Timeout           time.Duration
	Registry          string
	AdditionalContext map[string]string
	NodeSelector      map[string]string
	Parallelism       int
}

// DefaultWorkloadTimeout applies when a spec does not set one.
const DefaultWorkloadTimeout = time.Hour

// NewWorkloadSpec validates and constructs a workload specification. The
// manifest file must exist at construction time; existence is re-checked at
// use time because the build phase may produce it concurrently.
func NewWorkloadSpec(tags []string, manifestFile string, timeout time.Duration) (*WorkloadSpec, error) {
	if len(tags) == 0 {
		return nil, errdefs.Configuration("workload requires at least one tag")
	}
	if _, err := os.Stat(manifestFile); err != nil {
		return nil, errdefs.Configuration("manifest file not found: %s", manifestFile)
	}
	if timeout <= 0 {
		timeout = DefaultWorkloadTimeout
	}
	return &WorkloadSpec{
		Tags:         tags,
		ManifestFile: manifestFile,
		Timeout:      timeout,
	}, nil
}

// ExecutionResult is the outcome of running one workload tag on one node.
// Exactly one result exists per attempted (node, tag) pair.
type ExecutionResult struct {
	NodeID       string             `json:"node_id"`
	Tag          string             `json:"tag"`
	Success      bool               `json:"success"`
	Output       string             `json:"output,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Duration     time.Duration      `json:"duration"`
	Performance  map[string]float64 `json:"performance,omitempty"`
}

// DistributedResult aggregates all execution results for one run invocation.
// Success counters are derived from the result list, never set directly.
type DistributedResult struct {
	TotalNodes    int               `json:"total_nodes"`
	NodeResults   []ExecutionResult `json:"node_results"`
	TotalDuration time.Duration     `json:"total_duration"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// Add appends one node execution result
func (d *DistributedResult) Add(r ExecutionResult) {
	d.NodeResults = append(d.NodeResults, r)
}

// Success reports whether at least one execution succeeded. An empty result
// list is a failure.
func (d *DistributedResult) Success() bool {
	for _, r := range d.NodeResults {
		if r.Success {
			return true
		}
	}
	return false
}

// SuccessfulCount returns the number of successful executions
func (d *DistributedResult) SuccessfulCount() int {
	n := 0
	for _, r := range d.NodeResults {
		if r.Success {
			n++
		}
	}
	return n
}

// FailedCount returns the number of failed executions
func (d *DistributedResult) FailedCount() int {
	return len(d.NodeResults) - d.SuccessfulCount()
}

// FailedResults returns the failed subset, so callers can re-target retries
// at exactly the nodes and tags that failed.
func (d *DistributedResult) FailedResults() []ExecutionResult {
	var failed []ExecutionResult
	for _, r := range d.NodeResults {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}
