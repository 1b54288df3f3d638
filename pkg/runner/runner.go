package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/types"
)

// Backend kinds understood by the default factory
const (
	KindSSH        = "ssh"
	KindPlaybook   = "playbook"
	KindKubernetes = "kubernetes"
)

// Runner is the lifecycle contract every backend adapter implements. The
// four operations are driven in a fixed order by Run: validate, setup,
// execute, cleanup. Cleanup is attempted unconditionally once validation
// has been entered, and its errors are logged but never surfaced.
type Runner interface {
	// Kind returns the backend identifier, e.g. "ssh"
	Kind() string

	// ValidateWorkload checks the workload against the backend and the
	// node inventory before any remote activity
	ValidateWorkload(spec *types.WorkloadSpec) error

	// SetupInfrastructure performs backend-specific preparation. Called
	// once per Run.
	SetupInfrastructure(spec *types.WorkloadSpec) error

	// ExecuteWorkload runs the workload on every matched node. Every
	// attempted (node, tag) pair must be represented in the returned
	// result, failed entries included.
	ExecuteWorkload(spec *types.WorkloadSpec) (*types.DistributedResult, error)

	// CleanupInfrastructure releases everything setup or execution
	// acquired, tolerating resources that were never fully acquired
	CleanupInfrastructure(spec *types.WorkloadSpec) error
}

// Config carries backend construction parameters. InventoryPath points at
// the node inventory; Nodes overrides it when pre-parsed nodes are
// available. Extra holds backend-specific settings such as the remote
// workspace for SSH or the namespace for Kubernetes.
type Config struct {
	InventoryPath string
	Nodes         []types.NodeConfig
	WorkDir       string
	Extra         map[string]string
}

// Setting returns a backend-specific setting or its default
func (c Config) Setting(key, def string) string {
	if v, ok := c.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

// Constructor builds one backend adapter from a Config
type Constructor func(cfg Config) (Runner, error)

// Factory maps backend kind names to constructors. It is built explicitly
// at process start and passed by reference; backends do not register
// themselves through package-level side effects.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns an empty factory
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register adds a backend constructor under kind. Registering the same
// kind twice is a programmer error.
func (f *Factory) Register(kind string, c Constructor) error {
	if kind == "" || c == nil {
		return errdefs.Configuration("runner registration requires a kind and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.constructors[kind]; ok {
		return errdefs.Configuration("runner kind %q already registered", kind)
	}
	f.constructors[kind] = c
	return nil
}

// Create instantiates the backend registered under kind
func (f *Factory) Create(kind string, cfg Config) (Runner, error) {
	f.mu.RLock()
	c, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, errdefs.Configuration("unknown runner kind %q (available: %v)", kind, f.Kinds())
	}
	r, err := c(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s runner: %w", kind, err)
	}
	return r, nil
}

// Kinds returns the registered backend kinds, sorted
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
