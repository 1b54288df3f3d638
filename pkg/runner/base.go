package runner

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/inventory"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/manifest"
	"github.com/gridbench/gridbench/pkg/metrics"
	"github.com/gridbench/gridbench/pkg/types"
)

// Base carries the node inventory and validation shared by every backend
// adapter. Adapters embed it and override the lifecycle methods they
// specialize.
type Base struct {
	kind   string
	nodes  []types.NodeConfig
	logger zerolog.Logger
}

// NewBase loads the inventory named by cfg and returns the shared adapter
// state. Pre-parsed nodes in cfg take precedence over the inventory path.
func NewBase(kind string, cfg Config) (*Base, error) {
	nodes := cfg.Nodes
	if len(nodes) == 0 {
		if cfg.InventoryPath == "" {
			return nil, errdefs.Configuration("%s runner requires an inventory", kind)
		}
		var err error
		nodes, err = inventory.Load(cfg.InventoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
	}
	return &Base{
		kind:   kind,
		nodes:  nodes,
		logger: log.WithRunner(kind),
	}, nil
}

// Kind returns the backend identifier
func (b *Base) Kind() string { return b.kind }

// Nodes returns the full parsed inventory
func (b *Base) Nodes() []types.NodeConfig { return b.nodes }

// Logger returns the runner-scoped logger
func (b *Base) Logger() *zerolog.Logger { return &b.logger }

// MatchNodes filters the inventory by the spec's node selector
func (b *Base) MatchNodes(spec *types.WorkloadSpec) []types.NodeConfig {
	return inventory.Filter(b.nodes, spec.NodeSelector)
}

// ValidateWorkload applies the checks common to all backends: the
// manifest must exist and parse, it must name at least one image, and at
// least one node must match the selector.
func (b *Base) ValidateWorkload(spec *types.WorkloadSpec) error {
	if spec == nil || len(spec.Tags) == 0 {
		return errdefs.Configuration("workload requires at least one tag")
	}
	m, err := manifest.Load(spec.ManifestFile)
	if err != nil {
		return err
	}
	if len(m.BuiltImages) == 0 {
		return errdefs.Configuration("manifest %s contains no built images", spec.ManifestFile)
	}
	if len(b.MatchNodes(spec)) == 0 {
		return errdefs.Configuration("no nodes match selector %v", spec.NodeSelector)
	}
	return nil
}

// Run drives the full lifecycle against the given adapter: validate,
// setup, execute, cleanup. Cleanup runs on every path once validation has
// been entered and its failure never replaces the primary outcome. Run
// never propagates an error: phase failures come back as a structured
// DistributedResult with ErrorMessage set.
func Run(r Runner, spec *types.WorkloadSpec) (result *types.DistributedResult) {
	timer := metrics.NewTimer()
	logger := log.WithRunner(r.Kind())

	result = &types.DistributedResult{}

	cleanedUp := false
	cleanup := func() {
		cleanedUp = true
		defer func() {
			if rec := recover(); rec != nil {
				logger.Warn().Str("panic", fmt.Sprint(rec)).Msg("cleanup panicked")
			}
		}()
		if err := r.CleanupInfrastructure(spec); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result.ErrorMessage = fmt.Sprintf("runner panicked: %v", rec)
			logger.Error().Str("panic", fmt.Sprint(rec)).Msg("runner panicked")
			if !cleanedUp {
				cleanup()
			}
		}
		result.TotalDuration = timer.Duration()
		status := "failure"
		if result.Success() {
			status = "success"
		}
		metrics.ExecutionsTotal.WithLabelValues(r.Kind(), status).Inc()
		metrics.ExecutionDuration.WithLabelValues(r.Kind()).Observe(timer.Duration().Seconds())
	}()

	if err := r.ValidateWorkload(spec); err != nil {
		logger.Error().Err(err).Msg("workload validation failed")
		result.ErrorMessage = err.Error()
		cleanup()
		return result
	}

	if err := r.SetupInfrastructure(spec); err != nil {
		logger.Error().Err(err).Msg("infrastructure setup failed")
		result.ErrorMessage = err.Error()
		cleanup()
		return result
	}

	executed, err := r.ExecuteWorkload(spec)
	cleanup()
	if err != nil {
		logger.Error().Err(err).Msg("workload execution failed")
		if executed != nil {
			result = executed
		}
		result.ErrorMessage = err.Error()
		return result
	}
	if executed != nil {
		executed.TotalDuration = timer.Duration()
		result = executed
	}

	logger.Info().
		Int("nodes", result.TotalNodes).
		Int("successful", result.SuccessfulCount()).
		Int("failed", result.FailedCount()).
		Dur("duration", timer.Duration()).
		Msg("workload run complete")
	return result
}
