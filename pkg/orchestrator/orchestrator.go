package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridbench/gridbench/pkg/builder"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/manifest"
	"github.com/gridbench/gridbench/pkg/metrics"
	"github.com/gridbench/gridbench/pkg/registry"
)

// imageBuilder builds one workload image
type imageBuilder interface {
	Build(ctx context.Context, w builder.Workload, cleanCache bool, registryURL string) (builder.BuildResult, error)
}

// imageResolver makes a manifest image runnable under its local name
type imageResolver interface {
	Resolve(ctx context.Context, registry, registryImage, localName string) string
}

// ExecOptions parameterizes one container execution
type ExecOptions struct {
	KeepAlive bool
	Timeout   time.Duration
}

// ExecResult is the outcome of one container execution
type ExecResult struct {
	Success     bool
	Performance map[string]float64
	LogPath     string
}

// Executor runs one workload container to completion. GPU wiring, mount
// construction, and the in-container script all live behind this
// interface.
type Executor interface {
	RunContainer(ctx context.Context, model manifest.BuiltModel, imageRef string, opts ExecOptions) (ExecResult, error)
}

// Orchestrator coordinates the two-phase workflow: a build phase that
// produces images and a manifest, and a run phase that consumes the
// manifest and executes each workload.
type Orchestrator struct {
	discoverer builder.Discoverer
	builder    imageBuilder
	resolver   imageResolver
	executor   Executor
	logger     zerolog.Logger
}

// New assembles an orchestrator from its collaborators
func New(d builder.Discoverer, b imageBuilder, r imageResolver, e Executor) *Orchestrator {
	return &Orchestrator{
		discoverer: d,
		builder:    b,
		resolver:   r,
		executor:   e,
		logger:     log.WithComponent("orchestrator"),
	}
}

// BuildOptions parameterizes the build phase
type BuildOptions struct {
	Tags         []string
	Registry     string
	CleanCache   bool
	ManifestPath string
}

// BuildSummary reports the build phase outcome. Build failures do not
// abort the batch: every discovered workload is attempted and listed in
// exactly one of the two slices.
type BuildSummary struct {
	Successful   []string
	Failed       []string
	Errors       map[string]string
	ManifestPath string
	Duration     time.Duration
}

// BuildPhase discovers the selected workloads, builds every one of
// them, and persists the resulting manifest.
func (o *Orchestrator) BuildPhase(ctx context.Context, opts BuildOptions) (*BuildSummary, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.PhaseDuration.WithLabelValues("build")) }()

	if opts.ManifestPath == "" {
		opts.ManifestPath = manifest.DefaultFileName
	}
	if opts.Registry == "" {
		opts.Registry = registry.RepoFromEnv()
	}

	workloads, err := o.discoverer.Discover(opts.Tags)
	if err != nil {
		return nil, fmt.Errorf("workload discovery failed: %w", err)
	}
	o.logger.Info().Int("workloads", len(workloads)).Msg("starting build phase")

	summary := &BuildSummary{ManifestPath: opts.ManifestPath, Errors: make(map[string]string)}
	m := manifest.New()
	m.Registry = opts.Registry

	for _, w := range workloads {
		result, err := o.builder.Build(ctx, w, opts.CleanCache, opts.Registry)
		if err != nil {
			o.logger.Error().Str("workload", w.Name).Err(err).Msg("build failed")
			summary.Failed = append(summary.Failed, w.Name)
			summary.Errors[w.Name] = err.Error()
			continue
		}
		summary.Successful = append(summary.Successful, w.Name)
		m.BuiltImages[w.Name] = manifest.BuiltImage{
			Dockerfile:    w.Dockerfile,
			BaseDocker:    w.BaseImage,
			DockerSHA:     result.SHA,
			BuildDuration: result.Duration.Seconds(),
			DockerImage:   result.ImageName,
			RegistryImage: result.RegistryImage,
			LogFile:       result.LogFile,
		}
		m.BuiltModels[w.Name] = manifest.BuiltModel{
			Name:    w.Name,
			NGPUs:   w.NGPUs,
			Scripts: w.Scripts,
			Owner:   w.Owner,
			Tags:    w.Tags,
			Args:    w.Args,
			Cred:    w.Cred,
		}
	}

	if err := m.Save(opts.ManifestPath); err != nil {
		return summary, fmt.Errorf("failed to persist manifest: %w", err)
	}
	summary.Duration = timer.Duration()
	o.logger.Info().
		Int("successful", len(summary.Successful)).
		Int("failed", len(summary.Failed)).
		Str("manifest", opts.ManifestPath).
		Msg("build phase complete")
	return summary, nil
}

// GenerateLocalImageManifest writes a manifest whose entries all point
// at an image that already exists on the local engine, so the run phase
// can proceed without a build. Build-time fields are zeroed.
func (o *Orchestrator) GenerateLocalImageManifest(ctx context.Context, localImage string, opts BuildOptions) (*BuildSummary, error) {
	if localImage == "" {
		return nil, fmt.Errorf("local image reference must not be empty")
	}
	if opts.ManifestPath == "" {
		opts.ManifestPath = manifest.DefaultFileName
	}

	workloads, err := o.discoverer.Discover(opts.Tags)
	if err != nil {
		return nil, fmt.Errorf("workload discovery failed: %w", err)
	}
	o.logger.Info().
		Int("workloads", len(workloads)).
		Str("image", localImage).
		Msg("generating manifest for pre-built image")

	summary := &BuildSummary{ManifestPath: opts.ManifestPath, Errors: make(map[string]string)}
	m := manifest.New()
	m.Registry = opts.Registry

	for _, w := range workloads {
		summary.Successful = append(summary.Successful, w.Name)
		m.BuiltImages[w.Name] = manifest.BuiltImage{
			Dockerfile:  w.Dockerfile,
			BaseDocker:  w.BaseImage,
			DockerImage: localImage,
		}
		m.BuiltModels[w.Name] = manifest.BuiltModel{
			Name:    w.Name,
			NGPUs:   w.NGPUs,
			Scripts: w.Scripts,
			Owner:   w.Owner,
			Tags:    w.Tags,
			Args:    w.Args,
			Cred:    w.Cred,
		}
	}

	if err := m.Save(opts.ManifestPath); err != nil {
		return summary, fmt.Errorf("failed to persist manifest: %w", err)
	}
	return summary, nil
}

// RunOptions parameterizes the run phase. Tags narrows execution to the
// manifest workloads matching by id or by tag; empty means every
// runnable workload.
type RunOptions struct {
	ManifestPath string
	Tags         []string
	Registry     string
	Timeout      time.Duration
	KeepAlive    bool
}

// WorkloadOutcome is the run-phase result for one workload
type WorkloadOutcome struct {
	Name        string
	ImageRef    string
	Success     bool
	Error       string
	Performance map[string]float64
	LogPath     string
	Duration    time.Duration
}

// RunSummary reports the run phase outcome
type RunSummary struct {
	Outcomes []WorkloadOutcome
	Duration time.Duration
}

// Succeeded counts successful workload outcomes
func (s *RunSummary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed counts failed workload outcomes
func (s *RunSummary) Failed() int { return len(s.Outcomes) - s.Succeeded() }

// Success reports whether every executed workload succeeded and at
// least one ran.
func (s *RunSummary) Success() bool {
	return len(s.Outcomes) > 0 && s.Failed() == 0
}

// RunPhase loads the manifest and executes every workload present in
// both of its maps. Registry precedence is explicit option first, then
// the registry recorded in the manifest, then local-only. An image that
// cannot be re-pulled falls back to the local build with a warning;
// execution failures are folded into the summary, never raised.
func (o *Orchestrator) RunPhase(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.PhaseDuration.WithLabelValues("run")) }()

	if opts.ManifestPath == "" {
		opts.ManifestPath = manifest.DefaultFileName
	}
	m, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return nil, err
	}

	reg := opts.Registry
	if reg == "" {
		reg = m.Registry
	}
	if reg == "" {
		reg = registry.RepoFromEnv()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}

	ids := m.Runnable()
	if len(opts.Tags) > 0 {
		ids = filterWorkloads(m, ids, opts.Tags)
		if len(ids) == 0 {
			o.logger.Warn().Strs("tags", opts.Tags).Msg("no runnable workloads match the requested tags")
		}
	}
	o.logger.Info().Int("workloads", len(ids)).Str("registry", reg).Msg("starting run phase")

	summary := &RunSummary{}
	for _, id := range ids {
		img := m.BuiltImages[id]
		model := m.BuiltModels[id]

		imageRef := img.DockerImage
		if o.resolver != nil {
			imageRef = o.resolver.Resolve(ctx, reg, img.RegistryImage, img.DockerImage)
		}

		start := time.Now()
		outcome := WorkloadOutcome{Name: id, ImageRef: imageRef}
		result, err := o.executor.RunContainer(ctx, model, imageRef, ExecOptions{
			KeepAlive: opts.KeepAlive,
			Timeout:   opts.Timeout,
		})
		outcome.Duration = time.Since(start)
		if err != nil {
			o.logger.Error().Str("workload", id).Err(err).Msg("workload execution failed")
			outcome.Error = err.Error()
		} else {
			outcome.Success = result.Success
			outcome.Performance = result.Performance
			outcome.LogPath = result.LogPath
			if !result.Success {
				outcome.Error = "workload reported failure"
			}
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	summary.Duration = timer.Duration()
	o.logger.Info().
		Int("successful", summary.Succeeded()).
		Int("failed", summary.Failed()).
		Msg("run phase complete")
	return summary, nil
}

// filterWorkloads keeps the ids selected by tags, matching either the
// workload id itself or any tag on its built model.
func filterWorkloads(m *manifest.Manifest, ids, tags []string) []string {
	wanted := make(map[string]bool, len(tags))
	for _, t := range tags {
		wanted[t] = true
	}
	matched := []string{}
	for _, id := range ids {
		if wanted[id] {
			matched = append(matched, id)
			continue
		}
		for _, t := range m.BuiltModels[id].Tags {
			if wanted[t] {
				matched = append(matched, id)
				break
			}
		}
	}
	return matched
}

// FullWorkflow composes build then run. Any failed build aborts before
// the run phase starts: builds gate the workflow harder than the run
// phase's own at-least-one-success rule.
func (o *Orchestrator) FullWorkflow(ctx context.Context, buildOpts BuildOptions, runOpts RunOptions) (*BuildSummary, *RunSummary, error) {
	buildSummary, err := o.BuildPhase(ctx, buildOpts)
	if err != nil {
		return buildSummary, nil, err
	}
	if len(buildSummary.Failed) > 0 {
		return buildSummary, nil, fmt.Errorf("aborting before run phase: %d build(s) failed: %v",
			len(buildSummary.Failed), buildSummary.Failed)
	}

	if runOpts.ManifestPath == "" {
		runOpts.ManifestPath = buildSummary.ManifestPath
	}
	runSummary, err := o.RunPhase(ctx, runOpts)
	return buildSummary, runSummary, err
}
