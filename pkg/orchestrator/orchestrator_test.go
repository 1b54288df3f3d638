package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbench/gridbench/pkg/builder"
	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/manifest"
	"github.com/gridbench/gridbench/pkg/registry"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeDiscoverer struct {
	workloads []builder.Workload
	err       error
}

func (f fakeDiscoverer) Discover(tags []string) ([]builder.Workload, error) {
	return f.workloads, f.err
}

type fakeBuilder struct {
	failures map[string]error
	built    []string
	registry string
}

func (f *fakeBuilder) Build(ctx context.Context, w builder.Workload, cleanCache bool, registryURL string) (builder.BuildResult, error) {
	f.built = append(f.built, w.Name)
	f.registry = registryURL
	if err, ok := f.failures[w.Name]; ok {
		return builder.BuildResult{}, err
	}
	result := builder.BuildResult{
		ImageName: builder.ImageName(w),
		SHA:       "sha256:abc",
		Duration:  time.Second,
	}
	if registryURL != "" {
		result.RegistryImage = registryURL + "/" + result.ImageName
	}
	return result, nil
}

type fakeResolver struct {
	calls [][3]string
}

func (f *fakeResolver) Resolve(ctx context.Context, registry, registryImage, localName string) string {
	f.calls = append(f.calls, [3]string{registry, registryImage, localName})
	return localName
}

type fakeExecutor struct {
	failures map[string]bool
	errors   map[string]error
	ran      []string
	lastOpts ExecOptions
}

func (f *fakeExecutor) RunContainer(ctx context.Context, model manifest.BuiltModel, imageRef string, opts ExecOptions) (ExecResult, error) {
	f.ran = append(f.ran, model.Name)
	f.lastOpts = opts
	if err, ok := f.errors[model.Name]; ok {
		return ExecResult{}, err
	}
	return ExecResult{Success: !f.failures[model.Name], LogPath: model.Name + ".run.log"}, nil
}

func twoWorkloads() []builder.Workload {
	return []builder.Workload{
		{Name: "bert", Dockerfile: "docker/bert.Dockerfile", Scripts: "scripts/bert", NGPUs: 8},
		{Name: "resnet50", Dockerfile: "docker/resnet50.Dockerfile", Scripts: "scripts/resnet50", NGPUs: 4},
	}
}

func newTestOrchestrator(d builder.Discoverer, b imageBuilder, r imageResolver, e Executor) *Orchestrator {
	return New(d, b, r, e)
}

// TestBuildPhaseAttemptsEveryWorkload verifies one failed build does not
// abort the batch and the manifest carries only successful builds.
func TestBuildPhaseAttemptsEveryWorkload(t *testing.T) {
	fb := &fakeBuilder{failures: map[string]error{"bert": errors.New("dockerfile broken")}}
	o := newTestOrchestrator(fakeDiscoverer{workloads: twoWorkloads()}, fb, nil, nil)

	manifestPath := filepath.Join(t.TempDir(), "build_manifest.json")
	summary, err := o.BuildPhase(context.Background(), BuildOptions{ManifestPath: manifestPath})
	require.NoError(t, err)
	assert.Equal(t, []string{"bert", "resnet50"}, fb.built)
	assert.Equal(t, []string{"resnet50"}, summary.Successful)
	assert.Equal(t, []string{"bert"}, summary.Failed)
	assert.Contains(t, summary.Errors["bert"], "dockerfile broken")

	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"resnet50"}, m.Runnable())
}

// TestRunPhaseRequiresManifest verifies a missing manifest fails the
// whole run phase with the dedicated error.
func TestRunPhaseRequiresManifest(t *testing.T) {
	o := newTestOrchestrator(nil, nil, nil, &fakeExecutor{})
	_, err := o.RunPhase(context.Background(), RunOptions{
		ManifestPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsManifestNotFound(err))
}

func writeRunManifest(t *testing.T, m *manifest.Manifest) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build_manifest.json")
	require.NoError(t, m.Save(path))
	return path
}

/// TestRunPhaseSkipsHalfPresentEntries verifies the required scenario: an
// image with no model entry is skipped with a warning and produces no
// outcome, not a crash.
func TestRunPhaseSkipsHalfPresentEntries(t *testing.T) {
	m := manifest.New()
	m.BuiltImages["a"] = manifest.BuiltImage{DockerImage: "a", RegistryImage: "reg/a"}
	m.BuiltImages["b"] = manifest.BuiltImage{DockerImage: "b"}
	m.BuiltModels["b"] = manifest.BuiltModel{Name: "b"}

	exec := &fakeExecutor{}
	o := newTestOrchestrator(nil, nil, nil, exec)
	summary, err := o.RunPhase(context.Background(), RunOptions{ManifestPath: writeRunManifest(t, m)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, exec.ran)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "b", summary.Outcomes[0].Name)
}

// TestRunPhaseRegistryPrecedence verifies explicit registry beats the
// manifest registry, which beats local-only.
func TestRunPhaseRegistryPrecedence(t *testing.T) {
	m := manifest.New()
	m.Registry = "manifest.example.com"
	m.BuiltImages["bert"] = manifest.BuiltImage{DockerImage: "ci-bert", RegistryImage: "manifest.example.com/ci-bert"}
	m.BuiltModels["bert"] = manifest.BuiltModel{Name: "bert"}
	path := writeRunManifest(t, m)

	resolver := &fakeResolver{}
	o := newTestOrchestrator(nil, nil, resolver, &fakeExecutor{})

	_, err := o.RunPhase(context.Background(), RunOptions{ManifestPath: path, Registry: "cli.example.com"})
	require.NoError(t, err)
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, "cli.example.com", resolver.calls[0][0])

	resolver.calls = nil
	_, err = o.RunPhase(context.Background(), RunOptions{ManifestPath: path})
	require.NoError(t, err)
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, "manifest.example.com", resolver.calls[0][0])
}

// TestRunPhaseFiltersByTags verifies --tags narrows execution to the
// workloads matching by model tag or by workload id, and that a
// selection matching nothing runs nothing.
func TestRunPhaseFiltersByTags(t *testing.T) {
	m := manifest.New()
	m.BuiltImages["bert"] = manifest.BuiltImage{DockerImage: "ci-bert"}
	m.BuiltModels["bert"] = manifest.BuiltModel{Name: "bert", Tags: []string{"nlp"}}
	m.BuiltImages["resnet50"] = manifest.BuiltImage{DockerImage: "ci-resnet50"}
	m.BuiltModels["resnet50"] = manifest.BuiltModel{Name: "resnet50", Tags: []string{"vision"}}
	path := writeRunManifest(t, m)

	exec := &fakeExecutor{}
	o := newTestOrchestrator(nil, nil, nil, exec)
	summary, err := o.RunPhase(context.Background(), RunOptions{ManifestPath: path, Tags: []string{"vision"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"resnet50"}, exec.ran)
	require.Len(t, summary.Outcomes, 1)

	exec.ran = nil
	_, err = o.RunPhase(context.Background(), RunOptions{ManifestPath: path, Tags: []string{"bert"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bert"}, exec.ran, "workload ids select alongside tags")

	exec.ran = nil
	summary, err = o.RunPhase(context.Background(), RunOptions{ManifestPath: path, Tags: []string{"audio"}})
	require.NoError(t, err)
	assert.Empty(t, exec.ran)
	assert.Empty(t, summary.Outcomes)
}

// TestRunPhaseFoldsExecutionFailures verifies executor errors become
// failed outcomes rather than aborting the phase.
func TestRunPhaseFoldsExecutionFailures(t *testing.T) {
	m := manifest.New()
	for _, name := range []string{"bert", "resnet50"} {
		m.BuiltImages[name] = manifest.BuiltImage{DockerImage: "ci-" + name}
		m.BuiltModels[name] = manifest.BuiltModel{Name: name}
	}
	exec := &fakeExecutor{errors: map[string]error{"bert": errors.New("engine exploded")}}
	o := newTestOrchestrator(nil, nil, nil, exec)

	summary, err := o.RunPhase(context.Background(), RunOptions{ManifestPath: writeRunManifest(t, m)})
	require.NoError(t, err)
	assert.Len(t, exec.ran, 2)
	assert.Equal(t, 1, summary.Succeeded())
	assert.Equal(t, 1, summary.Failed())
	assert.False(t, summary.Success())
}

// TestFullWorkflowGatesOnBuildFailure verifies the two-phase gate: any
// failed build prevents the run phase from being invoked at all.
func TestFullWorkflowGatesOnBuildFailure(t *testing.T) {
	fb := &fakeBuilder{failures: map[string]error{"bert": errors.New("no base image")}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(fakeDiscoverer{workloads: twoWorkloads()}, fb, nil, exec)

	buildSummary, runSummary, err := o.FullWorkflow(context.Background(),
		BuildOptions{ManifestPath: filepath.Join(t.TempDir(), "m.json")}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborting before run phase")
	assert.NotNil(t, buildSummary)
	assert.Nil(t, runSummary)
	assert.Empty(t, exec.ran, "run phase must not start after a failed build")
}

// TestFullWorkflowHappyPath verifies build output feeds the run phase
func TestFullWorkflowHappyPath(t *testing.T) {
	fb := &fakeBuilder{}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(fakeDiscoverer{workloads: twoWorkloads()}, fb, nil, exec)

	buildSummary, runSummary, err := o.FullWorkflow(context.Background(),
		BuildOptions{ManifestPath: filepath.Join(t.TempDir(), "m.json"), Registry: "reg.example.com"},
		RunOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Len(t, buildSummary.Successful, 2)
	require.NotNil(t, runSummary)
	assert.Equal(t, 2, runSummary.Succeeded())
	assert.ElementsMatch(t, []string{"bert", "resnet50"}, exec.ran)
	assert.Equal(t, time.Minute, exec.lastOpts.Timeout)
}

// TestParsePerformance verifies metric extraction from workload logs
func TestParsePerformance(t *testing.T) {
	logs := "starting\nperformance: 1234.5 samples_per_second\nperformance: 88.25 tokens_per_second\nnot a metric\n"
	perf := parsePerformance(logs)
	require.Len(t, perf, 2)
	assert.Equal(t, 1234.5, perf["samples_per_second"])
	assert.Equal(t, 88.25, perf["tokens_per_second"])

	assert.Nil(t, parsePerformance("no metrics here"))
}

// TestGenerateLocalImageManifest verifies the manifest points every
// workload at the given pre-built image with no build-time metadata.
func TestGenerateLocalImageManifest(t *testing.T) {
	o := newTestOrchestrator(fakeDiscoverer{workloads: twoWorkloads()}, nil, nil, nil)

	manifestPath := filepath.Join(t.TempDir(), "build_manifest.json")
	summary, err := o.GenerateLocalImageManifest(context.Background(), "ci-prebuilt:latest",
		BuildOptions{ManifestPath: manifestPath})
	require.NoError(t, err)
	assert.Equal(t, []string{"bert", "resnet50"}, summary.Successful)
	assert.Empty(t, summary.Failed)

	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"bert", "resnet50"}, m.Runnable())
	for _, id := range m.Runnable() {
		img := m.BuiltImages[id]
		assert.Equal(t, "ci-prebuilt:latest", img.DockerImage)
		assert.Empty(t, img.DockerSHA)
		assert.Zero(t, img.BuildDuration)
	}
}

// TestGenerateLocalImageManifestRejectsEmptyImage covers the guard.
func TestGenerateLocalImageManifestRejectsEmptyImage(t *testing.T) {
	o := newTestOrchestrator(fakeDiscoverer{workloads: twoWorkloads()}, nil, nil, nil)
	_, err := o.GenerateLocalImageManifest(context.Background(), "", BuildOptions{})
	require.Error(t, err)
}

// TestRunPhaseRegistryFromEnvironment verifies the environment repo is
// consulted only when neither the flag nor the manifest names one.
func TestRunPhaseRegistryFromEnvironment(t *testing.T) {
	m := manifest.New()
	m.BuiltImages["bert"] = manifest.BuiltImage{DockerImage: "ci-bert", RegistryImage: "env.example.com/ci-bert"}
	m.BuiltModels["bert"] = manifest.BuiltModel{Name: "bert"}
	path := writeRunManifest(t, m)

	t.Setenv(registry.EnvRegistryRepo, "env.example.com")

	resolver := &fakeResolver{}
	o := newTestOrchestrator(nil, nil, resolver, &fakeExecutor{})
	_, err := o.RunPhase(context.Background(), RunOptions{ManifestPath: path})
	require.NoError(t, err)
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, "env.example.com", resolver.calls[0][0])
}
