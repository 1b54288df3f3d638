package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridbench/gridbench/pkg/builder"
	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/manifest"
	"github.com/gridbench/gridbench/pkg/orchestrator"
	"github.com/gridbench/gridbench/pkg/registry"
	"github.com/gridbench/gridbench/pkg/runner"
	"github.com/gridbench/gridbench/pkg/runner/k8srunner"
	"github.com/gridbench/gridbench/pkg/runner/playbook"
	"github.com/gridbench/gridbench/pkg/runner/sshrunner"
	"github.com/gridbench/gridbench/pkg/types"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build workload images and write the build manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetStringSlice("tags")
		registryURL, _ := cmd.Flags().GetString("registry")
		cleanCache, _ := cmd.Flags().GetBool("clean-cache")
		manifestPath, _ := cmd.Flags().GetString("manifest")
		localImage, _ := cmd.Flags().GetString("local-image")

		o, err := newLocalOrchestrator(cmd)
		if err != nil {
			return err
		}

		opts := orchestrator.BuildOptions{
			Tags:         tags,
			Registry:     registryURL,
			CleanCache:   cleanCache,
			ManifestPath: manifestPath,
		}
		var summary *orchestrator.BuildSummary
		if localImage != "" {
			summary, err = o.GenerateLocalImageManifest(cmd.Context(), localImage, opts)
		} else {
			summary, err = o.BuildPhase(cmd.Context(), opts)
		}
		if err != nil {
			return err
		}
		printBuildSummary(summary)
		if len(summary.Failed) > 0 {
			return exitWithCode(exitBuildFailure,
				fmt.Errorf("%d of %d builds failed", len(summary.Failed), len(summary.Failed)+len(summary.Successful)))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute workloads from a build manifest",
	Long: `Execute every workload recorded in the build manifest.

With --runner local (the default) workloads run on the local container
engine. With --runner ssh, playbook, or kubernetes, execution is fanned
out across the node inventory through the selected backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("runner")
		if backend == "local" {
			return runLocal(cmd)
		}
		return runDistributed(cmd, backend)
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Build images, then execute them in one invocation",
	Long: `Run the build phase followed by the run phase. If any build fails,
the run phase is not started at all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetStringSlice("tags")
		registryURL, _ := cmd.Flags().GetString("registry")
		cleanCache, _ := cmd.Flags().GetBool("clean-cache")
		manifestPath, _ := cmd.Flags().GetString("manifest")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		keepAlive, _ := cmd.Flags().GetBool("keep-alive")

		o, err := newLocalOrchestrator(cmd)
		if err != nil {
			return err
		}

		buildSummary, runSummary, err := o.FullWorkflow(cmd.Context(),
			orchestrator.BuildOptions{
				Tags:         tags,
				Registry:     registryURL,
				CleanCache:   cleanCache,
				ManifestPath: manifestPath,
			},
			orchestrator.RunOptions{
				Registry:  registryURL,
				Tags:      tags,
				Timeout:   timeout,
				KeepAlive: keepAlive,
			})
		if buildSummary != nil {
			printBuildSummary(buildSummary)
		}
		if err != nil {
			if runSummary == nil && buildSummary != nil && len(buildSummary.Failed) > 0 {
				return exitWithCode(exitBuildFailure, err)
			}
			return err
		}
		printRunSummary(runSummary)
		if !runSummary.Success() {
			return exitWithCode(exitRunFailure, fmt.Errorf("%d workload(s) failed", runSummary.Failed()))
		}
		return nil
	},
}

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "List available execution backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		factory, err := newFactory()
		if err != nil {
			return err
		}
		fmt.Println("local")
		for _, kind := range factory.Kinds() {
			fmt.Println(kind)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{buildCmd, workflowCmd} {
		cmd.Flags().StringSlice("tags", nil, "Workload tags to select (default: all)")
		cmd.Flags().String("registry", "", "Registry to push built images to")
		cmd.Flags().Bool("clean-cache", false, "Build without the engine layer cache")
		cmd.Flags().String("catalog", "models.json", "Workload catalog file")
	}
	buildCmd.Flags().String("local-image", "", "Write a manifest for an already-built local image instead of building")
	for _, cmd := range []*cobra.Command{buildCmd, runCmd, workflowCmd} {
		cmd.Flags().String("manifest", manifest.DefaultFileName, "Build manifest path")
		cmd.Flags().String("credentials", "credential.json", "Registry credential file")
	}
	for _, cmd := range []*cobra.Command{runCmd, workflowCmd} {
		cmd.Flags().Duration("timeout", time.Hour, "Per-workload execution timeout")
		cmd.Flags().Bool("keep-alive", false, "Keep containers after execution for inspection")
	}

	runCmd.Flags().String("runner", "local", "Execution backend (local, ssh, playbook, kubernetes)")
	runCmd.Flags().String("registry", "", "Registry to pull images from (overrides the manifest)")
	runCmd.Flags().StringSlice("tags", nil, "Workload tags or ids to execute (default: all runnable)")
	runCmd.Flags().String("inventory", "", "Node inventory file (distributed backends)")
	runCmd.Flags().StringArray("selector", nil, "Node selector key=value (repeatable)")
	runCmd.Flags().StringArray("context", nil, "Extra environment key=value for remote workloads (repeatable)")
	runCmd.Flags().Int("parallelism", 0, "Max concurrent nodes (0 = all matched)")
	runCmd.Flags().String("report", "", "Write a JSON execution report to this path")
	runCmd.Flags().StringToString("backend-opt", nil, "Backend-specific option key=value")
}

func newLocalOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	catalog, _ := cmd.Flags().GetString("catalog")
	credFile, _ := cmd.Flags().GetString("credentials")

	creds, err := registry.LoadCredentials(credFile)
	if err != nil {
		return nil, err
	}
	imageBuilder, err := builder.NewImageBuilder(creds, "")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the container engine: %w", err)
	}
	resolver, err := registry.NewResolver(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the container engine: %w", err)
	}
	executor, err := orchestrator.NewLocalExecutor("")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the container engine: %w", err)
	}

	return orchestrator.New(builder.CatalogDiscoverer{Path: catalog}, imageBuilder, resolver, executor), nil
}

func runLocal(cmd *cobra.Command) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	registryURL, _ := cmd.Flags().GetString("registry")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	keepAlive, _ := cmd.Flags().GetBool("keep-alive")

	o, err := newLocalOrchestrator(cmd)
	if err != nil {
		return err
	}
	summary, err := o.RunPhase(cmd.Context(), orchestrator.RunOptions{
		ManifestPath: manifestPath,
		Tags:         tags,
		Registry:     registryURL,
		Timeout:      timeout,
		KeepAlive:    keepAlive,
	})
	if err != nil {
		return err
	}
	printRunSummary(summary)
	if !summary.Success() {
		return exitWithCode(exitRunFailure, fmt.Errorf("%d workload(s) failed", summary.Failed()))
	}
	return nil
}

func runDistributed(cmd *cobra.Command, backend string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	registryURL, _ := cmd.Flags().GetString("registry")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	inventoryPath, _ := cmd.Flags().GetString("inventory")
	selectorPairs, _ := cmd.Flags().GetStringArray("selector")
	contextPairs, _ := cmd.Flags().GetStringArray("context")
	parallelism, _ := cmd.Flags().GetInt("parallelism")
	reportPath, _ := cmd.Flags().GetString("report")
	backendOpts, _ := cmd.Flags().GetStringToString("backend-opt")

	if inventoryPath == "" {
		return errdefs.Configuration("distributed execution requires --inventory")
	}
	selector, err := parseKeyValues("selector", selectorPairs)
	if err != nil {
		return err
	}
	extraContext, err := parseKeyValues("context", contextPairs)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return err
		}
		tags = m.Runnable()
	}

	spec, err := types.NewWorkloadSpec(tags, manifestPath, timeout)
	if err != nil {
		return err
	}
	spec.Registry = registryURL
	spec.NodeSelector = selector
	spec.AdditionalContext = extraContext
	spec.Parallelism = parallelism

	factory, err := newFactory()
	if err != nil {
		return err
	}
	r, err := factory.Create(backend, runner.Config{
		InventoryPath: inventoryPath,
		Extra:         backendOpts,
	})
	if err != nil {
		return err
	}

	result := runner.Run(r, spec)
	printDistributedResult(result)
	if reportPath != "" {
		if err := runner.WriteReport(reportPath, backend, result); err != nil {
			return err
		}
	}
	if !result.Success() {
		msg := result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%d of %d executions failed", result.FailedCount(), len(result.NodeResults))
		}
		return exitWithCode(exitRunFailure, fmt.Errorf("%s", msg))
	}
	return nil
}

func newFactory() (*runner.Factory, error) {
	factory := runner.NewFactory()
	for kind, constructor := range map[string]runner.Constructor{
		runner.KindSSH:        sshrunner.New,
		runner.KindPlaybook:   playbook.New,
		runner.KindKubernetes: k8srunner.New,
	} {
		if err := factory.Register(kind, constructor); err != nil {
			return nil, err
		}
	}
	return factory, nil
}

func parseKeyValues(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	parsed := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errdefs.Configuration("%s %q must be key=value", flag, pair)
		}
		parsed[key] = value
	}
	return parsed, nil
}

func printBuildSummary(s *orchestrator.BuildSummary) {
	fmt.Printf("Build phase: %d succeeded, %d failed (%s)\n",
		len(s.Successful), len(s.Failed), s.Duration.Round(time.Second))
	for _, name := range s.Failed {
		fmt.Printf("  FAILED %s: %s\n", name, s.Errors[name])
	}
	fmt.Printf("Manifest written to %s\n", s.ManifestPath)
}

func printRunSummary(s *orchestrator.RunSummary) {
	fmt.Printf("Run phase: %d succeeded, %d failed (%s)\n",
		s.Succeeded(), s.Failed(), s.Duration.Round(time.Second))
	for _, o := range s.Outcomes {
		status := "ok"
		if !o.Success {
			status = "FAILED"
		}
		fmt.Printf("  %-8s %s (%s)", status, o.Name, o.Duration.Round(time.Second))
		if o.Error != "" {
			fmt.Printf(" - %s", o.Error)
		}
		fmt.Println()
	}
}

func printDistributedResult(r *types.DistributedResult) {
	fmt.Printf("Distributed run: %d nodes, %d succeeded, %d failed (%s)\n",
		r.TotalNodes, r.SuccessfulCount(), r.FailedCount(), r.TotalDuration.Round(time.Second))
	for _, res := range r.NodeResults {
		status := "ok"
		if !res.Success {
			status = "FAILED"
		}
		fmt.Printf("  %-8s %s/%s (%s)", status, res.NodeID, res.Tag, res.Duration.Round(time.Second))
		if res.ErrorMessage != "" {
			fmt.Printf(" - %s", res.ErrorMessage)
		}
		fmt.Println()
	}
	if r.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", r.ErrorMessage)
	}
}
