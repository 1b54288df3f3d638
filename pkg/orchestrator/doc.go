// Package orchestrator coordinates the two-phase workflow. The build
// phase discovers workloads, builds their images, and persists the
// build manifest; the run phase loads the manifest back, resolves each
// image against the registry, and executes every workload through the
// execution collaborator. FullWorkflow chains the two and refuses to
// run anything when any build failed.
package orchestrator
