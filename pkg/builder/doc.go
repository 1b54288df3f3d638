// Package builder discovers workloads from the catalog and builds their
// container images through the local engine, streaming build logs to
// disk and optionally pushing to a registry.
package builder
