/*
Package metrics provides Prometheus instrumentation for gridbench.

Collectors cover the execution engine (per-tag outcomes, run durations),
the SSH connection layer (retries and failure kinds), and the two-phase
build/run workflow. All metrics are registered at package init; Handler
exposes them for scraping.
*/
package metrics
