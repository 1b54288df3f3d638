/*
Package types defines the core data structures used throughout gridbench.

These are the leaf value objects of the orchestration core: node
descriptions, workload specifications, and per-node and aggregate execution
results. They carry validation performed once at construction and no other
behavior; runners and the orchestrator build on top of them.
*/
package types
