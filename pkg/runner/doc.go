// Package runner defines the backend lifecycle contract and the parallel
// execution engine shared by all transport backends.
//
// Every backend implements Runner: validate, setup, execute, cleanup.
// Run drives those four in a fixed order, guarantees cleanup on every
// path, and converts any phase failure into a structured
// DistributedResult instead of propagating it. FanOut is the fan-out/
// fan-in engine: one concurrent task per matched node under a padded
// per-node deadline, with results collected in completion order and
// every failure mode normalized into per-tag entries.
//
// Backends are instantiated through an explicit Factory built at process
// start; there is no global registration table.
package runner
