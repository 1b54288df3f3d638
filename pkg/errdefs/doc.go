/*
Package errdefs defines the error taxonomy shared across the orchestration
core: configuration, connection, authentication, timeout, manifest, and
runner errors. Node-level errors are converted to failed execution results
at the node-task boundary; phase-level errors surface once through the
runner lifecycle and become a failed aggregate result.
*/
package errdefs
