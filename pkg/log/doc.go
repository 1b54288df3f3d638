/*
Package log provides structured logging for gridbench.

It wraps zerolog with a global logger and helpers for attaching the
fields used throughout the orchestration core (component, node, workload,
runner). Call Init once at process startup; child loggers are cheap and
can be created per node task.
*/
package log
