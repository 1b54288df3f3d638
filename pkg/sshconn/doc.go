// Package sshconn provides resilient SSH connections to benchmark nodes.
//
// A Connection wraps an SSH transport with bounded retry on transient dial
// failures, hard wall-clock timeouts on remote commands, and SFTP-based
// file transfer. Authentication failures are never retried. Connections
// are owned by the node task that created them and must be closed before
// the task returns; WithConnection enforces that scoping.
package sshconn
