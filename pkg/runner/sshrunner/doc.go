// Package sshrunner is the direct-SSH backend adapter. It connects to
// every matched node, bootstraps a workspace, pushes the build manifest
// and supporting files, and drives all tags through one remote command
// per node. Unreachable nodes degrade to failed per-tag results instead
// of failing the whole run.
package sshrunner
