// Package registry resolves container images between a remote registry
// and the local engine, and manages the registry credential store.
package registry
