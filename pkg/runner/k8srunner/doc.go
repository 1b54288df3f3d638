// Package k8srunner is the container-platform backend adapter. It
// preflights cluster access, applies pre-rendered resource manifests in
// kind order, polls the created jobs to completion, and validates job
// logs against a success token.
package k8srunner
