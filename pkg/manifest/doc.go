// Package manifest defines the build manifest that links the build and
// run phases. The build phase writes one manifest describing every image
// and run recipe it produced; the run phase reads it back and executes
// only workloads present in both. The file format is stable JSON so that
// build and run may happen on different machines at different times.
package manifest
