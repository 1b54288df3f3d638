package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/types"
)

// nodeTimeoutBuffer pads each node's deadline beyond the workload timeout
// to absorb connection setup and teardown overhead.
var nodeTimeoutBuffer = 120 * time.Second

// NodeFn runs every tag of the workload on one node and returns one
// result per tag. It observes ctx for the node deadline but the engine
// does not rely on it: a NodeFn that overruns is abandoned and its tags
// reported as timed out. The remote side is not cancelled retroactively.
type NodeFn func(ctx context.Context, node types.NodeConfig, spec *types.WorkloadSpec) []types.ExecutionResult

// FanOut dispatches the workload to every node concurrently and collects
// results in completion order. Concurrency is one task per node, bounded
// by spec.Parallelism when it is lower than the node count. Every
// (node, tag) pair appears exactly once in the returned result: a task
// that panics or misses its deadline contributes a failed entry per tag
// instead of aborting the run.
func FanOut(nodes []types.NodeConfig, spec *types.WorkloadSpec, fn NodeFn) *types.DistributedResult {
	result := &types.DistributedResult{TotalNodes: len(nodes)}
	if len(nodes) == 0 {
		return result
	}
	start := time.Now()

	limit := spec.Parallelism
	if limit <= 0 || limit > len(nodes) {
		limit = len(nodes)
	}
	sem := make(chan struct{}, limit)
	collected := make(chan []types.ExecutionResult, len(nodes))
	nodeTimeout := spec.Timeout + nodeTimeoutBuffer

	for _, node := range nodes {
		go func(node types.NodeConfig) {
			sem <- struct{}{}
			defer func() { <-sem }()
			collected <- runNode(node, spec, nodeTimeout, fn)
		}(node)
	}

	for i := 0; i < len(nodes); i++ {
		for _, r := range <-collected {
			result.Add(r)
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// runNode executes fn under the node deadline and normalizes every
// failure mode into per-tag results.
func runNode(node types.NodeConfig, spec *types.WorkloadSpec, timeout time.Duration, fn NodeFn) []types.ExecutionResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := log.WithNode(node.Hostname)
	start := time.Now()
	done := make(chan []types.ExecutionResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Str("panic", fmt.Sprint(rec)).Msg("node task panicked")
				done <- failAllTags(node, spec, time.Since(start),
					fmt.Sprintf("node task panicked: %v", rec))
			}
		}()
		done <- fn(ctx, node, spec)
	}()

	select {
	case results := <-done:
		return ensureAllTags(node, spec, results, time.Since(start))
	case <-ctx.Done():
		logger.Error().Dur("timeout", timeout).Msg("node task exceeded deadline")
		return failAllTags(node, spec, time.Since(start),
			fmt.Sprintf("node %s exceeded deadline of %s", node.Hostname, timeout))
	}
}

func perTagDuration(elapsed time.Duration, tags int) time.Duration {
	if tags <= 0 {
		return elapsed
	}
	return elapsed / time.Duration(tags)
}

// failAllTags produces one failed result per requested tag
func failAllTags(node types.NodeConfig, spec *types.WorkloadSpec, elapsed time.Duration, msg string) []types.ExecutionResult {
	perTag := perTagDuration(elapsed, len(spec.Tags))
	results := make([]types.ExecutionResult, 0, len(spec.Tags))
	for _, tag := range spec.Tags {
		results = append(results, types.ExecutionResult{
			NodeID:       node.Hostname,
			Tag:          tag,
			Success:      false,
			ErrorMessage: msg,
			Duration:     perTag,
		})
	}
	return results
}

// ensureAllTags backfills failed entries for any tag the node task did
// not report, so no (node, tag) pair is ever dropped.
func ensureAllTags(node types.NodeConfig, spec *types.WorkloadSpec, results []types.ExecutionResult, elapsed time.Duration) []types.ExecutionResult {
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.Tag] = true
	}
	for _, tag := range spec.Tags {
		if !seen[tag] {
			results = append(results, types.ExecutionResult{
				NodeID:       node.Hostname,
				Tag:          tag,
				Success:      false,
				ErrorMessage: "no result reported for tag",
				Duration:     perTagDuration(elapsed, len(spec.Tags)),
			})
		}
	}
	return results
}
