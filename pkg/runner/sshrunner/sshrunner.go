package sshrunner

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/runner"
	"github.com/gridbench/gridbench/pkg/sshconn"
	"github.com/gridbench/gridbench/pkg/types"
)

const (
	// bootstrapAttempts bounds environment-bootstrap retries per node
	bootstrapAttempts = 3

	defaultRemoteWorkspace = "~/gridbench-workspace"
)

// supportingFiles are pushed next to the manifest when present locally.
// A missing supporting file is logged and skipped, never fatal.
var supportingFiles = []string{"credential.json", "data.json", "models.json"}

// connection is the subset of sshconn.Connection the adapter uses,
// extracted so tests can substitute fakes.
type connection interface {
	Connect() error
	Execute(command string, timeout time.Duration) (int, string, string, error)
	CopyFile(localPath, remotePath string, createParentDirs bool) error
	Close()
}

type dialFunc func(node types.NodeConfig) connection

// Runner executes workloads by pushing the manifest to each node over
// SSH and invoking a single remote command per node.
type Runner struct {
	*runner.Base

	workspace    string
	bootstrapCmd string
	runTemplate  string
	dial         dialFunc

	// conns maps hostname to the connection opened during setup; nil
	// entries record nodes that could not be reached, with the reason
	// kept in connErrs. Owned by one Run invocation at a time.
	conns    map[string]connection
	connErrs map[string]error
}

// New constructs the SSH backend adapter
func New(cfg runner.Config) (runner.Runner, error) {
	base, err := runner.NewBase(runner.KindSSH, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		Base:         base,
		workspace:    cfg.Setting("remote_workspace", defaultRemoteWorkspace),
		bootstrapCmd: cfg.Setting("bootstrap_command", ""),
		runTemplate:  cfg.Setting("run_command", ""),
		dial: func(node types.NodeConfig) connection {
			return sshconn.New(node)
		},
	}, nil
}

// SetupInfrastructure opens one connection per matched node. A node that
// cannot be reached is recorded, not fatal: its tags will be reported as
// failed by ExecuteWorkload. Setup only fails when no node at all is
// reachable.
func (r *Runner) SetupInfrastructure(spec *types.WorkloadSpec) error {
	nodes := r.MatchNodes(spec)
	r.conns = make(map[string]connection, len(nodes))
	r.connErrs = make(map[string]error, len(nodes))

	reachable := 0
	for _, node := range nodes {
		conn := r.dial(node)
		if err := conn.Connect(); err != nil {
			r.Logger().Warn().Str("node", node.Hostname).Err(err).Msg("node unreachable")
			r.conns[node.Hostname] = nil
			r.connErrs[node.Hostname] = err
			continue
		}
		r.conns[node.Hostname] = conn
		reachable++
	}
	if reachable == 0 {
		return errdefs.Runner("no reachable nodes out of %d matched", len(nodes))
	}
	return nil
}

// ExecuteWorkload fans the workload out to every matched node. Each node
// task bootstraps the remote environment, pushes the manifest and any
// supporting files, then runs one remote command covering all tags.
func (r *Runner) ExecuteWorkload(spec *types.WorkloadSpec) (*types.DistributedResult, error) {
	nodes := r.MatchNodes(spec)
	result := runner.FanOut(nodes, spec, r.runNode)
	return result, nil
}

func (r *Runner) runNode(ctx context.Context, node types.NodeConfig, spec *types.WorkloadSpec) []types.ExecutionResult {
	start := time.Now()
	conn := r.conns[node.Hostname]
	if conn == nil {
		reason := "node not connected"
		if err := r.connErrs[node.Hostname]; err != nil {
			reason = err.Error()
		}
		return failTags(node, spec, time.Since(start), reason)
	}

	if err := r.bootstrapEnvironment(conn, node); err != nil {
		return failTags(node, spec, time.Since(start),
			fmt.Sprintf("environment bootstrap failed: %v", err))
	}

	if err := r.pushWorkloadFiles(conn, node, spec); err != nil {
		return failTags(node, spec, time.Since(start), err.Error())
	}

	command := r.runCommand(spec)
	exitCode, stdout, stderr, err := conn.Execute(command, spec.Timeout)
	elapsed := time.Since(start)

	if err != nil {
		return failTags(node, spec, elapsed, err.Error())
	}
	if exitCode != 0 {
		msg := fmt.Sprintf("remote command exited %d: %s", exitCode, strings.TrimSpace(stderr))
		return failTags(node, spec, elapsed, msg)
	}

	// One remote invocation covers every tag; the protocol reports no
	// per-tag timing, so elapsed time is apportioned evenly.
	perTag := elapsed / time.Duration(len(spec.Tags))
	results := make([]types.ExecutionResult, 0, len(spec.Tags))
	for _, tag := range spec.Tags {
		results = append(results, types.ExecutionResult{
			NodeID:   node.Hostname,
			Tag:      tag,
			Success:  true,
			Output:   stdout,
			Duration: perTag,
		})
	}
	return results
}

// bootstrapEnvironment makes sure the remote workspace exists and the
// execution tooling is installed. The command sequence is idempotent and
// retried on transient failure.
func (r *Runner) bootstrapEnvironment(conn connection, node types.NodeConfig) error {
	commands := []string{
		fmt.Sprintf("mkdir -p %s", r.workspace),
	}
	if r.bootstrapCmd != "" {
		commands = append(commands, r.bootstrapCmd)
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), bootstrapAttempts-1)
	return backoff.Retry(func() error {
		for _, cmd := range commands {
			exitCode, _, stderr, err := conn.Execute(cmd, 5*time.Minute)
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return errdefs.Runner("bootstrap command %q exited %d on %s: %s",
					cmd, exitCode, node.Hostname, strings.TrimSpace(stderr))
			}
		}
		return nil
	}, b)
}

// pushWorkloadFiles copies the manifest and any locally present
// supporting files into the remote workspace. Supporting files are
// best-effort; the manifest is required.
func (r *Runner) pushWorkloadFiles(conn connection, node types.NodeConfig, spec *types.WorkloadSpec) error {
	remoteManifest := path.Join(r.workspace, filepath.Base(spec.ManifestFile))
	if err := conn.CopyFile(spec.ManifestFile, remoteManifest, true); err != nil {
		return fmt.Errorf("failed to push manifest to %s: %w", node.Hostname, err)
	}

	localDir := filepath.Dir(spec.ManifestFile)
	for _, name := range supportingFiles {
		local := filepath.Join(localDir, name)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		if err := conn.CopyFile(local, path.Join(r.workspace, name), true); err != nil {
			r.Logger().Warn().
				Str("node", node.Hostname).
				Str("file", name).
				Err(err).
				Msg("failed to push supporting file")
		}
	}
	return nil
}

// runCommand builds the single remote invocation covering all tags.
// Additional workload context is rendered as environment assignments so
// the remote benchmark processes inherit it.
func (r *Runner) runCommand(spec *types.WorkloadSpec) string {
	env := contextEnv(spec.AdditionalContext)
	if r.runTemplate != "" {
		return fmt.Sprintf("cd %s && %s%s", r.workspace, env, r.runTemplate)
	}
	cmd := fmt.Sprintf("cd %s && %sgridbench run --tags %s --manifest %s --timeout %d",
		r.workspace,
		env,
		strings.Join(spec.Tags, ","),
		filepath.Base(spec.ManifestFile),
		int(spec.Timeout.Seconds()))
	if spec.Registry != "" {
		cmd += " --registry " + spec.Registry
	}
	return cmd
}

// contextEnv renders key=value pairs as a shell environment prefix,
// sorted for a stable command line. Empty context renders to nothing.
func contextEnv(extra map[string]string) string {
	if len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s='%s' ", k, extra[k])
	}
	return b.String()
}

// CleanupInfrastructure closes every connection opened by setup. It is
// idempotent and tolerates connections that never opened.
func (r *Runner) CleanupInfrastructure(spec *types.WorkloadSpec) error {
	for host, conn := range r.conns {
		if conn != nil {
			conn.Close()
			r.Logger().Debug().Str("node", host).Msg("connection closed")
		}
	}
	r.conns = nil
	r.connErrs = nil
	return nil
}

func failTags(node types.NodeConfig, spec *types.WorkloadSpec, elapsed time.Duration, msg string) []types.ExecutionResult {
	perTag := elapsed
	if len(spec.Tags) > 0 {
		perTag = elapsed / time.Duration(len(spec.Tags))
	}
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
