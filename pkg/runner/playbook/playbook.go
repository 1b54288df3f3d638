package playbook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/runner"
	"github.com/gridbench/gridbench/pkg/types"
)

const (
	defaultPlaybookPath = "gridbench_playbook.yml"
	defaultInventory    = "inventory.ini"

	// generateHint names the command that renders the playbook, so a
	// missing artifact produces an actionable message.
	generateHint = "gridbench generate --backend playbook"
)

// recapLine matches one host line of an ansible play recap, e.g.
//
//	gpu-1 : ok=5 changed=2 unreachable=0 failed=0 skipped=0
var recapLine = regexp.MustCompile(`^(\S+)\s*:\s*ok=(\d+).*?unreachable=(\d+)\s+failed=(\d+)`)

type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Runner executes a pre-rendered playbook against a pre-existing
// inventory. It never generates remote commands itself; the playbook is
// rendered ahead of time by a separate step. Per-node granularity is
// coarser than the SSH backend: the outcome comes from the play recap.
type Runner struct {
	*runner.Base

	playbookPath string
	inventory    string
	binary       string
	run          execFunc
}

// New constructs the playbook backend adapter
func New(cfg runner.Config) (runner.Runner, error) {
	base, err := runner.NewBase(runner.KindPlaybook, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		Base:         base,
		playbookPath: cfg.Setting("playbook_path", defaultPlaybookPath),
		inventory:    cfg.Setting("ansible_inventory", defaultInventory),
		binary:       cfg.Setting("ansible_binary", "ansible-playbook"),
		run:          defaultExec,
	}, nil
}

// ValidateWorkload adds the pre-rendered artifact checks to the common
// validation: a missing playbook is a setup-phase failure with a message
// naming the generation command, never an error from deep inside
// execution.
func (r *Runner) ValidateWorkload(spec *types.WorkloadSpec) error {
	if err := r.Base.ValidateWorkload(spec); err != nil {
		return err
	}
	if _, err := os.Stat(r.playbookPath); err != nil {
		return errdefs.Runner("playbook %s not found; render it first with %q", r.playbookPath, generateHint)
	}
	return nil
}

// SetupInfrastructure verifies the executor binary and inventory exist
func (r *Runner) SetupInfrastructure(spec *types.WorkloadSpec) error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return errdefs.Runner("%s not found in PATH", r.binary)
	}
	if _, err := os.Stat(r.inventory); err != nil {
		return errdefs.Runner("ansible inventory %s not found", r.inventory)
	}
	return nil
}

// ExecuteWorkload invokes the playbook once and folds the play recap
// into per-node, per-tag results. Hosts absent from the recap inherit
// the aggregate outcome.
func (r *Runner) ExecuteWorkload(spec *types.WorkloadSpec) (*types.DistributedResult, error) {
	nodes := r.MatchNodes(spec)
	result := &types.DistributedResult{TotalNodes: len(nodes)}

	ctx, cancel := context.WithTimeout(context.Background(), spec.Timeout+2*time.Minute)
	defer cancel()

	start := time.Now()
	args := []string{"-i", r.inventory, r.playbookPath,
		"-e", "gridbench_tags=" + strings.Join(spec.Tags, ",")}
	output, err := r.run(ctx, r.binary, args...)
	elapsed := time.Since(start)

	aggregateOK := err == nil
	if ctx.Err() == context.DeadlineExceeded {
		err = errdefs.Timeout("playbook exceeded %s", spec.Timeout+2*time.Minute)
		aggregateOK = false
	}

	hostOutcomes := parseRecap(string(output))
	perTag := elapsed / time.Duration(len(spec.Tags))

	for _, node := range nodes {
		nodeOK, known := hostOutcomes[node.Hostname]
		if !known {
			nodeOK = aggregateOK
		}
		msg := ""
		if !nodeOK {
			msg = fmt.Sprintf("playbook run failed for %s", node.Hostname)
			if err != nil {
				msg = err.Error()
			}
		}
		for _, tag := range spec.Tags {
			result.Add(types.ExecutionResult{
				NodeID:       node.Hostname,
				Tag:          tag,
				Success:      nodeOK,
				Output:       tail(string(output), 2000),
				ErrorMessage: msg,
				Duration:     perTag,
			})
		}
	}
	return result, nil
}

// CleanupInfrastructure keeps execution artifacts in place for operator
// inspection; there is nothing to release.
func (r *Runner) CleanupInfrastructure(spec *types.WorkloadSpec) error {
	return nil
}

// parseRecap extracts per-host success from a play recap block. A host
// succeeded when both failed and unreachable counters are zero.
func parseRecap(output string) map[string]bool {
	outcomes := make(map[string]bool)
	inRecap := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "PLAY RECAP") {
			inRecap = true
			continue
		}
		if !inRecap {
			continue
		}
		m := recapLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		unreachable, _ := strconv.Atoi(m[3])
		failed, _ := strconv.Atoi(m[4])
		outcomes[m[1]] = unreachable == 0 && failed == 0
	}
	return outcomes
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
