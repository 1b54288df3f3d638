package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/manifest"
)

type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// LocalExecutor runs workload containers on the local engine. It is the
// default execution collaborator when no distributed backend is
// selected.
type LocalExecutor struct {
	api    containerAPI
	logDir string
	logger zerolog.Logger
}

// NewLocalExecutor creates an executor backed by the local engine
func NewLocalExecutor(logDir string) (*LocalExecutor, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newLocalExecutor(api, logDir), nil
}

func newLocalExecutor(api containerAPI, logDir string) *LocalExecutor {
	if logDir == "" {
		logDir = "run-logs"
	}
	return &LocalExecutor{
		api:    api,
		logDir: logDir,
		logger: log.WithComponent("executor"),
	}
}

// RunContainer implements Executor: create, start, wait under the
// timeout, capture logs, and remove the container unless KeepAlive asks
// to retain it for debugging.
func (e *LocalExecutor) RunContainer(ctx context.Context, model manifest.BuiltModel, imageRef string, opts ExecOptions) (ExecResult, error) {
	result := ExecResult{}

	cmd := model.Scripts
	if model.Args != "" {
		cmd += " " + model.Args
	}
	config := &container.Config{
		Image: imageRef,
		Env: []string{
			"GRIDBENCH_WORKLOAD=" + model.Name,
			fmt.Sprintf("GRIDBENCH_NGPUS=%d", model.NGPUs),
		},
	}
	if cmd != "" {
		config.Cmd = []string{"/bin/bash", "-c", cmd}
	}

	name := fmt.Sprintf("gridbench-%s-%s", model.Name, uuid.NewString()[:8])
	created, err := e.api.ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return result, fmt.Errorf("failed to create container for %s: %w", model.Name, err)
	}
	id := created.ID

	defer func() {
		if opts.KeepAlive {
			e.logger.Info().Str("container", name).Msg("keeping container for inspection")
			return
		}
		removeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.api.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn().Str("container", name).Err(err).Msg("failed to remove container")
		}
	}()

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("failed to start container for %s: %w", model.Name, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var exitCode int64
	statusCh, errCh := e.api.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		if waitCtx.Err() != nil {
			return result, errdefs.Timeout("workload %s exceeded %s", model.Name, opts.Timeout)
		}
		return result, fmt.Errorf("failed to wait for %s: %w", model.Name, err)
	}

	logPath, logs, err := e.captureLogs(ctx, id, model.Name)
	if err != nil {
		e.logger.Warn().Str("workload", model.Name).Err(err).Msg("failed to capture logs")
	}
	result.LogPath = logPath
	result.Performance = parsePerformance(logs)
	result.Success = exitCode == 0
	return result, nil
}

func (e *LocalExecutor) captureLogs(ctx context.Context, id, workload string) (string, string, error) {
	reader, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return "", "", err
	}
	path := filepath.Join(e.logDir, workload+".run.log")
	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	var buf strings.Builder
	// Engine log streams are multiplexed; split them back apart.
	if _, err := stdcopy.StdCopy(io.MultiWriter(f, &buf), io.MultiWriter(f, &buf), reader); err != nil {
		return path, buf.String(), err
	}
	return path, buf.String(), nil
}

// parsePerformance extracts "performance: <value> <metric>" lines from
// workload output.
func parsePerformance(logs string) map[string]float64 {
	perf := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(logs))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, found := strings.CutPrefix(line, "performance:")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		perf[fields[1]] = value
	}
	if len(perf) == 0 {
		return nil
	}
	return perf
}
