package builder

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/gridbench/gridbench/pkg/log"
	"github.com/gridbench/gridbench/pkg/metrics"
	"github.com/gridbench/gridbench/pkg/registry"
)

// BuildResult describes one completed image build
type BuildResult struct {
	ImageName     string
	RegistryImage string
	SHA           string
	Duration      time.Duration
	LogFile       string
}

type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// ImageBuilder builds workload images through the local container
// engine and optionally pushes them to a registry.
type ImageBuilder struct {
	api    dockerAPI
	creds  *registry.CredentialStore
	logDir string
	logger zerolog.Logger
}

// NewImageBuilder creates a builder backed by the local container engine
func NewImageBuilder(creds *registry.CredentialStore, logDir string) (*ImageBuilder, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newImageBuilder(api, creds, logDir), nil
}

func newImageBuilder(api dockerAPI, creds *registry.CredentialStore, logDir string) *ImageBuilder {
	if creds == nil {
		creds, _ = registry.LoadCredentials("")
	}
	if logDir == "" {
		logDir = "build-logs"
	}
	return &ImageBuilder{
		api:    api,
		creds:  creds,
		logDir: logDir,
		logger: log.WithComponent("builder"),
	}
}

// ImageName returns the local tag a workload builds under
func ImageName(w Workload) string {
	return "ci-" + strings.ToLower(strings.ReplaceAll(w.Name, "/", "_"))
}

// Build builds one workload image. The build log is streamed to a file
// under the builder's log directory so failures can be inspected after
// the batch finishes. When registryURL is set, the image is also tagged
// and pushed there.
func (b *ImageBuilder) Build(ctx context.Context, w Workload, cleanCache bool, registryURL string) (BuildResult, error) {
	name := ImageName(w)
	result := BuildResult{ImageName: name}
	timer := metrics.NewTimer()

	contextDir := filepath.Dir(w.Dockerfile)
	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		return result, fmt.Errorf("failed to prepare build context for %s: %w", w.Name, err)
	}
	defer buildContext.Close()

	opts := types.ImageBuildOptions{
		Tags:       []string{name},
		Dockerfile: filepath.Base(w.Dockerfile),
		NoCache:    cleanCache,
		Remove:     true,
	}

	resp, err := b.api.ImageBuild(ctx, buildContext, opts)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		return result, fmt.Errorf("failed to build %s: %w", w.Name, err)
	}
	logFile, err := b.streamBuildLog(w.Name, resp.Body)
	resp.Body.Close()
	result.LogFile = logFile
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		return result, fmt.Errorf("build of %s failed: %w", w.Name, err)
	}

	if inspect, err := b.api.ImageInspect(ctx, name); err == nil {
		result.SHA = inspect.ID
	}

	if registryURL != "" {
		remote := registryURL + "/" + name
		if err := b.push(ctx, name, remote, registryURL); err != nil {
			// A failed push keeps the local image usable; the manifest
			// will simply carry no registry reference for it.
			b.logger.Warn().Str("image", name).Err(err).Msg("registry push failed")
		} else {
			result.RegistryImage = remote
		}
	}

	result.Duration = timer.Duration()
	metrics.BuildsTotal.WithLabelValues("success").Inc()
	b.logger.Info().
		Str("workload", w.Name).
		Str("image", name).
		Dur("duration", result.Duration).
		Msg("image built")
	return result, nil
}

func (b *ImageBuilder) push(ctx context.Context, local, remote, registryURL string) error {
	if err := b.api.ImageTag(ctx, local, remote); err != nil {
		return fmt.Errorf("failed to tag %s as %s: %w", local, remote, err)
	}
	opts := image.PushOptions{}
	if cred, ok := b.creds.Lookup(registryURL); ok {
		opts.RegistryAuth = cred.Auth()
	}
	reader, err := b.api.ImagePush(ctx, remote, opts)
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", remote, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("push of %s interrupted: %w", remote, err)
	}
	return nil
}

// streamBuildLog copies the engine's build output to a per-workload log
// file and scans it for an error status.
func (b *ImageBuilder) streamBuildLog(workload string, body io.Reader) (string, error) {
	if err := os.MkdirAll(b.logDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(b.logDir, workload+".build.log")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return path, err
	}
	if _, err := f.Write(data); err != nil {
		return path, err
	}
	// The engine reports build failures inside the JSON stream, not via
	// the HTTP status.
	if strings.Contains(string(data), `"error"`) {
		return path, fmt.Errorf("engine reported a build error, see %s", path)
	}
	return path, nil
}

// tarDirectory packages a build context directory into a tar stream
func tarDirectory(dir string) (io.ReadCloser, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", dir)
	}

	pr, pw := io.Pipe()
	tw := tar.NewWriter(pw)
	go func() {
		err := filepath.Walk(dir, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		tw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}
