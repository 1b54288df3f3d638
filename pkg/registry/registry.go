package registry

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/gridbench/gridbench/pkg/log"
)

// dockerAPI is the subset of the container engine client used for image
// resolution
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
}

// Resolver pulls registry images and retags them under their build-time
// names so the execution layer always addresses images by one stable
// local name.
type Resolver struct {
	api    dockerAPI
	creds  *CredentialStore
	logger zerolog.Logger
}

// NewResolver creates a resolver backed by the local container engine
func NewResolver(creds *CredentialStore) (*Resolver, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newResolver(api, creds), nil
}

func newResolver(api dockerAPI, creds *CredentialStore) *Resolver {
	if creds == nil {
		creds = &CredentialStore{creds: make(map[string]Credential)}
	}
	return &Resolver{
		api:    api,
		creds:  creds,
		logger: log.WithComponent("registry"),
	}
}

// Resolve makes the image runnable under localName. When registryImage
// is set it is pulled and retagged; a failed pull falls back to the
// locally built image with a warning instead of failing the run, because
// one unreachable registry must not sink every other workload.
func (r *Resolver) Resolve(ctx context.Context, registry, registryImage, localName string) string {
	if registryImage == "" {
		return localName
	}

	opts := image.PullOptions{}
	if cred, ok := r.creds.Lookup(registry); ok {
		opts.RegistryAuth = cred.Auth()
	}

	reader, err := r.api.ImagePull(ctx, registryImage, opts)
	if err != nil {
		r.logger.Warn().
			Str("image", registryImage).
			Err(err).
			Msg("registry pull failed, falling back to local image")
		return localName
	}
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		reader.Close()
		r.logger.Warn().Str("image", registryImage).Err(err).Msg("registry pull interrupted, falling back to local image")
		return localName
	}
	reader.Close()

	if err := r.api.ImageTag(ctx, registryImage, localName); err != nil {
		r.logger.Warn().
			Str("image", registryImage).
			Str("tag", localName).
			Err(err).
			Msg("retag failed, falling back to local image")
		return localName
	}

	r.logger.Debug().Str("image", registryImage).Str("tag", localName).Msg("image pulled and retagged")
	return localName
}
